package kvdao

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/google/uuid"
)

// KeyCodec converts primary keys to bytes and back. Encoding must be
// deterministic; codecs used with key ranges must also preserve order.
type KeyCodec[K any] interface {
	EncodeKey(k K) []byte
	DecodeKey(b []byte) (K, error)
}

// ValueCodec converts entities to bytes and back.
type ValueCodec[V any] interface {
	EncodeValue(v *V) ([]byte, error)
	DecodeValue(b []byte) (*V, error)
}

type stringKeyCodec struct{}

// StringKey encodes string keys as their UTF-8 bytes.
func StringKey() KeyCodec[string] { return stringKeyCodec{} }

func (stringKeyCodec) EncodeKey(k string) []byte {
	return []byte(k)
}

func (stringKeyCodec) DecodeKey(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", dataErrf(b, 0, nil, "invalid UTF-8 key")
	}
	return string(b), nil
}

type bytesKeyCodec struct{}

// BytesKey uses raw byte strings as keys.
func BytesKey() KeyCodec[[]byte] { return bytesKeyCodec{} }

func (bytesKeyCodec) EncodeKey(k []byte) []byte {
	return cloneBytes(k)
}

func (bytesKeyCodec) DecodeKey(b []byte) ([]byte, error) {
	return cloneBytes(b), nil
}

type uint64KeyCodec struct{}

// Uint64Key encodes keys as 8 big-endian bytes.
func Uint64Key() KeyCodec[uint64] { return uint64KeyCodec{} }

func (uint64KeyCodec) EncodeKey(k uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, k)
}

func (uint64KeyCodec) DecodeKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, dataErrf(b, 0, nil, "uint64 key must be 8 bytes")
	}
	return binary.BigEndian.Uint64(b), nil
}

type int64KeyCodec struct{}

// Int64Key encodes signed keys as 8 big-endian bytes with the sign bit
// flipped, so that negative keys sort before positive ones.
func Int64Key() KeyCodec[int64] { return int64KeyCodec{} }

func (int64KeyCodec) EncodeKey(k int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(k)^signBit)
}

func (int64KeyCodec) DecodeKey(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, dataErrf(b, 0, nil, "int64 key must be 8 bytes")
	}
	return int64(binary.BigEndian.Uint64(b) ^ signBit), nil
}

const signBit = 1 << 63

type uuidKeyCodec struct{}

// UUIDKey encodes UUIDs as their 16 raw bytes.
func UUIDKey() KeyCodec[uuid.UUID] { return uuidKeyCodec{} }

func (uuidKeyCodec) EncodeKey(k uuid.UUID) []byte {
	return cloneBytes(k[:])
}

func (uuidKeyCodec) DecodeKey(b []byte) (uuid.UUID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, dataErrf(b, 0, err, "invalid UUID key")
	}
	return u, nil
}
