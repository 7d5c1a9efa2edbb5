package kvdao

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Separator divides the indexed value from the primary key inside an index
// entry key: value ++ Separator ++ pk. Indexed values never contain it.
const Separator byte = 0x00

const escapeByte byte = 0x01

// EscapeIndexValue makes arbitrary bytes safe for use as an indexed value:
// 0x00 becomes 0x01 0x01 and 0x01 becomes 0x01 0x02. The escape preserves
// lexicographic order, so ranges over escaped values match ranges over the
// originals. The result is never nil.
func EscapeIndexValue(b []byte) []byte {
	return appendEscaped(make([]byte, 0, len(b)+2), b)
}

func appendEscaped(buf []byte, b []byte) []byte {
	for _, c := range b {
		switch c {
		case Separator:
			buf = append(buf, escapeByte, 0x01)
		case escapeByte:
			buf = append(buf, escapeByte, 0x02)
		default:
			buf = append(buf, c)
		}
	}
	return buf
}

// UnescapeIndexValue reverses EscapeIndexValue.
func UnescapeIndexValue(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch c {
		case Separator:
			return nil, dataErrf(b, i, ErrInvalidIndexValue, "unescaped separator at %d", i)
		case escapeByte:
			i++
			if i >= len(b) {
				return nil, dataErrf(b, i, nil, "truncated escape sequence")
			}
			switch b[i] {
			case 0x01:
				out = append(out, Separator)
			case 0x02:
				out = append(out, escapeByte)
			default:
				return nil, dataErrf(b, i, nil, "invalid escape sequence 01 %02x", b[i])
			}
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

// StringValue encodes a string for an index. Strings order bytewise.
func StringValue(s string) []byte {
	return EscapeIndexValue([]byte(s))
}

// BytesValue encodes a raw byte string for an index.
func BytesValue(b []byte) []byte {
	return EscapeIndexValue(b)
}

// Uint64Value encodes an unsigned integer for an index in numeric order.
func Uint64Value(v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return EscapeIndexValue(tmp[:])
}

// Int64Value encodes a signed integer for an index in numeric order.
func Int64Value(v int64) []byte {
	return Uint64Value(uint64(v) ^ signBit)
}

// UUIDValue encodes a UUID for an index.
func UUIDValue(u uuid.UUID) []byte {
	return EscapeIndexValue(u[:])
}

// splitIndexKey splits an index entry key at the first separator. Keys without
// a separator, or with nothing after it, are malformed.
func splitIndexKey(key []byte) (value, pk []byte, ok bool) {
	for i, c := range key {
		if c == Separator {
			if i+1 >= len(key) {
				return nil, nil, false
			}
			return key[:i], key[i+1:], true
		}
	}
	return nil, nil, false
}

// IndexEntryKey builds value ++ Separator ++ pk.
func IndexEntryKey(value, pk []byte) []byte {
	return Concat(value, Separator, pk)
}
