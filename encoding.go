package kvdao

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type msgpackCodec[V any] struct{}

// MsgPack returns a ValueCodec storing entities as MessagePack, with map keys
// sorted for deterministic output.
func MsgPack[V any]() ValueCodec[V] { return msgpackCodec[V]{} }

func (msgpackCodec[V]) EncodeValue(v *V) ([]byte, error) {
	var bb bytesBuilder
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	if bb.Buf == nil {
		bb.Buf = []byte{}
	}
	return bb.Buf, nil
}

func (msgpackCodec[V]) DecodeValue(buf []byte) (*V, error) {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	v := new(V)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(buf, 0, err, "failed to decode msgpack into %T", v)
	}
	return v, nil
}

type jsonCodec[V any] struct{}

// JSON returns a ValueCodec storing entities as JSON documents.
func JSON[V any]() ValueCodec[V] { return jsonCodec[V]{} }

func (jsonCodec[V]) EncodeValue(v *V) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T to JSON: %w", v, err)
	}
	return raw, nil
}

func (jsonCodec[V]) DecodeValue(buf []byte) (*V, error) {
	v := new(V)
	err := json.Unmarshal(buf, v)
	if err != nil {
		return nil, dataErrf(buf, 0, err, "failed to decode JSON into %T", v)
	}
	return v, nil
}
