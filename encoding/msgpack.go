// Package encoding provides the msgpack settings shared by everything that
// persists remote operations. Journal writers and readers MUST go through this
// package so that entries written by one build decode in another.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use. Encoders
// and decoders returned by NewEncoder and NewDecoder are not.
package encoding

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data. It matches remote.Unmarshaler so typed
// operations can be rebuilt with remote.DecodeOperation.
func Unmarshal(data []byte, v any) error {
	return NewDecoder(bytes.NewReader(data)).Decode(v)
}

// NewEncoder returns a stream encoder. Struct fields are keyed by name and
// time values keep their location, so operations survive a round trip.
func NewEncoder(w io.Writer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(w)
	enc.UseCompactInts(true)
	return enc
}

// NewDecoder returns a stream decoder. When decoding into interface{},
// strings stay Go strings (not []byte).
func NewDecoder(r io.Reader) *msgpack.Decoder {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	return dec
}
