// Package codec is the binary serialization used at the protocol boundary.
// Every request body, response body, and stream message goes through it.
package codec

import (
	"bytes"
	"errors"

	"github.com/andresmejia3/ocrserve/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

var errTrailing = errors.New("trailing bytes after payload")

// ContentType is set on every HTTP response carrying a codec payload.
const ContentType = "application/msgpack"

// Codec converts between Go values and msgpack bytes.
type Codec struct{}

// New returns the msgpack codec.
func New() Codec { return Codec{} }

// Decode returns the generic value held in data. Empty input yields a nil
// value and no error. Maps decode as map[string]any, integers as the
// narrowest sized int or uint that holds them, bin as []byte and str as string.
func (Codec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, &types.DecodeError{Err: err}
	}
	// Trailing bytes mean the payload is not a single value.
	if _, err := dec.PeekCode(); err == nil {
		return nil, &types.DecodeError{Err: errTrailing}
	}
	return v, nil
}

// Encode serializes v. A nil value encodes to an empty byte slice.
func (Codec) Encode(v any) ([]byte, error) {
	if v == nil {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
