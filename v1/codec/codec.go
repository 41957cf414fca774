// Package codec provides the canonical text encoding used for persisted
// values and broadcast payloads.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
)

// Codec defines methods for encoding and decoding values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json. Decoding rejects trailing
// data so a truncated or concatenated entry is treated as corrupt.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", warperrors.ErrDecode, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", warperrors.ErrDecode)
	}
	return nil
}

// Default is the codec used when none is configured.
var Default Codec = JSONCodec{}

// Decode unmarshals data into a new T using c.
func Decode[T any](c Codec, data []byte) (T, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
