// Package serialization converts application payloads to and from message
// bodies.
package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyBody is returned when decoding a message without a body.
var ErrEmptyBody = errors.New("serialization: empty body")

// Codec encodes outgoing payloads and decodes incoming bodies.
type Codec interface {
	// ContentType is set on published messages.
	ContentType() string
	Encode(v any) ([]byte, error)
	Decode(body []byte) (any, error)
}

// JSONCodec is the default codec. Numbers decode as json.Number so integer
// payloads keep their precision.
type JSONCodec struct{}

// ContentType implements Codec
func (JSONCodec) ContentType() string {
	return "application/json"
}

// Encode implements Codec
func (JSONCodec) Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialization: encode json: %w", err)
	}
	return body, nil
}

// Decode implements Codec
func (JSONCodec) Decode(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("serialization: decode json: %w", err)
	}
	if dec.More() {
		return nil, errors.New("serialization: decode json: trailing data after value")
	}
	return v, nil
}

// RawCodec passes bodies through untouched. Encode accepts []byte and string.
type RawCodec struct{}

// ContentType implements Codec
func (RawCodec) ContentType() string {
	return "application/octet-stream"
}

// Encode implements Codec
func (RawCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("serialization: raw codec cannot encode %T", v)
	}
}

// Decode implements Codec
func (RawCodec) Decode(body []byte) (any, error) {
	return body, nil
}
