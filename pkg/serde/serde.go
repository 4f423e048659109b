// Package serde decodes raw AMQP message bodies into application values.
package serde

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Type selects how a message body is decoded.
type Type string

const (
	// String decodes the body as text.
	String Type = "STRING"
	// JSON decodes the body as a JSON document into maps, slices and scalars.
	JSON Type = "JSON"
	// Binary passes the body through as a byte slice.
	Binary Type = "BINARY"
)

// ErrUnknownType is returned for a serde type name that is not supported.
var ErrUnknownType = errors.New("unknown serde type")

// Decoder converts a raw body and its message properties into a value.
type Decoder interface {
	Decode(body []byte, properties map[string]any) (any, error)
}

// ParseType resolves a case-insensitive type name. An empty name yields String.
func ParseType(name string) (Type, error) {
	switch Type(strings.ToUpper(strings.TrimSpace(name))) {
	case "", String:
		return String, nil
	case JSON:
		return JSON, nil
	case Binary:
		return Binary, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Decode implements Decoder for the built-in types.
func (t Type) Decode(body []byte, _ map[string]any) (any, error) {
	switch t {
	case String, "":
		return string(body), nil
	case JSON:
		var value any
		if err := sonic.Unmarshal(body, &value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
		}
		return value, nil
	case Binary:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
}

// String returns the type name.
func (t Type) String() string {
	return string(t)
}
