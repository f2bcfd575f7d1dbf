// Package codec converts characteristic payloads between their text-safe
// transport form (standard base64) and the text or bytes they carry.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// NullPlaceholder is rendered in place of an absent characteristic value.
const NullPlaceholder = "null"

// ErrInvalidInput reports a precondition violation such as decoding an
// absent payload or a payload that is not valid base64.
var ErrInvalidInput = errors.New("invalid input")

// Payload is a base64-encoded characteristic value.
type Payload string

// Encode converts text into its transport payload.
func Encode(text string) Payload {
	return EncodeBytes([]byte(text))
}

// EncodeBytes converts raw characteristic bytes into a payload.
func EncodeBytes(b []byte) Payload {
	return Payload(base64.StdEncoding.EncodeToString(b))
}

// Decode returns the text carried by p. Callers must branch on an absent
// value themselves; a nil payload fails with ErrInvalidInput.
func Decode(p *Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("codec: decode nil payload: %w", ErrInvalidInput)
	}
	b, err := DecodeBytes(*p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeBytes returns the raw bytes carried by p.
func DecodeBytes(p Payload) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("codec: decode payload: %w: %v", ErrInvalidInput, err)
	}
	return b, nil
}

// Ptr returns a pointer to p, for building optional characteristic values.
func Ptr(p Payload) *Payload {
	return &p
}

// Display renders a characteristic value for humans. An absent value is
// shown as NullPlaceholder and an undecodable one as its raw payload.
func Display(p *Payload) string {
	if p == nil {
		return NullPlaceholder
	}
	text, err := Decode(p)
	if err != nil {
		return string(*p)
	}
	return text
}
