package crdt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidStatePayload indicates that a base64 state payload is invalid.
	ErrInvalidStatePayload = errors.New("crdt: invalid state payload")
	// ErrInvalidUpdatePayload indicates that a base64 update payload is invalid.
	ErrInvalidUpdatePayload = errors.New("crdt: invalid update payload")
)

// StateBase64 stores a validated base64-encoded document state.
type StateBase64 string

// NewStateBase64 validates raw input and returns a StateBase64.
func NewStateBase64(rawInput string) (StateBase64, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStatePayload)
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrInvalidStatePayload)
	}
	return StateBase64(trimmed), nil
}

// EncodeState encodes raw state bytes to the base64 wire form.
func EncodeState(data []byte) StateBase64 {
	return StateBase64(base64.StdEncoding.EncodeToString(data))
}

// String returns the payload as a string.
func (payload StateBase64) String() string {
	return string(payload)
}

// Bytes decodes the payload back to raw state bytes.
func (payload StateBase64) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidStatePayload)
	}
	return data, nil
}

// UpdateBase64 stores a validated base64-encoded incremental update.
type UpdateBase64 string

// NewUpdateBase64 validates raw input and returns an UpdateBase64.
func NewUpdateBase64(rawInput string) (UpdateBase64, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUpdatePayload)
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrInvalidUpdatePayload)
	}
	return UpdateBase64(trimmed), nil
}

// String returns the payload as a string.
func (payload UpdateBase64) String() string {
	return string(payload)
}

// Bytes decodes the payload back to raw update bytes.
func (payload UpdateBase64) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidUpdatePayload)
	}
	return data, nil
}
