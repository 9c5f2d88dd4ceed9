package contracts

import (
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned for JSON that is not a valid envelope.
var ErrMalformedEnvelope = errors.New("contracts: malformed envelope")

// DecodeError reports an envelope that could not be parsed.
type DecodeError struct {
	Envelope string // "call" or "response"
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("contracts: decode %s envelope: %v", e.Envelope, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches ErrMalformedEnvelope for every decode failure.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedEnvelope
}
