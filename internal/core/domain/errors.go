package domain

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrSwapNotFound      = errors.New("swap not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownChain      = errors.New("unknown chain")
)

// IntermediaryError is returned when data supplied by an LP does not match
// what the client derives locally. The LP must not be asked again in the
// same negotiation round.
type IntermediaryError struct {
	Url    string
	Reason string
}

func NewIntermediaryError(url, format string, args ...any) *IntermediaryError {
	return &IntermediaryError{Url: url, Reason: fmt.Sprintf(format, args...)}
}

func (e *IntermediaryError) Error() string {
	if e.Url == "" {
		return fmt.Sprintf("intermediary error: %s", e.Reason)
	}
	return fmt.Sprintf("intermediary %s: %s", e.Url, e.Reason)
}

// RequestError is a transport level failure talking to an LP.
type RequestError struct {
	Url        string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("request to %s failed with status %d: %v", e.Url, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request to %s failed: %v", e.Url, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// OutOfBoundsError reports an amount outside of the bounds declared by one or
// more LPs. Min and max are expressed in the unit of the requested amount.
type OutOfBoundsError struct {
	Url string
	Min *big.Int
	Max *big.Int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("amount out of bounds: must be between %s and %s", e.Min, e.Max)
}

// Merge widens the range to the union of both errors and returns the receiver.
func (e *OutOfBoundsError) Merge(other *OutOfBoundsError) *OutOfBoundsError {
	if other == nil {
		return e
	}
	if e.Min == nil || (other.Min != nil && other.Min.Cmp(e.Min) < 0) {
		e.Min = copyInt(other.Min)
	}
	if e.Max == nil || (other.Max != nil && other.Max.Cmp(e.Max) > 0) {
		e.Max = copyInt(other.Max)
	}
	e.Url = ""
	return e
}

// SignatureVerificationError is returned when an LP authorization does not
// verify or has already expired.
type SignatureVerificationError struct {
	Reason string
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed: %s", e.Reason)
}

// ValidationError signals malformed input, detected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
