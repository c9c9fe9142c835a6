package model

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
)

// ErrorKind classifies a stage failure for the audit trail and retry policy.
type ErrorKind string

const (
	KindEmptyInput        ErrorKind = "EmptyInput"
	KindTimeout           ErrorKind = "Timeout"
	KindProviderError     ErrorKind = "ProviderError"
	KindInvalidConfidence ErrorKind = "InvalidConfidence"
	KindStoreUnavailable  ErrorKind = "StoreUnavailable"
	KindCanceled          ErrorKind = "Canceled"
)

// Sentinel errors for product-level failures.
var (
	ErrEmptyInput        = eris.New("empty input")
	ErrTimeout           = eris.New("classifier timeout")
	ErrProvider          = eris.New("classifier provider error")
	ErrInvalidConfidence = eris.New("invalid confidence")
	ErrStoreUnavailable  = eris.New("store unavailable")
)

// Retryable reports whether a failure of this kind may be attempted again.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindProviderError, KindInvalidConfidence, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// KindOf maps an error chain onto the failure taxonomy. Unknown errors are
// treated as provider errors so they stay retryable.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return KindEmptyInput
	case errors.Is(err, ErrInvalidConfidence):
		return KindInvalidConfidence
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindProviderError
	}
}
