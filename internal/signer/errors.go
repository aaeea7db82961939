package signer

import (
	"fmt"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
)

// SigningFailedError reports a document, key or certificate that cannot be
// signed together. It is fatal for the invoice attempt.
type SigningFailedError struct {
	Reason string
	Err    error
}

func (e *SigningFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing failed: %s: %v", e.Reason, e.Err)
	}
	return "signing failed: " + e.Reason
}

func (e *SigningFailedError) Unwrap() []error {
	if e.Err != nil {
		return []error{errors.ErrSigningFailed, e.Err}
	}
	return []error{errors.ErrSigningFailed}
}

func failed(reason string, err error) error {
	return &SigningFailedError{Reason: reason, Err: err}
}
