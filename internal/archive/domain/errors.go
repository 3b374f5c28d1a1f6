package domain

import "errors"

var (
	ErrValidation      = errors.New("validation_error")
	ErrNotFound        = errors.New("export_not_found")
	ErrNotCompleted    = errors.New("export_not_completed")
	ErrFlagged         = errors.New("export_flagged")
	ErrClosureNotFound = errors.New("closure_not_found")
	ErrSignature       = errors.New("signature_mismatch")
	ErrBlobNotFound    = errors.New("blob_not_found")
)
