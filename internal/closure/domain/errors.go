package domain

import "errors"

var (
	ErrValidation        = errors.New("validation_error")
	ErrDuplicateClosure  = errors.New("duplicate_closure")
	ErrImmutableBulletin = errors.New("immutable_bulletin")
	ErrNotFound          = errors.New("closure_not_found")
)
