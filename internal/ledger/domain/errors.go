package domain

import "errors"

var (
	ErrInvalidTransactionType = errors.New("invalid_transaction_type")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidPaymentMethod   = errors.New("invalid_payment_method")
	ErrPayloadMismatch        = errors.New("payload_mismatch")
	ErrInvalidRegister        = errors.New("invalid_register")
	ErrInvalidSequence        = errors.New("invalid_sequence")
	ErrInvalidPageToken       = errors.New("invalid_page_token")
	ErrInvalidTimeRange       = errors.New("invalid_time_range")
	ErrSequenceConflict       = errors.New("sequence_conflict")
	ErrImmutableEntry         = errors.New("immutable_entry")
	ErrNotFound               = errors.New("entry_not_found")
	ErrAppenderStopped        = errors.New("appender_stopped")
)

// IsValidationError reports errors caused by the caller's input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidTransactionType) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPaymentMethod) ||
		errors.Is(err, ErrPayloadMismatch) ||
		errors.Is(err, ErrInvalidRegister) ||
		errors.Is(err, ErrInvalidSequence) ||
		errors.Is(err, ErrInvalidPageToken) ||
		errors.Is(err, ErrInvalidTimeRange)
}
