package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	archivedomain "github.com/smallbiznis/caisse/internal/archive/domain"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	"github.com/smallbiznis/caisse/internal/scheduler"
	settingsdomain "github.com/smallbiznis/caisse/internal/settings/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// classifyErrorForLog feeds the request logger the same type/code pair the
// client receives.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(err),
				},
			},
		}
	}

	switch {
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		ledgerdomain.IsValidationError(err),
		errors.Is(err, closuredomain.ErrValidation),
		errors.Is(err, archivedomain.ErrValidation),
		errors.Is(err, orderdomain.ErrInvalidEventType),
		errors.Is(err, orderdomain.ErrInvalidEventID),
		errors.Is(err, orderdomain.ErrInvalidOrderID),
		errors.Is(err, settingsdomain.ErrInvalidClosureTime),
		errors.Is(err, settingsdomain.ErrInvalidTimezone),
		errors.Is(err, settingsdomain.ErrInvalidGracePeriod),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, ledgerdomain.ErrSequenceConflict),
		errors.Is(err, ledgerdomain.ErrImmutableEntry),
		errors.Is(err, closuredomain.ErrDuplicateClosure),
		errors.Is(err, closuredomain.ErrImmutableBulletin),
		errors.Is(err, archivedomain.ErrNotCompleted),
		errors.Is(err, archivedomain.ErrFlagged),
		errors.Is(err, archivedomain.ErrClosureNotFound),
		errors.Is(err, orderdomain.ErrOrderNotFinal),
		errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrNotRunning):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrNotFound),
		errors.Is(err, closuredomain.ErrNotFound),
		errors.Is(err, archivedomain.ErrNotFound),
		errors.Is(err, archivedomain.ErrBlobNotFound),
		errors.Is(err, orderdomain.ErrOrderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, closuredomain.ErrDuplicateClosure):
		return "a closure already exists for this period"
	case errors.Is(err, archivedomain.ErrClosureNotFound):
		return "the period has no closed bulletin"
	case errors.Is(err, archivedomain.ErrNotCompleted):
		return "export is not completed"
	case errors.Is(err, archivedomain.ErrFlagged):
		return "export failed verification"
	case errors.Is(err, orderdomain.ErrOrderNotFinal):
		return "order is not finalized"
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return "scheduler is already running"
	case errors.Is(err, scheduler.ErrNotRunning):
		return "scheduler is not running"
	default:
		return "conflict"
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		ledgerdomain.ErrInvalidTransactionType,
		ledgerdomain.ErrInvalidAmount,
		ledgerdomain.ErrInvalidPaymentMethod,
		ledgerdomain.ErrPayloadMismatch,
		ledgerdomain.ErrInvalidRegister,
		ledgerdomain.ErrInvalidSequence,
		ledgerdomain.ErrInvalidPageToken,
		ledgerdomain.ErrInvalidTimeRange,
		orderdomain.ErrInvalidEventType,
		orderdomain.ErrInvalidEventID,
		orderdomain.ErrInvalidOrderID,
		settingsdomain.ErrInvalidClosureTime,
		settingsdomain.ErrInvalidTimezone,
		settingsdomain.ErrInvalidGracePeriod,
		auditdomain.ErrInvalidPageToken,
		auditdomain.ErrInvalidTimeRange,
		auditdomain.ErrInvalidAction,
		closuredomain.ErrValidation,
		archivedomain.ErrValidation,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

// validationErrorMessage keeps the detail the domain attached with %w.
func validationErrorMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "invalid value"
	}
	return msg
}
