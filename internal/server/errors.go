package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/impactledger/internal/authorization"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	fulfillmentdomain "github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	idempotencydomain "github.com/smallbiznis/impactledger/internal/idempotency/domain"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	notificationdomain "github.com/smallbiznis/impactledger/internal/notification/domain"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
	"github.com/smallbiznis/impactledger/internal/realtime"
	registrydomain "github.com/smallbiznis/impactledger/internal/registry/domain"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInFlight           = errors.New("order_in_flight")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// pipelineError carries a fulfillment failure with its class so the response
// status follows the class rather than the first matching sentinel.
type pipelineError struct {
	class fulfillmentdomain.Class
	err   error
}

func (e *pipelineError) Error() string { return e.err.Error() }

func (e *pipelineError) Unwrap() error { return e.err }

func newPipelineError(err error) error {
	if err == nil {
		return nil
	}
	return &pipelineError{class: fulfillmentdomain.Classify(err), err: err}
}

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

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var pErr *pipelineError
	if errors.As(err, &pErr) {
		if status, payload, ok := mapPipelineError(pErr); ok {
			return status, payload
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
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ingestdomain.ErrInvalidSignature),
		errors.Is(err, authorization.ErrMissingKey),
		errors.Is(err, authorization.ErrInvalidKey):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrInFlight):
		return http.StatusConflict, errorPayload{
			Type:    "in_flight",
			Message: "order is being processed",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, registrydomain.ErrAlreadyInactive),
		errors.Is(err, registrydomain.ErrDuplicatePurchase),
		errors.Is(err, purchasedomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ingestdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, registrydomain.ErrPaused),
		errors.Is(err, realtime.ErrHubUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.Is(err, ErrInternal):
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// mapPipelineError maps fulfillment failures by class. Input failures fall
// through to the regular validation mapping.
func mapPipelineError(err *pipelineError) (int, errorPayload, bool) {
	switch err.class {
	case fulfillmentdomain.ClassTransient, fulfillmentdomain.ClassConflict:
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "retryable",
			Message: "order could not be fulfilled yet, retry later",
		}, true
	case fulfillmentdomain.ClassFatal:
		return http.StatusInternalServerError, errorPayload{
			Type:    "fulfillment_failed",
			Message: "order needs operator attention",
		}, true
	default:
		return 0, errorPayload{}, false
	}
}

// classifyErrorForLog gives the request logger a type and a stable code.
func classifyErrorForLog(err error) (string, string) {
	var pErr *pipelineError
	if errors.As(err, &pErr) {
		return "pipeline", pErr.class.String()
	}
	_, payload := mapError(err)
	return payload.Type, validationErrorCode(err)
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	errInvalidID,
	ingestdomain.ErrInvalidPayload,
	ingestdomain.ErrInvalidEvent,
	idempotencydomain.ErrInvalidKey,
	purchasedomain.ErrNoPurchasableItems,
	registrydomain.ErrInvalidArgument,
	notificationdomain.ErrInvalidUser,
	notificationdomain.ErrInvalidPageToken,
	realtime.ErrInvalidTopic,
	authorization.ErrInvalidObject,
	authorization.ErrInvalidAction,
	catalogdomain.ErrInvalidEmail,
	catalogdomain.ErrInvalidSKU,
	catalogdomain.ErrInvalidPrice,
	catalogdomain.ErrInvalidTitle,
	catalogdomain.ErrInvalidStatus,
}

func isValidationError(err error) bool {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ingestdomain.ErrSourceNotFound),
		errors.Is(err, ingestdomain.ErrProviderNotFound),
		errors.Is(err, registrydomain.ErrNotFound),
		errors.Is(err, purchasedomain.ErrPurchaseNotFound),
		errors.Is(err, catalogdomain.ErrInitiativeMissing),
		errors.Is(err, catalogdomain.ErrUserMissing),
		errors.Is(err, notificationdomain.ErrNotificationNotFound),
		errors.Is(err, idempotencydomain.ErrRecordNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// validationErrorCode returns the code of the first known sentinel in err,
// or the leading word of its message.
func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	code := err.Error()
	if idx := strings.IndexAny(code, ": "); idx > 0 {
		code = code[:idx]
	}
	return code
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

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
