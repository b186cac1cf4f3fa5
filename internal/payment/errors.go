package payment

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/noah-isme/payment-core/internal/common"
)

var (
	// ErrProviderUnavailable covers network failures, 5xx answers and open breakers. Retryable.
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
	// ErrProviderRejected covers 4xx answers and gateway-level refusals. Not retryable as-is.
	ErrProviderRejected = errors.New("payment: provider rejected request")
	ErrSignatureInvalid = errors.New("payment: signature invalid")
	ErrOrderNotPayable  = errors.New("payment: order not payable")
	ErrOrderNotFound    = errors.New("payment: order not found")
	ErrUnmappedStatus   = errors.New("payment: unmapped provider status")
	ErrUnknownProvider  = errors.New("payment: unknown provider")
	ErrNotFound         = errors.New("payment: not found")
	// ErrConflict is returned by stores when a unique constraint rejects a write.
	ErrConflict      = errors.New("payment: conflicting write")
	ErrNotRefundable = errors.New("payment: payment not refundable")
	// ErrRefundInProgress means an earlier attempt with the same key has no recorded outcome yet.
	ErrRefundInProgress = errors.New("payment: refund in progress")
)

// ProviderError carries gateway context for a failed outbound call.
type ProviderError struct {
	Provider   Provider
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Operation)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" http %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " code " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

func unavailable(p Provider, op string, status int, cause error) error {
	err := &ProviderError{Provider: p, Operation: op, StatusCode: status, Err: ErrProviderUnavailable}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

func rejected(p Provider, op string, status int, code, message string) error {
	return &ProviderError{Provider: p, Operation: op, StatusCode: status, Code: code, Message: message, Err: ErrProviderRejected}
}

// AppErrorFor translates payment errors into API errors.
func AppErrorFor(err error) *common.AppError {
	var app *common.AppError
	if errors.As(err, &app) {
		return app
	}
	switch {
	case errors.Is(err, ErrOrderNotPayable):
		return common.NewAppError("ORDER_NOT_PAYABLE", "order is already paid or cancelled", http.StatusConflict, err)
	case errors.Is(err, ErrOrderNotFound):
		return common.NewAppError("ORDER_NOT_FOUND", "order not found", http.StatusNotFound, err)
	case errors.Is(err, ErrProviderUnavailable):
		return common.NewAppError("PROVIDER_UNAVAILABLE", "payment provider unavailable, retry later", http.StatusBadGateway, err)
	case errors.Is(err, ErrProviderRejected):
		return common.NewAppError("PROVIDER_REJECTED", "payment provider rejected the request", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrUnknownProvider):
		return common.NewAppError("PROVIDER_NOT_SUPPORTED", "unknown provider", http.StatusNotFound, err)
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("NOT_FOUND", "payment not found", http.StatusNotFound, err)
	case errors.Is(err, ErrRefundInProgress):
		return common.NewAppError("REFUND_IN_PROGRESS", "refund awaiting gateway outcome", http.StatusConflict, err)
	case errors.Is(err, ErrNotRefundable):
		return common.NewAppError("NOT_REFUNDABLE", "payment cannot be refunded", http.StatusConflict, err)
	default:
		return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
	}
}
