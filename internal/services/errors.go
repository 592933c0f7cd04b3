package services

import (
	"context"
	"errors"
	"fmt"
	"net"

	"settlement-service/internal/ledger"
	"settlement-service/internal/split"
	"settlement-service/pkg/common"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayTimeout     = errors.New("payment gateway timed out")
	ErrInvalidRequest     = errors.New("payment gateway rejected request")
)

// ErrorKind names the class of err for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation), errors.Is(err, split.ErrInvalidAmount):
		return "validation"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ErrGatewayTimeout):
		return "gateway_timeout"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	}
	return "internal"
}

// gatewayError maps a transport or HTTP failure onto the gateway taxonomy.
func gatewayError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %v", provider, ErrGatewayTimeout, err)
	}
	var httpErr *common.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		return fmt.Errorf("%s: %w: %v", provider, ErrInvalidRequest, err)
	}
	return fmt.Errorf("%s: %w: %v", provider, ErrGatewayUnavailable, err)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
