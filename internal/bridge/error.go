package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/saikiran76/dailyfix-core/internal/retry"
)

// Error is a classified bridge API failure.
type Error struct {
	Category   retry.Category
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("bridge: %s (HTTP %d, %s)", e.Message, e.StatusCode, e.Category)
	}
	return fmt.Sprintf("bridge: %s (%s)", e.Message, e.Category)
}

// Classify maps any error to a retry category. Unclassified errors are
// INTERNAL per the engine's error taxonomy.
func Classify(err error) retry.Category {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return retry.Normalize(be.Category)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return retry.CategoryTimeout
		}
		return retry.CategoryNetwork
	}
	return retry.CategoryInternal
}

func categoryForStatus(code int) retry.Category {
	switch {
	case code == 401 || code == 403:
		return retry.CategoryAuth
	case code == 429:
		return retry.CategoryRateLimit
	case code == 408 || code == 504:
		return retry.CategoryTimeout
	case code == 400 || code == 404 || code == 422:
		return retry.CategoryValidation
	default:
		return retry.CategoryInternal
	}
}
