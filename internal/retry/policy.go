package retry

import "time"

// Category classifies a failure for retry purposes.
type Category string

const (
	CategoryNetwork    Category = "NETWORK"
	CategoryRateLimit  Category = "RATE_LIMIT"
	CategoryAuth       Category = "AUTH"
	CategoryValidation Category = "VALIDATION"
	CategoryTimeout    Category = "TIMEOUT"
	CategoryInternal   Category = "INTERNAL"
)

// Policy describes how failures of a category are retried.
type Policy struct {
	Retryable          bool
	MaxRetries         int
	BaseDelay          time.Duration
	RequiresUserAction bool
}

// policies is the single source of truth for retry behavior. AUTH and
// VALIDATION are never auto-retried; they always need user action.
var policies = map[Category]Policy{
	CategoryNetwork:    {Retryable: true, MaxRetries: 3, BaseDelay: time.Second},
	CategoryRateLimit:  {Retryable: true, MaxRetries: 3, BaseDelay: 5 * time.Second},
	CategoryAuth:       {Retryable: false, RequiresUserAction: true},
	CategoryValidation: {Retryable: false, RequiresUserAction: true},
	CategoryTimeout:    {Retryable: true, MaxRetries: 2, BaseDelay: 2 * time.Second},
	CategoryInternal:   {Retryable: true, MaxRetries: 2, BaseDelay: time.Second},
}

// PolicyFor returns the retry policy for a category.
// Unknown categories map to INTERNAL.
func PolicyFor(c Category) Policy {
	if p, ok := policies[c]; ok {
		return p
	}
	return policies[CategoryInternal]
}

// Normalize maps an unknown category value to INTERNAL.
func Normalize(c Category) Category {
	if _, ok := policies[c]; ok {
		return c
	}
	return CategoryInternal
}
