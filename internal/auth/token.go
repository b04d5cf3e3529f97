package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrNoToken indicates the auth provider has no usable token. Callers treat
// this as an AUTH-category failure requiring user action.
var ErrNoToken = errors.New("no valid token available")

// TokenSource supplies bearer tokens for the bridge API and realtime channel.
// Token issuance itself belongs to the auth provider; the engine only asks
// for a currently-valid token, optionally forcing a refresh after a 401.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// StaticTokenSource returns a fixed token, typically read from config.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a token source around a fixed token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(_ context.Context, _ bool) (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func(ctx context.Context, forceRefresh bool) (string, error)

func (f TokenFunc) Token(ctx context.Context, forceRefresh bool) (string, error) {
	return f(ctx, forceRefresh)
}

// CachingSource memoizes the wrapped source's token until a forced refresh.
type CachingSource struct {
	mu     sync.Mutex
	inner  TokenSource
	cached string
}

// NewCachingSource wraps a token source with a single-value cache.
func NewCachingSource(inner TokenSource) *CachingSource {
	return &CachingSource{inner: inner}
}

func (c *CachingSource) Token(ctx context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !forceRefresh && c.cached != "" {
		return c.cached, nil
	}
	tok, err := c.inner.Token(ctx, forceRefresh)
	if err != nil {
		c.cached = ""
		return "", err
	}
	c.cached = tok
	return tok, nil
}
