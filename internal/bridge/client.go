package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/saikiran76/dailyfix-core/internal/auth"
	"github.com/saikiran76/dailyfix-core/internal/retry"
	"go.uber.org/zap"
)

// Client talks to the remote bridge service over HTTP with JSON bodies.
// Every failure it returns is a classified *Error.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	logger  *zap.Logger
}

// NewClient creates a bridge API client.
func NewClient(baseURL string, tokens auth.TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		logger:  logger,
	}
}

// Initiate starts a pairing flow for the platform.
func (c *Client) Initiate(ctx context.Context, platform string) (*InitiateResponse, error) {
	var resp InitiateResponse
	if err := c.do(ctx, http.MethodPost, "/connect/"+url.PathEscape(platform)+"/initiate", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Finalize completes a token-based pairing flow with the given credentials.
func (c *Client) Finalize(ctx context.Context, platform string, credentials map[string]string) (*FinalizeResponse, error) {
	var resp FinalizeResponse
	if err := c.do(ctx, http.MethodPost, "/connect/"+url.PathEscape(platform)+"/finalize", credentials, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status reads the current bridge-side status of a platform connection.
func (c *Client) Status(ctx context.Context, platform string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(platform), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages fetches up to limit message envelopes for a conversation,
// paginating backward from beforeID when it is non-empty.
func (c *Client) Messages(ctx context.Context, conversationID, beforeID string, limit int) ([]MessageEnvelope, error) {
	path := "/messages/" + url.PathEscape(conversationID) + "?limit=" + strconv.Itoa(limit)
	if beforeID != "" {
		path += "&before=" + url.QueryEscape(beforeID)
	}
	var resp MessageBatch
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Event fetches one message envelope by id, used for reply-parent resolution.
func (c *Client) Event(ctx context.Context, conversationID, eventID string) (*MessageEnvelope, error) {
	var resp MessageEnvelope
	path := "/messages/" + url.PathEscape(conversationID) + "/" + url.PathEscape(eventID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage posts a new outgoing message and returns the server-assigned
// event id.
func (c *Client) SendMessage(ctx context.Context, conversationID, clientMsgID, body string) (string, error) {
	var resp SendResponse
	req := SendRequest{ClientMsgID: clientMsgID, Body: body}
	if err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(conversationID), req, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// Contacts fetches the user's contact list from the bridge.
func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	var resp ContactsResponse
	if err := c.do(ctx, http.MethodGet, "/contacts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Contacts, nil
}

// do performs one authenticated request. A 401 is retried once with a
// force-refreshed token before surfacing an AUTH error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	status, err := c.once(ctx, method, path, body, out, false)
	if err != nil && status == http.StatusUnauthorized {
		c.logger.Info("token rejected, retrying with forced refresh", zap.String("path", path))
		_, err = c.once(ctx, method, path, body, out, true)
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body, out any, forceRefresh bool) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, &Error{Category: retry.CategoryInternal, Message: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, &Error{Category: retry.CategoryInternal, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx, forceRefresh)
		if err != nil {
			return 0, &Error{Category: retry.CategoryAuth, Message: fmt.Sprintf("token: %v", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cat := retry.CategoryNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			cat = retry.CategoryTimeout
		}
		return 0, &Error{Category: cat, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		return resp.StatusCode, &Error{
			Category:   categoryForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, &Error{Category: retry.CategoryInternal, Message: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return resp.StatusCode, nil
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if len(data) > 0 {
		return string(data)
	}
	return "request failed"
}
