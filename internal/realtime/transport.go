package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/auth"
	"github.com/saikiran76/dailyfix-core/internal/retry"
)

// Transport maintains the websocket connection to the bridge's realtime
// endpoint. It reconnects with NETWORK backoff until its context is
// canceled and feeds every frame to the router.
type Transport struct {
	url    string
	tokens auth.TokenSource
	router *Router
	logger *zap.Logger
	dialer *websocket.Dialer

	cancel context.CancelFunc
}

// NewTransport creates a realtime transport.
func NewTransport(url string, tokens auth.TokenSource, router *Router, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		url:    url,
		tokens: tokens,
		router: router,
		logger: logger.Named("transport"),
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Start runs the connect/read/reconnect loop in the background.
func (t *Transport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

// Stop terminates the loop and closes any open connection.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Transport) run(ctx context.Context) {
	attempt := 1
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := retry.Delay(retry.CategoryNetwork, attempt)
			if attempt < 10 {
				attempt++
			}
			t.logger.Warn("realtime dial failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 1
		t.router.HandleConnect()
		readErr := t.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		msg := "connection closed"
		if readErr != nil {
			msg = readErr.Error()
		}
		t.router.HandleDisconnect(msg)
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.tokens != nil {
		token, err := t.tokens.Token(ctx, false)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readLoop decodes envelopes until the connection drops or ctx ends.
// Frames that are not valid JSON are dropped without killing the
// connection.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.router.drop(&Envelope{}, err)
			continue
		}
		t.router.HandleEnvelope(&env)
	}
}
