package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/saikiran76/dailyfix-core/internal/auth"
	"github.com/saikiran76/dailyfix-core/internal/retry"
)

func TestInitiateSendsAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/connect/whatsapp/initiate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"qr_ready","qrCode":"ABC123"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.NewStaticTokenSource("tok"), nil)
	resp, err := c.Initiate(context.Background(), "whatsapp")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusQRReady || resp.QRCode != "ABC123" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUnauthorizedRetriesWithRefresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status":"active","bridgeRoomId":"!room:bridge"}`))
	}))
	defer srv.Close()

	tokens := auth.TokenFunc(func(_ context.Context, forceRefresh bool) (string, error) {
		if forceRefresh {
			return "fresh", nil
		}
		return "stale", nil
	})

	c := NewClient(srv.URL, tokens, nil)
	resp, err := c.Status(context.Background(), "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (retry with refreshed token)", calls)
	}
	if resp.BridgeRoomID != "!room:bridge" {
		t.Errorf("BridgeRoomID = %q", resp.BridgeRoomID)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   retry.Category
	}{
		{429, retry.CategoryRateLimit},
		{403, retry.CategoryAuth},
		{422, retry.CategoryValidation},
		{404, retry.CategoryValidation},
		{504, retry.CategoryTimeout},
		{500, retry.CategoryInternal},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		c := NewClient(srv.URL, auth.NewStaticTokenSource("t"), nil)
		_, err := c.Initiate(context.Background(), "whatsapp")
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		var be *Error
		if !errors.As(err, &be) {
			t.Fatalf("status %d: error type %T", tt.status, err)
		}
		if be.Category != tt.want {
			t.Errorf("status %d: category = %s, want %s", tt.status, be.Category, tt.want)
		}
		if be.Message != "nope" {
			t.Errorf("status %d: message = %q", tt.status, be.Message)
		}
	}
}

func TestNetworkErrorClassifiedAsNetwork(t *testing.T) {
	// Nothing listens here.
	c := NewClient("http://127.0.0.1:1", auth.NewStaticTokenSource("t"), nil)
	_, err := c.Status(context.Background(), "whatsapp")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := Classify(err); got != retry.CategoryNetwork {
		t.Errorf("Classify = %s, want NETWORK", got)
	}
}

func TestMessagesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("before"); got != "evt-9" {
			t.Errorf("before = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "100" {
			t.Errorf("limit = %q", got)
		}
		_, _ = w.Write([]byte(`{"events":[{"eventId":"evt-8","conversationId":"room1","senderId":"u1","kind":"text","body":"hi","timestamp":1700000000000}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.NewStaticTokenSource("t"), nil)
	events, err := c.Messages(context.Background(), "room1", "evt-9", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventID != "evt-8" {
		t.Errorf("events = %+v", events)
	}
	if events[0].Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %d", events[0].Timestamp.UnixMilli())
	}
}
