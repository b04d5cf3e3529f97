package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
	"github.com/saikiran76/dailyfix-core/internal/retry"
	"github.com/saikiran76/dailyfix-core/internal/store"
)

type fakeSender struct {
	mu      sync.Mutex
	err     error
	eventID string
	calls   int
}

func (f *fakeSender) SendMessage(ctx context.Context, conversationID, clientMsgID, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.eventID, nil
}

type fakeTimeline struct {
	mu         sync.Mutex
	echoes     []string
	reconciled map[string]string
	failed     []string
}

func newFakeTimeline() *fakeTimeline {
	return &fakeTimeline{reconciled: make(map[string]string)}
}

func (f *fakeTimeline) AppendEcho(conversationID, clientMsgID, senderID, body string, ts int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echoes = append(f.echoes, clientMsgID)
}

func (f *fakeTimeline) ReconcileEcho(conversationID, clientMsgID, serverEventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled[clientMsgID] = serverEventID
}

func (f *fakeTimeline) MarkEchoFailed(conversationID, clientMsgID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, clientMsgID)
}

func testSender(t *testing.T, api *fakeSender) (*Sender, *fakeTimeline, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tl := newFakeTimeline()
	b := bus.New()
	s := NewSender(db, api, tl, b, "me", zap.NewNop())
	s.interval = 20 * time.Millisecond
	return s, tl, db, b
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func outboxStatus(t *testing.T, db *store.DB, clientMsgID string) (status string, attempts int) {
	t.Helper()
	err := db.QueryRow(`SELECT status, attempts FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("read outbox row: %v", err)
	}
	return status, attempts
}

func TestQueueInsertsEcho(t *testing.T) {
	s, tl, db, _ := testSender(t, &fakeSender{eventID: "srv-1"})

	id, err := s.Queue("room1", "hello")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if id == "" {
		t.Fatal("empty client message id")
	}

	if status, _ := outboxStatus(t, db, id); status != "queued" {
		t.Errorf("status = %q, want queued", status)
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.echoes) != 1 || tl.echoes[0] != id {
		t.Errorf("echoes = %v, want [%s]", tl.echoes, id)
	}
}

func TestDrainSendsAndReconciles(t *testing.T) {
	api := &fakeSender{eventID: "srv-1"}
	s, tl, db, b := testSender(t, api)
	acks, unsub := b.Subscribe(string(bus.KindMessageSendAck), 8)
	defer unsub()

	id, err := s.Queue("room1", "hello")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-acks:
		ack := evt.Payload.(SendAck)
		if ack.ClientMsgID != id || ack.ServerEventID != "srv-1" {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no send_ack event")
	}

	if status, _ := outboxStatus(t, db, id); status != "sent" {
		t.Errorf("status = %q, want sent", status)
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.reconciled[id] != "srv-1" {
		t.Errorf("reconciled = %v, want %s -> srv-1", tl.reconciled, id)
	}
}

func TestRetryableFailureRequeues(t *testing.T) {
	api := &fakeSender{err: &bridge.Error{Category: retry.CategoryNetwork, Message: "dial refused"}}
	s, tl, db, b := testSender(t, api)
	failures, unsub := b.Subscribe(string(bus.KindMessageSendFailed), 8)
	defer unsub()

	id, err := s.Queue("room1", "hello")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		status, attempts := outboxStatus(t, db, id)
		return status == "queued" && attempts == 1
	})

	select {
	case <-failures:
		t.Fatal("retryable failure must not publish send_failed")
	case <-time.After(100 * time.Millisecond):
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.failed) != 0 {
		t.Error("retryable failure must not mark the echo failed")
	}
}

func TestTerminalFailureMarksEcho(t *testing.T) {
	api := &fakeSender{err: &bridge.Error{Category: retry.CategoryValidation, StatusCode: 422, Message: "body too long"}}
	s, tl, db, b := testSender(t, api)
	failures, unsub := b.Subscribe(string(bus.KindMessageSendFailed), 8)
	defer unsub()

	id, err := s.Queue("room1", "hello")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-failures:
		f := evt.Payload.(SendFailure)
		if f.ClientMsgID != id {
			t.Errorf("failure = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no send_failed event")
	}

	if status, _ := outboxStatus(t, db, id); status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.failed) != 1 || tl.failed[0] != id {
		t.Errorf("failed echoes = %v, want [%s]", tl.failed, id)
	}
}
