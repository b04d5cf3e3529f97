package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.mau.fi/util/jsontime"
	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
)

type setupCall struct {
	platform, state, qrCode, bridgeRoomID string
}

type fakeConnSink struct {
	mu          sync.Mutex
	setups      []setupCall
	disconnects []string
}

func (f *fakeConnSink) SetupStatus(platform, state, qrCode, bridgeRoomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups = append(f.setups, setupCall{platform, state, qrCode, bridgeRoomID})
}

func (f *fakeConnSink) MarkDisconnected(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, message)
}

type fakeSyncSink struct {
	mu          sync.Mutex
	progress    []float64
	states      []string
	disconnects []string
}

func (f *fakeSyncSink) ReportProgress(progress float64, details string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
}

func (f *fakeSyncSink) ApplyRemoteState(state, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeSyncSink) MarkDisconnected(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, message)
}

type fakeTimelineSink struct {
	mu     sync.Mutex
	events []bridge.MessageEnvelope
}

func (f *fakeTimelineSink) AppendLive(conversationID string, env bridge.MessageEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, env)
}

func testRouter(t *testing.T) (*Router, *fakeConnSink, *fakeSyncSink, *fakeTimelineSink, *bus.Bus) {
	t.Helper()
	conns := &fakeConnSink{}
	syncs := &fakeSyncSink{}
	tl := &fakeTimelineSink{}
	b := bus.New()
	r := NewRouter(conns, syncs, tl, b, nil, zap.NewNop())
	return r, conns, syncs, tl, b
}

func envelope(t *testing.T, typ EventType, payload any) *Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &Envelope{
		V:       envelopeVersion,
		Type:    typ,
		ID:      "evt-1",
		TS:      jsontime.UnixMilli{Time: time.Now()},
		Payload: raw,
	}
}

func TestRouteSetupStatus(t *testing.T) {
	r, conns, _, _, _ := testRouter(t)

	r.HandleEnvelope(envelope(t, TypeSetupStatus, SetupStatusPayload{
		Platform: "whatsapp",
		State:    "qr_ready",
		QRCode:   "ABC123",
	}))

	conns.mu.Lock()
	defer conns.mu.Unlock()
	if len(conns.setups) != 1 {
		t.Fatalf("setup calls = %d, want 1", len(conns.setups))
	}
	got := conns.setups[0]
	if got.platform != "whatsapp" || got.state != "qr_ready" || got.qrCode != "ABC123" {
		t.Errorf("setup call = %+v", got)
	}
}

func TestRouteConnStatus(t *testing.T) {
	r, conns, _, _, _ := testRouter(t)

	r.HandleEnvelope(envelope(t, TypeConnStatus, ConnStatusPayload{
		Platform:     "whatsapp",
		Status:       "active",
		BridgeRoomID: "room-1",
	}))

	conns.mu.Lock()
	defer conns.mu.Unlock()
	if len(conns.setups) != 1 {
		t.Fatalf("setup calls = %d, want 1", len(conns.setups))
	}
	if got := conns.setups[0]; got.state != "active" || got.bridgeRoomID != "room-1" {
		t.Errorf("conn status call = %+v", got)
	}
}

func TestRouteSyncEvents(t *testing.T) {
	r, _, syncs, _, _ := testRouter(t)

	r.HandleEnvelope(envelope(t, TypeSyncProgress, SyncProgressPayload{Progress: 42.5, Details: "messages"}))
	r.HandleEnvelope(envelope(t, TypeSyncStatus, SyncStatusPayload{State: "approved"}))

	syncs.mu.Lock()
	defer syncs.mu.Unlock()
	if len(syncs.progress) != 1 || syncs.progress[0] != 42.5 {
		t.Errorf("progress = %v, want [42.5]", syncs.progress)
	}
	if len(syncs.states) != 1 || syncs.states[0] != "approved" {
		t.Errorf("states = %v, want [approved]", syncs.states)
	}
}

func TestRouteTimelineEvent(t *testing.T) {
	r, _, _, tl, _ := testRouter(t)

	r.HandleEnvelope(envelope(t, TypeTimelineEvent, bridge.MessageEnvelope{
		EventID:        "e1",
		ConversationID: "room1",
		SenderID:       "alice",
		Kind:           "text",
		Body:           "hi",
		Timestamp:      jsontime.UnixMilli{Time: time.UnixMilli(1000)},
	}))

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.events) != 1 || tl.events[0].EventID != "e1" {
		t.Fatalf("timeline events = %+v, want one e1", tl.events)
	}
}

func TestMalformedEnvelopesDropped(t *testing.T) {
	r, conns, syncs, tl, _ := testRouter(t)

	bad := []*Envelope{
		{V: 2, Type: TypeSetupStatus, ID: "a", Payload: json.RawMessage(`{}`)},
		{V: 1, Type: "bogus.type", ID: "b", Payload: json.RawMessage(`{}`)},
		{V: 1, Type: TypeSetupStatus, ID: "", Payload: json.RawMessage(`{}`)},
		{V: 1, Type: TypeSetupStatus, ID: "c"},
		{V: 1, Type: TypeSyncProgress, ID: "d", Payload: json.RawMessage(`not json`)},
		// Timeline event without ids.
		envelope(t, TypeTimelineEvent, bridge.MessageEnvelope{Body: "orphan"}),
	}
	for _, env := range bad {
		r.HandleEnvelope(env)
	}

	conns.mu.Lock()
	syncs.mu.Lock()
	tl.mu.Lock()
	defer conns.mu.Unlock()
	defer syncs.mu.Unlock()
	defer tl.mu.Unlock()
	if len(conns.setups) != 0 || len(syncs.progress) != 0 || len(tl.events) != 0 {
		t.Error("malformed envelopes must not reach sinks")
	}
}

func TestHandleDisconnect(t *testing.T) {
	r, conns, syncs, _, b := testRouter(t)
	events, unsub := b.Subscribe("", 16)
	defer unsub()

	r.HandleDisconnect("read: connection reset")

	conns.mu.Lock()
	if len(conns.disconnects) != 1 {
		t.Fatalf("disconnect calls = %d, want 1", len(conns.disconnects))
	}
	conns.mu.Unlock()
	syncs.mu.Lock()
	if len(syncs.disconnects) != 1 || syncs.disconnects[0] != "read: connection reset" {
		t.Fatalf("sync disconnect calls = %v, want one with the reason", syncs.disconnects)
	}
	syncs.mu.Unlock()

	seen := map[bus.Kind]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case evt := <-events:
			seen[evt.Kind] = true
		case <-timeout:
			t.Fatalf("events seen = %v", seen)
		}
	}
	if !seen[bus.KindConnTransportLost] || !seen[bus.KindRealtimeDisconnected] {
		t.Errorf("events seen = %v", seen)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	valid := Envelope{V: 1, Type: TypeSyncStatus, ID: "x", Payload: json.RawMessage(`{}`)}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid envelope rejected: %v", err)
	}

	cases := map[string]Envelope{
		"wrong version": {V: 0, Type: TypeSyncStatus, ID: "x", Payload: json.RawMessage(`{}`)},
		"unknown type":  {V: 1, Type: "nope", ID: "x", Payload: json.RawMessage(`{}`)},
		"missing id":    {V: 1, Type: TypeSyncStatus, Payload: json.RawMessage(`{}`)},
		"empty payload": {V: 1, Type: TypeSyncStatus, ID: "x"},
	}
	for name, env := range cases {
		if err := env.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
