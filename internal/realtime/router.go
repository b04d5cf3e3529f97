package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
	"github.com/saikiran76/dailyfix-core/internal/metrics"
)

var errMissingIDs = errors.New("timeline event missing event or conversation id")

// ConnectionSink receives connection-related realtime events. Implemented
// by the connection manager.
type ConnectionSink interface {
	SetupStatus(platform, state, qrCode, bridgeRoomID string)
	MarkDisconnected(message string)
}

// SyncSink receives sync-related realtime events. Implemented by the sync
// orchestrator.
type SyncSink interface {
	ReportProgress(progress float64, details string)
	ApplyRemoteState(state, message string)
	MarkDisconnected(message string)
}

// TimelineSink receives live message envelopes. Implemented by the
// timeline manager.
type TimelineSink interface {
	AppendLive(conversationID string, env bridge.MessageEnvelope)
}

// Router validates realtime envelopes and dispatches them to the engine
// components. Malformed envelopes are counted and dropped; routing never
// fails the transport.
type Router struct {
	conns    ConnectionSink
	sync     SyncSink
	timeline TimelineSink
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRouter creates a realtime event router. Any sink may be nil; events
// for a nil sink are dropped silently.
func NewRouter(conns ConnectionSink, sync SyncSink, timeline TimelineSink, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		conns:    conns,
		sync:     sync,
		timeline: timeline,
		bus:      b,
		metrics:  m,
		logger:   logger.Named("realtime"),
	}
}

// HandleEnvelope routes one envelope to its sink.
func (r *Router) HandleEnvelope(env *Envelope) {
	if err := env.Validate(); err != nil {
		r.drop(env, err)
		return
	}

	switch env.Type {
	case TypeSetupStatus:
		var p SetupStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.drop(env, err)
			return
		}
		if r.conns != nil {
			r.conns.SetupStatus(p.Platform, p.State, p.QRCode, p.BridgeRoomID)
		}
	case TypeConnStatus:
		var p ConnStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.drop(env, err)
			return
		}
		if r.conns != nil {
			r.conns.SetupStatus(p.Platform, p.Status, "", p.BridgeRoomID)
		}
	case TypeSyncProgress:
		var p SyncProgressPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.drop(env, err)
			return
		}
		if r.sync != nil {
			r.sync.ReportProgress(p.Progress, p.Details)
		}
	case TypeSyncStatus:
		var p SyncStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.drop(env, err)
			return
		}
		if r.sync != nil {
			r.sync.ApplyRemoteState(p.State, p.Message)
		}
	case TypeTimelineEvent:
		var p TimelineEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.drop(env, err)
			return
		}
		if p.EventID == "" || p.ConversationID == "" {
			r.drop(env, errMissingIDs)
			return
		}
		if r.timeline != nil {
			r.timeline.AppendLive(p.ConversationID, p)
		}
	}
}

// HandleConnect announces transport availability. There is no replay of
// missed events; components reconcile through their own fetch paths.
func (r *Router) HandleConnect() {
	r.publish(bus.KindRealtimeConnected, nil)
	r.logger.Info("realtime transport connected")
}

// HandleDisconnect annotates in-progress connection sessions and any
// in-flight sync, then surfaces the loss, leaving all state machines
// where they were.
func (r *Router) HandleDisconnect(message string) {
	if r.conns != nil {
		r.conns.MarkDisconnected(message)
	}
	if r.sync != nil {
		r.sync.MarkDisconnected(message)
	}
	r.publish(bus.KindConnTransportLost, message)
	r.publish(bus.KindRealtimeDisconnected, message)
	r.logger.Warn("realtime transport lost", zap.String("reason", message))
}

func (r *Router) drop(env *Envelope, err error) {
	r.metrics.IncMalformedEnvelope()
	r.logger.Warn("dropping malformed envelope",
		zap.String("id", env.ID),
		zap.String("type", string(env.Type)),
		zap.Error(err))
}

func (r *Router) publish(kind bus.Kind, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
