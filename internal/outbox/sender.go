package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
	"github.com/saikiran76/dailyfix-core/internal/retry"
	"github.com/saikiran76/dailyfix-core/internal/store"
)

// drainInterval is how often the sender looks for drainable entries.
const drainInterval = 500 * time.Millisecond

// MessageSender is the slice of the bridge client used for sends.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, clientMsgID, body string) (serverEventID string, err error)
}

// Timeline is the echo surface of the timeline manager: optimistic insert
// on queue, replacement on ack, failure marking on terminal errors.
type Timeline interface {
	AppendEcho(conversationID, clientMsgID, senderID, body string, ts int64)
	ReconcileEcho(conversationID, clientMsgID, serverEventID string)
	MarkEchoFailed(conversationID, clientMsgID string)
}

// SendAck is the payload of message.send_ack events.
type SendAck struct {
	ConversationID string
	ClientMsgID    string
	ServerEventID  string
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	ConversationID string
	ClientMsgID    string
	Error          string
}

// Sender drains the durable outbox and delivers messages through the
// bridge. Retryable failures are requeued with category backoff recorded
// as next_attempt_at; terminal failures mark the echo failed.
type Sender struct {
	db       *store.DB
	sender   MessageSender
	timeline Timeline
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	interval time.Duration
	cancel   context.CancelFunc
}

// NewSender creates an outbox sender. selfID is the sender id stamped on
// optimistic echoes.
func NewSender(db *store.DB, sender MessageSender, timeline Timeline, b *bus.Bus, selfID string, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		sender:   sender,
		timeline: timeline,
		bus:      b,
		logger:   logger.Named("outbox"),
		selfID:   selfID,
		interval: drainInterval,
	}
}

// Queue persists an outgoing message and inserts its optimistic echo into
// the timeline. Returns the generated client message id.
func (s *Sender) Queue(conversationID, body string) (string, error) {
	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, conversationID, body); err != nil {
		return "", err
	}
	if s.timeline != nil {
		s.timeline.AppendEcho(conversationID, clientMsgID, s.selfID, body, time.Now().UnixMilli())
	}
	return clientMsgID, nil
}

// Start begins draining the outbox.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the drain loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		serverEventID, err := s.sender.SendMessage(ctx, entry.ConversationID, entry.ClientMsgID, entry.Body)
		if err != nil {
			s.handleFailure(entry, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverEventID); err != nil {
			s.logger.Error("mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		if s.timeline != nil {
			s.timeline.ReconcileEcho(entry.ConversationID, entry.ClientMsgID, serverEventID)
		}
		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("event_id", serverEventID))
		s.publish(bus.KindMessageSendAck, SendAck{
			ConversationID: entry.ConversationID,
			ClientMsgID:    entry.ClientMsgID,
			ServerEventID:  serverEventID,
		})
	}
}

// handleFailure requeues a retryable send with backoff or marks it
// terminally failed. The attempt about to be recorded is Attempts+1.
func (s *Sender) handleFailure(entry store.OutboxEntry, sendErr error) {
	cat := bridge.Classify(sendErr)
	policy := retry.PolicyFor(cat)
	attempt := entry.Attempts + 1

	if policy.Retryable && attempt <= policy.MaxRetries {
		delay := retry.Delay(cat, attempt)
		if err := s.db.MarkOutboxRetry(entry.ClientMsgID, sendErr.Error(), time.Now().Add(delay)); err != nil {
			s.logger.Error("mark retry", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.logger.Warn("send failed, will retry",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("category", string(cat)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		return
	}

	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, sendErr.Error()); err != nil {
		s.logger.Error("mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if s.timeline != nil {
		s.timeline.MarkEchoFailed(entry.ConversationID, entry.ClientMsgID)
	}
	s.logger.Warn("send failed terminally",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("category", string(cat)),
		zap.Error(sendErr))
	s.publish(bus.KindMessageSendFailed, SendFailure{
		ConversationID: entry.ConversationID,
		ClientMsgID:    entry.ClientMsgID,
		Error:          sendErr.Error(),
	})
}

func (s *Sender) publish(kind bus.Kind, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
