package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
	"github.com/saikiran76/dailyfix-core/internal/store"
	"go.uber.org/zap"
)

// Fetcher retrieves message history from the bridge.
type Fetcher interface {
	Messages(ctx context.Context, conversationID, beforeID string, limit int) ([]bridge.MessageEnvelope, error)
	Event(ctx context.Context, conversationID, eventID string) (*bridge.MessageEnvelope, error)
}

// Config tunes pagination behavior.
type Config struct {
	// InitialLimit is the page size of the first load.
	InitialLimit int
	// PageSize is the expected batch size of backward pagination; a shorter
	// batch means history is exhausted.
	PageSize int
	// HighWater is the count at or above which an initial load assumes more
	// history exists.
	HighWater int
}

// DefaultConfig matches the bridge service's serving limits.
func DefaultConfig() Config {
	return Config{InitialLimit: 500, PageSize: 100, HighWater: 200}
}

// Manager maintains an ordered, deduplicated message timeline per
// conversation: initial load, backward pagination, live append, and
// reply-parent resolution. Merges are applied in the order operations
// complete; id-based dedup makes overlapping deliveries safe regardless of
// completion order.
type Manager struct {
	mu       sync.Mutex
	fetcher  Fetcher
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      Config
	convs    map[string]*conversation
	replies  map[string]replyResult
	inflight map[string]chan struct{}
}

type conversation struct {
	entries []*Entry
	index   map[string]*Entry
	cursor  string
	hasMore bool
	nextSeq int64
}

// NewManager creates a timeline manager. db and b may be nil; persistence
// and notifications are then skipped.
func NewManager(fetcher Fetcher, db *store.DB, b *bus.Bus, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InitialLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		fetcher:  fetcher,
		db:       db,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		convs:    make(map[string]*conversation),
		replies:  make(map[string]replyResult),
		inflight: make(map[string]chan struct{}),
	}
}

// LoadInitial fetches the most recent messages of a conversation and
// replaces nothing: envelopes merge into whatever live events already
// arrived. Returns the merged snapshot.
func (m *Manager) LoadInitial(ctx context.Context, conversationID string) ([]Entry, error) {
	envs, err := m.fetcher.Messages(ctx, conversationID, "", m.cfg.InitialLimit)
	if err != nil {
		return nil, fmt.Errorf("load initial: %w", err)
	}

	m.mu.Lock()
	conv := m.conversationLocked(conversationID)
	m.mergeLocked(conv, envs)
	conv.hasMore = len(envs) >= m.cfg.HighWater
	if oldest := oldestOf(conv, envs); oldest != "" {
		conv.cursor = oldest
	}
	snapshot := snapshotLocked(conv)
	cursor := conv.cursor
	hasMore := conv.hasMore
	m.mu.Unlock()

	m.persist(conversationID, envs, cursor, hasMore)
	m.notify(conversationID)
	return snapshot, nil
}

// LoadMore pages backward from the stored cursor, merging with
// deduplication by id. Returns the number of entries added. Once a fetch
// comes back empty or short, hasMore turns false and further calls are
// no-ops.
func (m *Manager) LoadMore(ctx context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	conv, ok := m.convs[conversationID]
	if !ok || conv.cursor == "" {
		m.mu.Unlock()
		return 0, fmt.Errorf("load more: conversation %q has no cursor", conversationID)
	}
	if !conv.hasMore {
		m.mu.Unlock()
		return 0, nil
	}
	cursor := conv.cursor
	m.mu.Unlock()

	envs, err := m.fetcher.Messages(ctx, conversationID, cursor, m.cfg.PageSize)
	if err != nil {
		return 0, fmt.Errorf("load more: %w", err)
	}

	m.mu.Lock()
	conv = m.conversationLocked(conversationID)
	before := len(conv.entries)
	m.mergeLocked(conv, envs)
	added := len(conv.entries) - before
	if len(envs) == 0 || len(envs) < m.cfg.PageSize {
		conv.hasMore = false
	}
	if oldest := oldestOf(conv, envs); oldest != "" {
		conv.cursor = oldest
	}
	cursor = conv.cursor
	hasMore := conv.hasMore
	m.mu.Unlock()

	m.persist(conversationID, envs, cursor, hasMore)
	if added > 0 {
		m.notify(conversationID)
	}
	return added, nil
}

// AppendLive merges a realtime event into the conversation. An entry with
// the same id is replaced in place (optimistic-echo reconciliation and
// duplicate delivery both land here); otherwise the entry is inserted and
// the timeline re-sorted by timestamp.
func (m *Manager) AppendLive(conversationID string, env bridge.MessageEnvelope) {
	if env.EventID == "" {
		m.logger.Warn("dropping live event without id", zap.String("conversation", conversationID))
		return
	}
	if env.ConversationID == "" {
		env.ConversationID = conversationID
	}

	m.mu.Lock()
	conv := m.conversationLocked(conversationID)
	m.mergeLocked(conv, []bridge.MessageEnvelope{env})
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.UpsertMessage(envToStore(env)); err != nil {
			m.logger.Error("persist live event", zap.Error(err), zap.String("event_id", env.EventID))
		}
	}
	m.notify(conversationID)
}

// AppendEcho inserts a locally-created entry shown before server
// confirmation. The entry carries the client message id until ReconcileEcho
// renames it.
func (m *Manager) AppendEcho(conversationID, clientMsgID, senderID, body string, ts int64) {
	m.mu.Lock()
	conv := m.conversationLocked(conversationID)
	if _, exists := conv.index[clientMsgID]; !exists {
		e := &Entry{
			ID:             clientMsgID,
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        Content{Kind: ContentText, Text: body},
			Timestamp:      ts,
			IsLocalEcho:    true,
			seq:            conv.nextSeq,
		}
		conv.nextSeq++
		conv.entries = append(conv.entries, e)
		conv.index[clientMsgID] = e
		sortLocked(conv)
	}
	m.mu.Unlock()

	if m.db != nil {
		_ = m.db.UpsertMessage(&store.Message{
			ConversationID: conversationID,
			EventID:        clientMsgID,
			SenderID:       senderID,
			Kind:           string(ContentText),
			Body:           body,
			LocalEcho:      true,
			Timestamp:      ts,
		})
	}
	m.notify(conversationID)
}

// ReconcileEcho renames a local echo to its server-assigned id once the send
// is acknowledged. If the server event already arrived via realtime, the
// echo is dropped instead of duplicating it.
func (m *Manager) ReconcileEcho(conversationID, clientMsgID, serverEventID string) {
	m.mu.Lock()
	conv := m.conversationLocked(conversationID)
	if e, ok := conv.index[clientMsgID]; ok {
		if _, dup := conv.index[serverEventID]; dup {
			delete(conv.index, clientMsgID)
			conv.entries = removeEntry(conv.entries, e)
		} else {
			delete(conv.index, clientMsgID)
			e.ID = serverEventID
			e.IsLocalEcho = false
			conv.index[serverEventID] = e
		}
	}
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.ReplaceMessageID(conversationID, clientMsgID, serverEventID); err != nil {
			m.logger.Error("reconcile echo", zap.Error(err), zap.String("client_msg_id", clientMsgID))
		}
	}
	m.notify(conversationID)
}

// MarkEchoFailed flags a local echo whose send failed terminally.
func (m *Manager) MarkEchoFailed(conversationID, clientMsgID string) {
	m.mu.Lock()
	conv := m.conversationLocked(conversationID)
	if e, ok := conv.index[clientMsgID]; ok && e.IsLocalEcho {
		e.Content.Text = e.Content.Text + " (failed to send)"
	}
	m.mu.Unlock()
	m.notify(conversationID)
}

// Snapshot returns a copy of the conversation's ordered timeline.
func (m *Manager) Snapshot(conversationID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	return snapshotLocked(conv)
}

// HasMore reports whether older history remains for the conversation.
func (m *Manager) HasMore(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[conversationID]
	return ok && conv.hasMore
}

// Evict drops a conversation's in-memory timeline, its reply-index entries,
// and its durable projection.
func (m *Manager) Evict(conversationID string) {
	m.mu.Lock()
	delete(m.convs, conversationID)
	prefix := conversationID + "/"
	for k := range m.replies {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(m.replies, k)
		}
	}
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.DeleteConversation(conversationID); err != nil {
			m.logger.Error("evict conversation", zap.Error(err), zap.String("conversation", conversationID))
		}
	}
}

func (m *Manager) conversationLocked(conversationID string) *conversation {
	conv, ok := m.convs[conversationID]
	if !ok {
		conv = &conversation{index: make(map[string]*Entry)}
		m.convs[conversationID] = conv
	}
	return conv
}

// mergeLocked applies envelopes with id-based dedup: existing ids are
// updated in place, new ids appended, then the timeline is re-sorted.
func (m *Manager) mergeLocked(conv *conversation, envs []bridge.MessageEnvelope) {
	changed := false
	for _, env := range envs {
		if env.EventID == "" {
			continue
		}
		norm := Normalize(env)
		if existing, ok := conv.index[env.EventID]; ok {
			existing.SenderID = norm.SenderID
			existing.Content = norm.Content
			existing.Timestamp = norm.Timestamp
			existing.ReplyToID = norm.ReplyToID
			existing.IsLocalEcho = false
			changed = true
			continue
		}
		e := norm
		e.seq = conv.nextSeq
		conv.nextSeq++
		conv.entries = append(conv.entries, &e)
		conv.index[e.ID] = &e
		changed = true
	}
	if changed {
		sortLocked(conv)
	}
}

func sortLocked(conv *conversation) {
	sort.SliceStable(conv.entries, func(i, j int) bool {
		a, b := conv.entries[i], conv.entries[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.seq < b.seq
	})
}

func snapshotLocked(conv *conversation) []Entry {
	out := make([]Entry, len(conv.entries))
	for i, e := range conv.entries {
		out[i] = *e
	}
	return out
}

// oldestOf returns the id of the oldest envelope in the batch, resolved
// against the merged conversation so replaced ids stay consistent.
func oldestOf(conv *conversation, envs []bridge.MessageEnvelope) string {
	oldestID := ""
	var oldestTs int64
	for _, env := range envs {
		if env.EventID == "" {
			continue
		}
		e, ok := conv.index[env.EventID]
		if !ok {
			continue
		}
		if oldestID == "" || e.Timestamp < oldestTs {
			oldestID = e.ID
			oldestTs = e.Timestamp
		}
	}
	return oldestID
}

func removeEntry(entries []*Entry, target *Entry) []*Entry {
	for i, e := range entries {
		if e == target {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

func (m *Manager) persist(conversationID string, envs []bridge.MessageEnvelope, cursor string, hasMore bool) {
	if m.db == nil {
		return
	}
	msgs := make([]*store.Message, 0, len(envs))
	for _, env := range envs {
		if env.EventID == "" {
			continue
		}
		msgs = append(msgs, envToStore(env))
	}
	if len(msgs) > 0 {
		if err := m.db.BulkUpsertMessages(msgs); err != nil {
			m.logger.Error("persist history batch", zap.Error(err), zap.Int("count", len(msgs)))
		}
	}
	if cursor != "" {
		if err := m.db.SaveCursor(&store.Cursor{ConversationID: conversationID, OldestEventID: cursor, HasMore: hasMore}); err != nil {
			m.logger.Error("persist cursor", zap.Error(err), zap.String("conversation", conversationID))
		}
	}
}

func envToStore(env bridge.MessageEnvelope) *store.Message {
	return &store.Message{
		ConversationID: env.ConversationID,
		EventID:        env.EventID,
		SenderID:       env.SenderID,
		Kind:           env.Kind,
		Body:           env.Body,
		ReplyToID:      env.ReplyToID,
		Timestamp:      env.Timestamp.UnixMilli(),
	}
}

func (m *Manager) notify(conversationID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindTimelineUpdated,
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
}
