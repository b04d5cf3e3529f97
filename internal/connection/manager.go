package connection

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
	"github.com/saikiran76/dailyfix-core/internal/config"
	"github.com/saikiran76/dailyfix-core/internal/metrics"
	"github.com/saikiran76/dailyfix-core/internal/retry"
	"github.com/saikiran76/dailyfix-core/internal/store"
)

// ErrNotAwaitingToken is returned when credentials are submitted for a
// session that is not in AWAITING_TOKEN.
var ErrNotAwaitingToken = errors.New("connection: session is not awaiting a token")

// API is the slice of the bridge client the connection manager uses.
type API interface {
	Initiate(ctx context.Context, platform string) (*bridge.InitiateResponse, error)
	Finalize(ctx context.Context, platform string, credentials map[string]string) (*bridge.FinalizeResponse, error)
	Status(ctx context.Context, platform string) (*bridge.StatusResponse, error)
}

type session struct {
	Session

	qrTimer    *time.Timer
	pollCancel context.CancelFunc
	opID       string
}

// Manager drives the pairing state machine for every platform. All session
// mutation funnels through it; callers only ever see Session snapshots.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	api     API
	db      *store.DB
	bus     *bus.Bus
	sched   *retry.Scheduler
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     config.ConnectionConfig

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a connection manager. db and metrics may be nil.
func NewManager(api API, db *store.DB, b *bus.Bus, sched *retry.Scheduler, m *metrics.Metrics, cfg config.ConnectionConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*session),
		api:      api,
		db:       db,
		bus:      b,
		sched:    sched,
		metrics:  m,
		logger:   logger.Named("connection"),
		cfg:      cfg,
	}
}

// Start binds the manager to a lifecycle context. Background work
// (initiation retries, pollers, QR expiry) derives from it.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Stop cancels all background work and pending retries.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, s := range m.sessions {
		m.releaseLocked(s)
	}
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Get returns a snapshot of the platform's session, or nil.
func (m *Manager) Get(platform string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[platform]
	if !ok {
		return nil
	}
	snap := s.Session
	return &snap
}

// Sessions returns snapshots of all known sessions.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Session)
	}
	return out
}

// Connect starts (or resumes) pairing for a platform. Calling it while a
// flow is already in progress is a no-op returning the current snapshot;
// calling it from ERROR or QR_EXPIRED starts a fresh flow.
func (m *Manager) Connect(platform string) Session {
	m.mu.Lock()

	s, ok := m.sessions[platform]
	if ok && (s.Status.NonTerminal() || s.Status == StateConnected) {
		snap := s.Session
		m.mu.Unlock()
		return snap
	}
	if !ok {
		s = &session{Session: Session{Platform: platform, Status: StateIdle}}
		m.sessions[platform] = s
	} else {
		// Restarting from ERROR or QR_EXPIRED: walk back to IDLE first.
		m.releaseLocked(s)
		if s.Status != StateIdle {
			m.transitionLocked(s, StateIdle)
		}
	}

	s.Session = Session{Platform: platform, Status: s.Status}
	s.opID = "connect:" + platform
	m.transitionLocked(s, StateInitializing)

	snap := s.Session
	m.mu.Unlock()

	go m.initiate(platform, 1)
	return snap
}

// Regenerate reissues pairing after the QR artifact expired.
func (m *Manager) Regenerate(platform string) Session {
	m.mu.Lock()
	if s, ok := m.sessions[platform]; ok && s.Status == StateQRExpired {
		m.transitionLocked(s, StateIdle)
	}
	m.mu.Unlock()
	return m.Connect(platform)
}

// Cancel tears the session down to IDLE, releasing its poller, QR expiry
// timer, and any pending initiation retry. This is an explicit reset and
// intentionally bypasses the transition table.
func (m *Manager) Cancel(platform string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[platform]
	if !ok {
		return
	}
	m.releaseLocked(s)
	from := s.Status
	s.Session = Session{Platform: platform, Status: StateIdle}
	if from != StateIdle {
		m.publish(bus.KindConnStatusChanged, StatusChange{Platform: platform, From: from, To: StateIdle})
	}
}

// ConfirmConnected finalizes pairing. The first confirmation wins; every
// later one for an already-connected session is ignored. Returns whether
// this call performed the transition.
func (m *Manager) ConfirmConnected(platform, bridgeRoomID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[platform]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if s.Status == StateConnected {
		m.metrics.IncDuplicateConfirmation()
		m.logger.Debug("duplicate connection confirmation ignored", zap.String("platform", platform))
		m.mu.Unlock()
		return false
	}
	if !m.transitionLocked(s, StateConnected) {
		m.mu.Unlock()
		return false
	}

	m.releaseLocked(s)
	if bridgeRoomID != "" {
		s.BridgeRoomID = bridgeRoomID
	}
	s.Err = nil
	s.PairingCode = ""
	s.PairingArtifact = nil
	s.ExpiresAt = time.Time{}
	roomID := s.BridgeRoomID
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.SaveCredentials(&store.Credentials{Platform: platform, BridgeRoomID: roomID}); err != nil {
			m.logger.Warn("persist credentials", zap.String("platform", platform), zap.Error(err))
		}
	}
	m.publish(bus.KindConnConnected, StatusChange{Platform: platform, To: StateConnected})
	m.logger.Info("platform connected", zap.String("platform", platform), zap.String("bridge_room", roomID))
	return true
}

// FinalizeToken submits user-provided credentials for a token-based flow.
func (m *Manager) FinalizeToken(ctx context.Context, platform string, credentials map[string]string) error {
	m.mu.Lock()
	s, ok := m.sessions[platform]
	if !ok || s.Status != StateAwaitingToken {
		m.mu.Unlock()
		return ErrNotAwaitingToken
	}
	m.mu.Unlock()

	resp, err := m.api.Finalize(ctx, platform, credentials)
	if err != nil {
		m.fail(platform, bridge.Classify(err), err.Error())
		return err
	}
	switch resp.Status {
	case bridge.StatusConnected, bridge.StatusActive:
		m.ConfirmConnected(platform, "")
	default:
		m.fail(platform, retry.CategoryValidation, resp.Message)
	}
	return nil
}

// MarkDisconnected annotates every in-progress session with a transport
// error without changing its state. Pairing survives transient realtime
// drops; only the error annotation is surfaced.
func (m *Manager) MarkDisconnected(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if !s.Status.NonTerminal() {
			continue
		}
		s.Err = &SessionError{Category: retry.CategoryNetwork, Message: message}
	}
}

// SetupStatus applies a realtime setup event to the session state machine.
func (m *Manager) SetupStatus(platform, state, qrCode, bridgeRoomID string) {
	switch state {
	case bridge.StatusQRReady:
		m.setQRReady(platform, qrCode)
	case bridge.StatusConnected, bridge.StatusActive:
		m.ConfirmConnected(platform, bridgeRoomID)
	case bridge.StatusError:
		m.fail(platform, retry.CategoryInternal, "bridge reported setup failure")
	}
}

// initiate performs one pairing initiation attempt. Retryable failures
// are rescheduled through the retry scheduler until the category's
// budget is exhausted; then the session lands in ERROR and waits for
// the user.
func (m *Manager) initiate(platform string, attempt int) {
	m.mu.Lock()
	s, ok := m.sessions[platform]
	if !ok || s.Status != StateInitializing {
		m.mu.Unlock()
		return
	}
	opID := s.opID
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := m.api.Initiate(ctx, platform)
	if err != nil {
		cat := bridge.Classify(err)
		delay, scheduled := m.sched.Schedule(opID, cat, attempt, func() {
			m.initiate(platform, attempt+1)
		})
		if scheduled {
			m.mu.Lock()
			if s, ok := m.sessions[platform]; ok {
				s.RetryCount = attempt
			}
			m.mu.Unlock()
			m.logger.Warn("initiation failed, retrying",
				zap.String("platform", platform),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			return
		}
		m.fail(platform, cat, err.Error())
		return
	}

	switch resp.Status {
	case bridge.StatusQRReady:
		m.setQRReady(platform, resp.QRCode)
	case bridge.StatusConnected, bridge.StatusActive:
		m.ConfirmConnected(platform, "")
	case bridge.StatusPending:
		if resp.RequiresToken {
			m.mu.Lock()
			if s, ok := m.sessions[platform]; ok {
				m.transitionLocked(s, StateAwaitingToken)
			}
			m.mu.Unlock()
			return
		}
		m.mu.Lock()
		if s, ok := m.sessions[platform]; ok {
			m.startPollerLocked(s)
		}
		m.mu.Unlock()
	default:
		m.fail(platform, retry.CategoryInternal, "unexpected initiation status: "+resp.Status)
	}
}

func (m *Manager) setQRReady(platform, code string) {
	m.mu.Lock()
	s, ok := m.sessions[platform]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.Status != StateQRReady && !m.transitionLocked(s, StateQRReady) {
		m.mu.Unlock()
		return
	}

	s.PairingCode = code
	if png, err := RenderArtifact(code); err != nil {
		m.logger.Warn("render pairing artifact", zap.String("platform", platform), zap.Error(err))
		s.PairingArtifact = nil
	} else {
		s.PairingArtifact = png
	}
	s.ExpiresAt = time.Now().Add(m.cfg.QRTTL())
	if s.qrTimer != nil {
		s.qrTimer.Stop()
	}
	s.qrTimer = time.AfterFunc(m.cfg.QRTTL(), func() {
		m.expireQR(platform)
	})
	m.startPollerLocked(s)
	snap := s.Session
	m.mu.Unlock()

	m.publish(bus.KindConnQRGenerated, snap)
}

func (m *Manager) expireQR(platform string) {
	m.mu.Lock()
	s, ok := m.sessions[platform]
	if !ok || s.Status != StateQRReady {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(s, StateQRExpired)
	m.releaseLocked(s)
	s.PairingCode = ""
	s.PairingArtifact = nil
	m.mu.Unlock()

	m.publish(bus.KindConnQRExpired, StatusChange{Platform: platform, To: StateQRExpired})
	m.logger.Info("pairing artifact expired", zap.String("platform", platform))
}

func (m *Manager) fail(platform string, cat retry.Category, message string) {
	cat = retry.Normalize(cat)
	m.mu.Lock()
	s, ok := m.sessions[platform]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.Status == StateConnected || s.Status == StateError {
		m.mu.Unlock()
		return
	}
	if !m.transitionLocked(s, StateError) {
		m.mu.Unlock()
		return
	}
	m.releaseLocked(s)
	s.Err = &SessionError{
		Category:           cat,
		Message:            message,
		RequiresUserAction: true,
	}
	snap := s.Session
	m.mu.Unlock()

	m.publish(bus.KindConnFailed, snap)
	m.logger.Warn("pairing failed",
		zap.String("platform", platform),
		zap.String("category", string(cat)),
		zap.String("message", message))
}

// transitionLocked applies a transition if the table allows it and emits
// conn.status_changed. Illegal transitions are counted and dropped.
func (m *Manager) transitionLocked(s *session, to State) bool {
	if !slices.Contains(validTransitions[s.Status], to) {
		m.metrics.IncInvalidTransition("connection")
		m.logger.Warn("invalid connection transition",
			zap.String("platform", s.Platform),
			zap.String("from", string(s.Status)),
			zap.String("to", string(to)))
		return false
	}
	from := s.Status
	s.Status = to
	m.publish(bus.KindConnStatusChanged, StatusChange{Platform: s.Platform, From: from, To: to})
	return true
}

// releaseLocked stops the session's poller, QR expiry timer, and any
// pending initiation retry.
func (m *Manager) releaseLocked(s *session) {
	if s.qrTimer != nil {
		s.qrTimer.Stop()
		s.qrTimer = nil
	}
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	if s.opID != "" {
		m.sched.Cancel(s.opID)
	}
}

func (m *Manager) publish(kind bus.Kind, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
