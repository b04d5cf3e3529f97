package connection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
)

// startPollerLocked launches the fallback status poller for a session if
// one is not already running. The poller is a safety net under the
// realtime stream: it observes bridge status until the session connects,
// the session is released, or the polling budget runs out.
func (m *Manager) startPollerLocked(s *session) {
	if s.pollCancel != nil {
		return
	}
	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.pollCancel = cancel
	go m.poll(ctx, s.Platform)
}

// poll ticks at the configured interval until the budget cap elapses.
// Exhausting the budget stops polling silently and leaves session state
// untouched; the realtime stream or a manual refresh takes over from there.
func (m *Manager) poll(ctx context.Context, platform string) {
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()
	budget := time.NewTimer(m.cfg.PollCap())
	defer budget.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-budget.C:
			m.logger.Info("status polling budget exhausted", zap.String("platform", platform))
			m.clearPoller(platform)
			return
		case <-ticker.C:
			resp, err := m.api.Status(ctx, platform)
			if err != nil {
				m.logger.Debug("status poll failed", zap.String("platform", platform), zap.Error(err))
				continue
			}
			switch resp.Status {
			case bridge.StatusActive, bridge.StatusConnected:
				m.ConfirmConnected(platform, resp.BridgeRoomID)
				return
			}
		}
	}
}

func (m *Manager) clearPoller(platform string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[platform]; ok && s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
}
