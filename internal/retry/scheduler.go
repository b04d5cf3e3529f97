package retry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Context is the ephemeral record of one scheduled retry.
// It lives from scheduling until the retry fires or the owning
// operation is canceled.
type Context struct {
	OperationID string
	Category    Category
	Attempt     int
	ScheduledAt time.Time
}

type pending struct {
	ctx   Context
	timer *time.Timer
}

// Scheduler owns retry timers so they can be canceled deterministically.
// All components schedule retries through a Scheduler instead of ad hoc
// time.AfterFunc calls scattered per call site.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*pending
	logger  *zap.Logger
	stopped bool
}

// NewScheduler creates a retry scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		pending: make(map[string]*pending),
		logger:  logger,
	}
}

// Schedule arms a retry for the given operation if the category is retryable
// and the attempt is within budget. fn runs on the scheduler's timer
// goroutine after the backoff delay. Returns the delay and whether a retry
// was scheduled. Scheduling replaces any prior pending retry for the same
// operation id.
func (s *Scheduler) Schedule(operationID string, c Category, attempt int, fn func()) (time.Duration, bool) {
	p := PolicyFor(c)
	if !p.Retryable || attempt > p.MaxRetries {
		return 0, false
	}

	delay := Delay(c, attempt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, false
	}
	if prev, ok := s.pending[operationID]; ok {
		prev.timer.Stop()
	}

	rctx := Context{
		OperationID: operationID,
		Category:    c,
		Attempt:     attempt,
		ScheduledAt: time.Now(),
	}
	s.pending[operationID] = &pending{
		ctx: rctx,
		timer: time.AfterFunc(delay, func() {
			s.mu.Lock()
			delete(s.pending, operationID)
			s.mu.Unlock()
			fn()
		}),
	}

	s.logger.Info("retry scheduled",
		zap.String("operation", operationID),
		zap.String("category", string(c)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	return delay, true
}

// Cancel discards a pending retry for the operation, if any.
func (s *Scheduler) Cancel(operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[operationID]; ok {
		p.timer.Stop()
		delete(s.pending, operationID)
	}
}

// Pending reports whether a retry is armed for the operation.
func (s *Scheduler) Pending(operationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[operationID]
	return ok
}

// StopAll cancels every pending retry and rejects further scheduling.
// Used on component teardown to avoid timer leaks.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.stopped = true
}
