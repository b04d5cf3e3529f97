package sync

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
	"github.com/saikiran76/dailyfix-core/internal/metrics"
	"github.com/saikiran76/dailyfix-core/internal/retry"
	"github.com/saikiran76/dailyfix-core/internal/store"
)

// ErrRejected is returned by a Runner whose result the bridge rejected.
var ErrRejected = errors.New("sync: result rejected")

// patternThreshold is the failure count inside the pattern window that
// constitutes a systemic problem worth surfacing.
const patternThreshold = 5

// checkpointLastSync is the checkpoint key recording the last successful sync.
const checkpointLastSync = "last_sync"

// Runner executes one sync operation end to end, streaming progress
// through report. Run must honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, report func(Update)) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, report func(Update)) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, report func(Update)) error {
	return f(ctx, report)
}

// ContactsAPI is the slice of the bridge client used to refresh the
// contact cache after a successful sync.
type ContactsAPI interface {
	Contacts(ctx context.Context) ([]bridge.Contact, error)
}

// timings collects every cadence and ceiling the orchestrator enforces.
// Tests shorten them; production uses defaults.
type timings struct {
	flushInterval   time.Duration
	stallAfter      time.Duration
	monitorInterval time.Duration
	maxSyncing      time.Duration
	maxError        time.Duration
	patternInterval time.Duration
	patternWindow   time.Duration
	freqWindow      time.Duration
}

func defaultTimings() timings {
	return timings{
		flushInterval:   100 * time.Millisecond,
		stallAfter:      10 * time.Second,
		monitorInterval: 30 * time.Second,
		maxSyncing:      5 * time.Minute,
		maxError:        30 * time.Minute,
		patternInterval: time.Minute,
		patternWindow:   15 * time.Minute,
		freqWindow:      5 * time.Minute,
	}
}

// Orchestrator drives the sync state machine: it owns the legal-transition
// table, the progress pipeline, stall and duration watchdogs, retry
// scheduling, and the rolling failure history.
type Orchestrator struct {
	mu          sync.Mutex
	state       State
	opID        string
	trigger     string
	attempt     int
	enteredAt   time.Time
	lastError   *SyncError
	tracker     progressTracker
	stallWarned bool
	history     errorHistory
	runCancel   context.CancelFunc

	runner  Runner
	api     ContactsAPI
	db      *store.DB
	bus     *bus.Bus
	sched   *retry.Scheduler
	metrics *metrics.Metrics
	logger  *zap.Logger
	timings timings

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates a sync orchestrator. api, db and metrics may be nil.
func NewOrchestrator(runner Runner, api ContactsAPI, db *store.DB, b *bus.Bus, sched *retry.Scheduler, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		state:   StateIdle,
		runner:  runner,
		api:     api,
		db:      db,
		bus:     b,
		sched:   sched,
		metrics: m,
		logger:  logger.Named("sync"),
		timings: defaultTimings(),
	}
}

// Start launches the flush, duration-monitor, and pattern-scan loops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.ctx, o.cancel = context.WithCancel(ctx)
	ctx = o.ctx
	o.mu.Unlock()
	go o.loop(ctx)
}

// Stop cancels all background work, including an in-flight runner.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.runCancel != nil {
		o.runCancel()
		o.runCancel = nil
	}
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns a snapshot of the current operation.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		State:       o.state,
		OperationID: o.opID,
		Trigger:     o.trigger,
		Attempt:     o.attempt,
		Progress:    o.tracker.current,
		Details:     o.tracker.details,
		Velocity:    o.tracker.velocity,
		StartedAt:   o.enteredAt,
		LastError:   o.lastError,
	}
}

// StartSync begins a new sync operation. A no-op while one is already
// running; from APPROVED, REJECTED, or ERROR it starts a fresh operation
// with a fresh attempt budget.
func (o *Orchestrator) StartSync(trigger string) Snapshot {
	o.mu.Lock()
	if o.state == StateSyncing {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap
	}
	o.sched.Cancel(o.schedKeyLocked())
	o.opID = uuid.NewString()
	o.trigger = trigger
	if !o.transitionLocked(StateSyncing) {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap
	}
	o.attempt = 1
	o.lastError = nil
	o.stallWarned = false
	o.tracker.reset(time.Now())

	ctx := o.beginRunLocked()
	opID := o.opID
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Info("sync started", zap.String("operation", opID), zap.String("trigger", trigger))
	go o.run(ctx, opID)
	return snap
}

// CancelSync force-resets the state machine to IDLE, aborting any runner
// and discarding pending retries. An explicit reset that intentionally
// bypasses the transition table.
func (o *Orchestrator) CancelSync() {
	o.mu.Lock()
	if o.runCancel != nil {
		o.runCancel()
		o.runCancel = nil
	}
	o.sched.Cancel(o.schedKeyLocked())
	from := o.state
	opID := o.opID
	o.state = StateIdle
	o.enteredAt = time.Now()
	o.lastError = nil
	o.stallWarned = false
	o.tracker.reset(o.enteredAt)
	o.mu.Unlock()

	if from != StateIdle {
		o.publish(bus.KindSyncStateChanged, StateChange{From: from, To: StateIdle, OperationID: opID})
		o.logger.Info("sync canceled", zap.String("operation", opID), zap.String("from", string(from)))
	}
}

// Report applies one progress update from the active runner or an
// external source. Invalid values are counted and dropped.
func (o *Orchestrator) Report(u Update) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateSyncing {
		return
	}
	if !o.tracker.enqueue(u, time.Now()) {
		o.metrics.IncRejectedProgress()
		o.logger.Debug("progress update rejected", zap.Float64("progress", u.Progress))
	}
}

// ReportProgress applies an externally sourced progress report. It is the
// realtime router's entry point into the progress pipeline.
func (o *Orchestrator) ReportProgress(progress float64, details string) {
	o.Report(Update{Progress: progress, Details: details})
}

// ApplyRemoteState folds a bridge-sourced sync status into the state
// machine.
func (o *Orchestrator) ApplyRemoteState(state, message string) {
	switch state {
	case "syncing":
		o.StartSync("remote")
	case "approved":
		o.finish(StateApproved)
	case "rejected":
		o.finish(StateRejected)
	case "error":
		o.mu.Lock()
		opID := o.opID
		o.mu.Unlock()
		o.fail(opID, retry.CategoryInternal, message)
	}
}

// MarkDisconnected annotates an in-flight sync with a transport error
// without changing its state. The runner keeps going; a later success or
// failure overwrites the annotation.
func (o *Orchestrator) MarkDisconnected(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateSyncing {
		return
	}
	o.lastError = &SyncError{Category: retry.CategoryNetwork, Message: message}
}

func (o *Orchestrator) run(ctx context.Context, opID string) {
	err := o.runner.Run(ctx, func(u Update) {
		o.mu.Lock()
		if o.state == StateSyncing && o.opID == opID {
			if !o.tracker.enqueue(u, time.Now()) {
				o.metrics.IncRejectedProgress()
			}
		}
		o.mu.Unlock()
	})
	if ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
		o.complete(opID)
	case errors.Is(err, ErrRejected):
		o.rejectOp(opID)
	default:
		o.fail(opID, bridge.Classify(err), err.Error())
	}
}

func (o *Orchestrator) complete(opID string) {
	o.mu.Lock()
	if o.state != StateSyncing || o.opID != opID {
		o.mu.Unlock()
		return
	}
	o.tracker.enqueue(Update{Progress: 100}, time.Now())
	o.flushLocked(time.Now())
	o.transitionLocked(StateApproved)
	o.lastError = nil
	ctx := o.ctx
	o.mu.Unlock()

	o.logger.Info("sync completed", zap.String("operation", opID))
	if ctx == nil {
		ctx = context.Background()
	}
	o.refreshContacts(ctx)
	if o.db != nil {
		if err := o.db.SetCheckpoint(checkpointLastSync, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
			o.logger.Warn("persist sync checkpoint", zap.Error(err))
		}
	}
}

func (o *Orchestrator) rejectOp(opID string) {
	o.mu.Lock()
	if o.state != StateSyncing || o.opID != opID {
		o.mu.Unlock()
		return
	}
	o.transitionLocked(StateRejected)
	o.mu.Unlock()
	o.logger.Warn("sync rejected", zap.String("operation", opID))
}

// finish applies a remotely decided terminal outcome.
func (o *Orchestrator) finish(to State) {
	o.mu.Lock()
	if o.state == StateSyncing {
		if o.runCancel != nil {
			o.runCancel()
			o.runCancel = nil
		}
		o.transitionLocked(to)
	}
	o.mu.Unlock()
}

// fail records a runner failure, emits the frequency signal, and either
// schedules a retry or parks the machine in a terminal error requiring
// user action.
func (o *Orchestrator) fail(opID string, cat retry.Category, message string) {
	cat = retry.Normalize(cat)
	o.mu.Lock()
	if o.state != StateSyncing || o.opID != opID {
		o.mu.Unlock()
		return
	}
	freq := o.failLocked(cat, message)
	o.mu.Unlock()

	o.publish(bus.KindSyncErrorFrequency, freq)
	o.logger.Warn("sync failed",
		zap.String("operation", opID),
		zap.String("category", string(cat)),
		zap.String("message", message))
}

// failLocked transitions SYNCING to ERROR and arms the retry if the
// category's budget allows. Returns the frequency signal for the caller
// to publish.
func (o *Orchestrator) failLocked(cat retry.Category, message string) ErrorFrequency {
	now := time.Now()
	o.history.add(errorRecord{at: now, category: cat, message: message})
	freq := ErrorFrequency{
		Category:      cat,
		Count:         o.history.countCategorySince(now.Add(-o.timings.freqWindow), cat),
		WindowSeconds: int(o.timings.freqWindow.Seconds()),
	}

	if o.runCancel != nil {
		o.runCancel()
		o.runCancel = nil
	}
	o.transitionLocked(StateError)
	o.lastError = &SyncError{Category: cat, Message: message}

	opID := o.opID
	attempt := o.attempt
	delay, scheduled := o.sched.Schedule(o.schedKeyLocked(), cat, attempt, func() {
		o.resume(opID)
	})
	if scheduled {
		o.publish(bus.KindSyncRetryScheduled, RetryScheduled{
			OperationID: opID,
			Category:    cat,
			Attempt:     attempt,
			Delay:       delay,
		})
	} else {
		o.lastError.RequiresUserAction = true
	}
	return freq
}

// resume re-enters SYNCING for a scheduled retry of the same operation.
func (o *Orchestrator) resume(opID string) {
	o.mu.Lock()
	if o.state != StateError || o.opID != opID {
		o.mu.Unlock()
		return
	}
	if !o.transitionLocked(StateSyncing) {
		o.mu.Unlock()
		return
	}
	o.attempt++
	o.stallWarned = false
	o.tracker.reset(time.Now())
	ctx := o.beginRunLocked()
	attempt := o.attempt
	o.mu.Unlock()

	o.logger.Info("sync retrying", zap.String("operation", opID), zap.Int("attempt", attempt))
	go o.run(ctx, opID)
}

func (o *Orchestrator) beginRunLocked() context.Context {
	parent := o.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	o.runCancel = cancel
	return ctx
}

func (o *Orchestrator) schedKeyLocked() string {
	return "sync:" + o.opID
}

func (o *Orchestrator) loop(ctx context.Context) {
	flush := time.NewTicker(o.timings.flushInterval)
	defer flush.Stop()
	monitor := time.NewTicker(o.timings.monitorInterval)
	defer monitor.Stop()
	pattern := time.NewTicker(o.timings.patternInterval)
	defer pattern.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			o.flushProgress()
		case <-monitor.C:
			o.enforceDurations()
		case <-pattern.C:
			o.scanPattern()
		}
	}
}

func (o *Orchestrator) flushProgress() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateSyncing {
		return
	}
	now := time.Now()
	o.flushLocked(now)

	if !o.stallWarned && o.tracker.current < 100 && now.Sub(o.tracker.lastUpdate) > o.timings.stallAfter {
		o.stallWarned = true
		o.metrics.IncStallWarning()
		o.publish(bus.KindSyncStallWarning, StallWarning{
			OperationID:  o.opID,
			Progress:     o.tracker.current,
			SinceSeconds: now.Sub(o.tracker.lastUpdate).Seconds(),
		})
		o.logger.Warn("sync stalled",
			zap.String("operation", o.opID),
			zap.Float64("progress", o.tracker.current))
	}
}

func (o *Orchestrator) flushLocked(now time.Time) {
	value, details, ok := o.tracker.flush(now)
	if !ok {
		return
	}
	o.stallWarned = false
	o.publish(bus.KindSyncProgress, Progress{
		OperationID: o.opID,
		Progress:    value,
		Details:     details,
		Velocity:    o.tracker.velocity,
		ETASeconds:  o.tracker.eta(),
	})
}

// enforceDurations applies the operation duration ceilings: a sync
// running past its budget becomes an ERROR, and a stale ERROR is
// released back to IDLE.
func (o *Orchestrator) enforceDurations() {
	o.mu.Lock()
	now := time.Now()
	switch o.state {
	case StateSyncing:
		if now.Sub(o.enteredAt) > o.timings.maxSyncing {
			opID := o.opID
			freq := o.failLocked(retry.CategoryTimeout, "Operation timed out.")
			o.mu.Unlock()
			o.publish(bus.KindSyncErrorFrequency, freq)
			o.logger.Warn("sync exceeded duration ceiling", zap.String("operation", opID))
			return
		}
	case StateError:
		if now.Sub(o.enteredAt) > o.timings.maxError {
			o.sched.Cancel(o.schedKeyLocked())
			o.transitionLocked(StateIdle)
			o.lastError = nil
		}
	}
	o.mu.Unlock()
}

// scanPattern counts recent failures and surfaces a systemic-problem
// signal when they cluster.
func (o *Orchestrator) scanPattern() {
	o.mu.Lock()
	count := o.history.countSince(time.Now().Add(-o.timings.patternWindow))
	o.mu.Unlock()
	if count < patternThreshold {
		return
	}
	o.metrics.IncErrorPattern()
	o.publish(bus.KindSyncErrorPattern, ErrorPattern{
		Count:         count,
		WindowSeconds: int(o.timings.patternWindow.Seconds()),
	})
	o.logger.Warn("sync error pattern detected", zap.Int("count", count))
}

func (o *Orchestrator) refreshContacts(ctx context.Context) {
	if o.api == nil {
		return
	}
	fetched, err := o.api.Contacts(ctx)
	if err != nil {
		o.logger.Warn("refresh contacts", zap.Error(err))
		return
	}
	if o.db == nil {
		return
	}
	contacts := make([]store.Contact, 0, len(fetched))
	for _, c := range fetched {
		contacts = append(contacts, store.Contact{ID: c.ID, Name: c.Name, AvatarURL: c.AvatarURL})
	}
	if err := o.db.BulkUpsertContacts(contacts, time.Now()); err != nil {
		o.logger.Warn("persist contacts", zap.Error(err))
		return
	}
	o.logger.Info("contacts refreshed", zap.Int("count", len(contacts)))
}

// transitionLocked applies a transition if the table allows it and emits
// sync.state_changed. Illegal transitions are counted and dropped.
func (o *Orchestrator) transitionLocked(to State) bool {
	if !slices.Contains(validTransitions[o.state], to) {
		o.metrics.IncInvalidTransition("sync")
		o.logger.Warn("invalid sync transition",
			zap.String("from", string(o.state)),
			zap.String("to", string(to)))
		return false
	}
	from := o.state
	o.state = to
	o.enteredAt = time.Now()
	o.publish(bus.KindSyncStateChanged, StateChange{
		From:        from,
		To:          to,
		OperationID: o.opID,
		Trigger:     o.trigger,
	})
	return true
}

func (o *Orchestrator) publish(kind bus.Kind, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
