package sync

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
	"github.com/saikiran76/dailyfix-core/internal/retry"
)

type blockingRunner struct {
	mu      sync.Mutex
	runs    int
	started chan struct{}
	release chan error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 8),
		release: make(chan error),
	}
}

func (r *blockingRunner) Run(ctx context.Context, report func(Update)) error {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	r.started <- struct{}{}
	select {
	case err := <-r.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *blockingRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// failRunner fails immediately with the configured error, or succeeds when
// the error is nil.
type failRunner struct {
	mu   sync.Mutex
	err  error
	runs int
}

func (r *failRunner) Run(ctx context.Context, report func(Update)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	return r.err
}

func (r *failRunner) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *failRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func testOrchestrator(t *testing.T, r Runner) (*Orchestrator, *bus.Bus) {
	t.Helper()
	return testOrchestratorWith(t, r, nil)
}

func testOrchestratorWith(t *testing.T, r Runner, tune func(*timings)) (*Orchestrator, *bus.Bus) {
	t.Helper()
	b := bus.New()
	sched := retry.NewScheduler(zap.NewNop())
	o := NewOrchestrator(r, nil, nil, b, sched, nil, zap.NewNop())
	o.timings = timings{
		flushInterval:   10 * time.Millisecond,
		stallAfter:      80 * time.Millisecond,
		monitorInterval: 10 * time.Millisecond,
		maxSyncing:      time.Hour,
		maxError:        time.Hour,
		patternInterval: 20 * time.Millisecond,
		patternWindow:   15 * time.Minute,
		freqWindow:      5 * time.Minute,
	}
	if tune != nil {
		tune(&o.timings)
	}
	o.Start(context.Background())
	t.Cleanup(func() {
		o.Stop()
		sched.StopAll()
	})
	return o, b
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

func nextEvent(t *testing.T, ch <-chan bus.Event, d time.Duration) bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(d):
		t.Fatalf("no event within %v", d)
		return bus.Event{}
	}
}

func noEvent(t *testing.T, ch <-chan bus.Event, d time.Duration) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s: %+v", e.Kind, e.Payload)
	case <-time.After(d):
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		legal    bool
	}{
		{StateIdle, StateSyncing, true},
		{StateIdle, StateApproved, false},
		{StateIdle, StateError, false},
		{StateSyncing, StateApproved, true},
		{StateSyncing, StateRejected, true},
		{StateSyncing, StateError, true},
		{StateSyncing, StateIdle, false},
		{StateApproved, StateSyncing, true},
		{StateApproved, StateIdle, true},
		{StateApproved, StateRejected, false},
		{StateRejected, StateSyncing, true},
		{StateRejected, StateIdle, true},
		{StateError, StateSyncing, true},
		{StateError, StateIdle, true},
		{StateError, StateApproved, false},
	}
	for _, c := range cases {
		if got := slices.Contains(validTransitions[c.from], c.to); got != c.legal {
			t.Errorf("%s -> %s: legal = %v, want %v", c.from, c.to, got, c.legal)
		}
	}
}

func TestStartSyncNoOpWhileSyncing(t *testing.T) {
	r := newBlockingRunner()
	o, _ := testOrchestrator(t, r)

	first := o.StartSync("manual")
	<-r.started
	second := o.StartSync("manual")

	if second.OperationID != first.OperationID {
		t.Errorf("second StartSync replaced the operation: %s != %s", second.OperationID, first.OperationID)
	}
	time.Sleep(30 * time.Millisecond)
	if r.runCount() != 1 {
		t.Errorf("runner runs = %d, want 1", r.runCount())
	}

	r.release <- nil
	waitFor(t, time.Second, func() bool { return o.Status().State == StateApproved })
}

func TestRunnerSuccessApproved(t *testing.T) {
	r := newBlockingRunner()
	o, _ := testOrchestrator(t, r)

	o.StartSync("manual")
	<-r.started
	r.release <- nil

	waitFor(t, time.Second, func() bool { return o.Status().State == StateApproved })
	if got := o.Status().Progress; got != 100 {
		t.Errorf("progress after completion = %v, want 100", got)
	}
}

func TestRunnerRejected(t *testing.T) {
	r := newBlockingRunner()
	o, _ := testOrchestrator(t, r)

	o.StartSync("manual")
	<-r.started
	r.release <- ErrRejected

	waitFor(t, time.Second, func() bool { return o.Status().State == StateRejected })
}

func TestCancelSyncResets(t *testing.T) {
	r := newBlockingRunner()
	o, _ := testOrchestrator(t, r)

	o.StartSync("manual")
	<-r.started
	o.CancelSync()

	s := o.Status()
	if s.State != StateIdle {
		t.Fatalf("state = %s, want IDLE", s.State)
	}
	if s.LastError != nil || s.Progress != 0 {
		t.Error("cancel must clear error and progress")
	}
}

func TestMarkDisconnectedAnnotatesSync(t *testing.T) {
	r := newBlockingRunner()
	o, _ := testOrchestrator(t, r)

	o.StartSync("manual")
	<-r.started
	o.MarkDisconnected("read: connection reset")

	s := o.Status()
	if s.State != StateSyncing {
		t.Fatalf("state = %s, want SYNCING after transport loss", s.State)
	}
	if s.LastError == nil || s.LastError.Category != retry.CategoryNetwork {
		t.Fatalf("last error = %+v, want NETWORK annotation", s.LastError)
	}
	if s.LastError.Message != "read: connection reset" {
		t.Errorf("message = %q, want the transport reason", s.LastError.Message)
	}

	// The annotation does not survive the operation's own outcome.
	r.release <- nil
	waitFor(t, time.Second, func() bool { return o.Status().State == StateApproved })
	if s := o.Status(); s.LastError != nil {
		t.Errorf("last error after approval = %+v, want nil", s.LastError)
	}

	// Outside SYNCING the annotation is a no-op.
	o.MarkDisconnected("late")
	if s := o.Status(); s.LastError != nil {
		t.Error("disconnect must not annotate a finished sync")
	}
}

func TestProgressAveragingAndThreshold(t *testing.T) {
	r := newBlockingRunner()
	o, b := testOrchestrator(t, r)
	events, unsub := b.Subscribe(string(bus.KindSyncProgress), 16)
	defer unsub()

	o.StartSync("manual")
	<-r.started

	// Three reports inside one flush window collapse to their average.
	o.Report(Update{Progress: 10})
	o.Report(Update{Progress: 20})
	o.Report(Update{Progress: 30})
	evt := nextEvent(t, events, time.Second)
	if p := evt.Payload.(Progress); p.Progress != 20 {
		t.Errorf("averaged progress = %v, want 20", p.Progress)
	}

	// Movement below the threshold is suppressed.
	o.Report(Update{Progress: 22})
	noEvent(t, events, 60*time.Millisecond)

	// The suppressed value does not move the baseline either.
	if got := o.Status().Progress; got != 20 {
		t.Errorf("progress after suppressed update = %v, want 20", got)
	}

	o.Report(Update{Progress: 27})
	evt = nextEvent(t, events, time.Second)
	if p := evt.Payload.(Progress); p.Progress != 27 {
		t.Errorf("progress = %v, want 27", p.Progress)
	}

	// Completion always publishes, threshold or not.
	o.Report(Update{Progress: 100})
	evt = nextEvent(t, events, time.Second)
	if p := evt.Payload.(Progress); p.Progress != 100 {
		t.Errorf("progress = %v, want 100", p.Progress)
	}
}

func TestProgressFirstFlushBelowThreshold(t *testing.T) {
	r := newBlockingRunner()
	o, b := testOrchestrator(t, r)
	events, unsub := b.Subscribe(string(bus.KindSyncProgress), 16)
	defer unsub()

	o.StartSync("manual")
	<-r.started

	// Progress starts at zero; a first report under the threshold is
	// suppressed like any other sub-threshold movement.
	o.Report(Update{Progress: 2})
	noEvent(t, events, 60*time.Millisecond)
	if got := o.Status().Progress; got != 0 {
		t.Errorf("progress = %v, want 0 after suppressed first report", got)
	}

	o.Report(Update{Progress: 7})
	evt := nextEvent(t, events, time.Second)
	if p := evt.Payload.(Progress); p.Progress != 7 {
		t.Errorf("first published progress = %v, want 7", p.Progress)
	}
}

func TestProgressMonotonicUnlessAllowed(t *testing.T) {
	r := newBlockingRunner()
	o, b := testOrchestrator(t, r)
	events, unsub := b.Subscribe(string(bus.KindSyncProgress), 16)
	defer unsub()

	o.StartSync("manual")
	<-r.started

	o.Report(Update{Progress: 50})
	nextEvent(t, events, time.Second)

	o.Report(Update{Progress: 40})
	noEvent(t, events, 60*time.Millisecond)
	if got := o.Status().Progress; got != 50 {
		t.Errorf("progress regressed to %v without permission", got)
	}

	o.Report(Update{Progress: 40, AllowRegression: true})
	evt := nextEvent(t, events, time.Second)
	if p := evt.Payload.(Progress); p.Progress != 40 {
		t.Errorf("allowed regression published %v, want 40", p.Progress)
	}
}

func TestProgressRejectsInvalidValues(t *testing.T) {
	r := newBlockingRunner()
	o, b := testOrchestrator(t, r)
	events, unsub := b.Subscribe(string(bus.KindSyncProgress), 16)
	defer unsub()

	o.StartSync("manual")
	<-r.started

	o.Report(Update{Progress: math.NaN()})
	o.Report(Update{Progress: math.Inf(1)})
	o.Report(Update{Progress: -1})
	o.Report(Update{Progress: 101})
	noEvent(t, events, 60*time.Millisecond)
	if got := o.Status().Progress; got != 0 {
		t.Errorf("progress = %v after invalid updates, want 0", got)
	}
}

func TestStallWarning(t *testing.T) {
	r := newBlockingRunner()
	o, b := testOrchestrator(t, r)
	stalls, unsub := b.Subscribe(string(bus.KindSyncStallWarning), 16)
	defer unsub()

	o.StartSync("manual")
	<-r.started
	o.Report(Update{Progress: 10})

	evt := nextEvent(t, stalls, time.Second)
	w := evt.Payload.(StallWarning)
	if w.Progress != 10 {
		t.Errorf("stall progress = %v, want 10", w.Progress)
	}
	if o.Status().State != StateSyncing {
		t.Error("stall warning must not change state")
	}

	// One warning per stall episode.
	noEvent(t, stalls, 150*time.Millisecond)
}

func TestSyncDurationCeiling(t *testing.T) {
	r := newBlockingRunner()
	o, _ := testOrchestratorWith(t, r, func(tm *timings) { tm.maxSyncing = 50 * time.Millisecond })

	o.StartSync("manual")
	<-r.started

	waitFor(t, time.Second, func() bool { return o.Status().State == StateError })
	s := o.Status()
	if s.LastError == nil || s.LastError.Message != "Operation timed out." {
		t.Errorf("last error = %+v, want timeout message", s.LastError)
	}
	if s.LastError.Category != retry.CategoryTimeout {
		t.Errorf("category = %s, want TIMEOUT", s.LastError.Category)
	}
}

func TestErrorDurationReleasesToIdle(t *testing.T) {
	r := &failRunner{err: &bridge.Error{Category: retry.CategoryValidation, Message: "bad payload"}}
	o, _ := testOrchestratorWith(t, r, func(tm *timings) { tm.maxError = 50 * time.Millisecond })

	o.StartSync("manual")
	waitFor(t, time.Second, func() bool { return o.Status().State == StateError })
	s := o.Status()
	if s.LastError == nil || !s.LastError.RequiresUserAction {
		t.Errorf("VALIDATION failure must be terminal with user action, got %+v", s.LastError)
	}

	waitFor(t, time.Second, func() bool { return o.Status().State == StateIdle })
	if o.Status().LastError != nil {
		t.Error("release to IDLE must clear the error")
	}
}

func TestInternalErrorsExhaustRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out real retry backoff")
	}
	r := &failRunner{err: errors.New("boom")}
	o, _ := testOrchestrator(t, r)

	o.StartSync("manual")
	// INTERNAL allows 2 retries: three consecutive failures park the
	// machine in a terminal error.
	waitFor(t, 10*time.Second, func() bool {
		s := o.Status()
		return s.State == StateError && s.LastError != nil && s.LastError.RequiresUserAction
	})
	if got := r.runCount(); got != 3 {
		t.Errorf("runner runs = %d, want 3", got)
	}
	if got := o.Status().Attempt; got != 3 {
		t.Errorf("attempt = %d, want 3", got)
	}
}

func TestErrorFrequencySignal(t *testing.T) {
	r := &failRunner{err: &bridge.Error{Category: retry.CategoryValidation, Message: "bad"}}
	o, b := testOrchestrator(t, r)
	events, unsub := b.Subscribe(string(bus.KindSyncErrorFrequency), 16)
	defer unsub()

	o.StartSync("manual")
	evt := nextEvent(t, events, time.Second)
	f := evt.Payload.(ErrorFrequency)
	if f.Category != retry.CategoryValidation || f.Count != 1 {
		t.Errorf("frequency = %+v, want VALIDATION count 1", f)
	}
}

func TestErrorPatternScan(t *testing.T) {
	r := newBlockingRunner()
	o, b := testOrchestrator(t, r)
	events, unsub := b.Subscribe(string(bus.KindSyncErrorPattern), 16)
	defer unsub()

	now := time.Now()
	o.mu.Lock()
	for i := 0; i < patternThreshold; i++ {
		o.history.add(errorRecord{at: now, category: retry.CategoryNetwork, message: "drop"})
	}
	o.mu.Unlock()

	evt := nextEvent(t, events, time.Second)
	p := evt.Payload.(ErrorPattern)
	if p.Count < patternThreshold {
		t.Errorf("pattern count = %d, want >= %d", p.Count, patternThreshold)
	}
}

func TestErrorHistoryCap(t *testing.T) {
	var h errorHistory
	for i := 0; i < historyCap+10; i++ {
		h.add(errorRecord{at: time.Now(), category: retry.CategoryNetwork})
	}
	if len(h.records) != historyCap {
		t.Errorf("history length = %d, want %d", len(h.records), historyCap)
	}
}

func TestFreshStartResetsAttempts(t *testing.T) {
	r := &failRunner{err: &bridge.Error{Category: retry.CategoryAuth, Message: "expired"}}
	o, _ := testOrchestrator(t, r)

	o.StartSync("manual")
	waitFor(t, time.Second, func() bool { return o.Status().State == StateError })

	r.setErr(nil)
	o.StartSync("manual")
	waitFor(t, time.Second, func() bool { return o.Status().State == StateApproved })
	s := o.Status()
	if s.Attempt != 1 {
		t.Errorf("attempt = %d, want 1 on fresh start", s.Attempt)
	}
	if s.LastError != nil {
		t.Error("fresh start must clear the previous error")
	}
}
