package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	"github.com/MarcoPoloResearchLab/seatsync/internal/locking"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLeaseTTL = 2 * time.Minute
	defaultInterval = 5 * time.Second
	passResource    = "pass"
)

var (
	errMissingStepper = errors.New("driver: stepper is required")
	errMissingCursors = errors.New("driver: cursor source is required")
)

// Stepper advances one cursor by at most one entry.
type Stepper interface {
	Advance(ctx context.Context, cursorID int64) (bool, error)
}

// CursorSource lists the cursors a pass visits.
type CursorSource interface {
	Global(ctx context.Context) (cursors.Cursor, error)
	ListDedicated(ctx context.Context) ([]cursors.Cursor, error)
	CountByState(ctx context.Context) (map[cursors.State]int64, error)
}

// StateRecorder receives cursor counts after each pass.
type StateRecorder interface {
	RecordCursorStates(counts map[cursors.State]int64)
}

// Config wires a Runner.
type Config struct {
	Stepper     Stepper
	Cursors     CursorSource
	Locker      locking.Locker
	Concurrency int
	LeaseTTL    time.Duration
	Recorder    StateRecorder
	Logger      *zap.Logger
}

// PassResult summarizes one pass over all cursors.
type PassResult struct {
	ID        string
	Attempted int
	Idle      int
	Stalled   int
	Busy      int
	Failed    int
	Drained   int
}

// Progressed reports whether the pass changed anything worth another pass.
// A drained dedicated cursor hands its realm back to the global cursor, which
// may have entries waiting for it.
func (p PassResult) Progressed() bool {
	return p.Attempted > 0 || p.Drained > 0
}

// Runner drives the global cursor and then every dedicated cursor.
type Runner struct {
	stepper     Stepper
	cursors     CursorSource
	locker      locking.Locker
	concurrency int
	leaseTTL    time.Duration
	recorder    StateRecorder
	logger      *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Stepper == nil {
		return nil, errMissingStepper
	}
	if cfg.Cursors == nil {
		return nil, errMissingCursors
	}
	locker := cfg.Locker
	if locker == nil {
		locker = locking.NewLocalLocker()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		stepper:     cfg.Stepper,
		cursors:     cfg.Cursors,
		locker:      locker,
		concurrency: concurrency,
		leaseTTL:    leaseTTL,
		recorder:    cfg.Recorder,
		logger:      logger,
	}, nil
}

// Pass advances the global cursor once, then each dedicated cursor once.
// Dedicated steps start only after the global step returns, and the whole pass
// holds the pass lease, so a dedicated cursor's drain never races a global step
// past the same realm, in this process or another one sharing the locker.
// When another runner holds the pass lease the pass is skipped and reported busy.
// Step failures are logged and joined; they do not stop the pass.
func (r *Runner) Pass(ctx context.Context) (PassResult, error) {
	result := PassResult{ID: uuid.NewString()}
	logger := r.logger.With(zap.String("pass_id", result.ID))

	passLease, err := r.locker.Acquire(ctx, passResource, r.leaseTTL)
	if errors.Is(err, locking.ErrLeaseHeld) {
		logger.Debug("pass skipped; another runner holds the pass lease")
		result.Busy++
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("driver: acquire pass lease: %w", err)
	}
	defer func() {
		if releaseErr := passLease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			logger.Warn("pass lease release failed", zap.Error(releaseErr))
		}
	}()

	global, err := r.cursors.Global(ctx)
	if err != nil {
		return result, fmt.Errorf("driver: load global cursor: %w", err)
	}
	var failures []error
	var idleDedicated []int64
	var mu sync.Mutex
	record := func(cursor cursors.Cursor, outcome stepOutcome, stepErr error) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case outcomeAttempted:
			result.Attempted++
		case outcomeIdle:
			result.Idle++
			if stepErr == nil && !cursor.IsGlobal() {
				idleDedicated = append(idleDedicated, cursor.ID)
			}
		case outcomeBusy:
			result.Busy++
		}
		if stepErr != nil {
			result.Failed++
			failures = append(failures, fmt.Errorf("cursor %d: %w", cursor.ID, stepErr))
			logger.Error("advance step failed",
				zap.Int64("cursor_id", cursor.ID),
				zap.String("cursor_kind", cursor.Kind()),
				zap.Error(stepErr))
		}
	}

	outcome, stepErr := r.step(ctx, global)
	record(global, outcome, stepErr)

	dedicated, err := r.cursors.ListDedicated(ctx)
	if err != nil {
		failures = append(failures, fmt.Errorf("driver: list dedicated cursors: %w", err))
		return result, errors.Join(failures...)
	}

	var group errgroup.Group
	group.SetLimit(r.concurrency)
	for _, cursor := range dedicated {
		if cursor.State == cursors.StateStalled {
			mu.Lock()
			result.Stalled++
			mu.Unlock()
			continue
		}
		group.Go(func() error {
			outcome, stepErr := r.step(ctx, cursor)
			record(cursor, outcome, stepErr)
			return nil
		})
	}
	_ = group.Wait()

	if len(idleDedicated) > 0 {
		drained, err := r.countDrained(ctx, idleDedicated)
		if err != nil {
			failures = append(failures, err)
		}
		result.Drained = drained
	}

	r.recordStates(ctx, logger)
	logger.Debug("pass complete",
		zap.Int("attempted", result.Attempted),
		zap.Int("idle", result.Idle),
		zap.Int("stalled", result.Stalled),
		zap.Int("busy", result.Busy),
		zap.Int("failed", result.Failed),
		zap.Int("drained", result.Drained))
	return result, errors.Join(failures...)
}

// countDrained reports how many of the idle dedicated cursors no longer exist.
func (r *Runner) countDrained(ctx context.Context, idle []int64) (int, error) {
	remaining, err := r.cursors.ListDedicated(ctx)
	if err != nil {
		return 0, fmt.Errorf("driver: list dedicated cursors after pass: %w", err)
	}
	present := make(map[int64]struct{}, len(remaining))
	for _, cursor := range remaining {
		present[cursor.ID] = struct{}{}
	}
	drained := 0
	for _, id := range idle {
		if _, ok := present[id]; !ok {
			drained++
		}
	}
	return drained, nil
}

type stepOutcome int

const (
	outcomeIdle stepOutcome = iota
	outcomeAttempted
	outcomeBusy
)

func (r *Runner) step(ctx context.Context, cursor cursors.Cursor) (stepOutcome, error) {
	lease, err := r.locker.Acquire(ctx, leaseResource(cursor.ID), r.leaseTTL)
	if errors.Is(err, locking.ErrLeaseHeld) {
		return outcomeBusy, nil
	}
	if err != nil {
		return outcomeIdle, err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.logger.Warn("lease release failed", zap.Int64("cursor_id", cursor.ID), zap.Error(releaseErr))
		}
	}()

	attempted, err := r.stepper.Advance(ctx, cursor.ID)
	if attempted {
		return outcomeAttempted, err
	}
	return outcomeIdle, err
}

func (r *Runner) recordStates(ctx context.Context, logger *zap.Logger) {
	if r.recorder == nil {
		return
	}
	counts, err := r.cursors.CountByState(ctx)
	if err != nil {
		logger.Warn("cursor state count failed", zap.Error(err))
		return
	}
	r.recorder.RecordCursorStates(counts)
}

// RunUntilIdle repeats passes until one makes no progress or fails. It returns
// the number of entries attempted.
func (r *Runner) RunUntilIdle(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		result, err := r.Pass(ctx)
		total += result.Attempted
		if err != nil {
			return total, err
		}
		if !result.Progressed() {
			return total, nil
		}
	}
}

// Run repeats passes until ctx is done. A productive pass is followed
// immediately by another; idle or failed passes wait for interval.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}
	r.logger.Info("driver started",
		zap.Duration("interval", interval),
		zap.Int("concurrency", r.concurrency))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("driver stopped")
			return nil
		case <-timer.C:
		}
		result, err := r.Pass(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("pass failed", zap.String("pass_id", result.ID), zap.Error(err))
		}
		wait := interval
		if err == nil && result.Progressed() {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func leaseResource(cursorID int64) string {
	return fmt.Sprintf("cursor:%d", cursorID)
}
