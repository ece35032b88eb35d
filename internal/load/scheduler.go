package load

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/loadgen/internal/config"
	lhttp "github.com/wesleyorama2/loadgen/internal/http"
	"github.com/wesleyorama2/loadgen/internal/metrics"
)

var (
	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrTargetUnreachable is returned alongside the Summary when no request
	// succeeded within the startup grace period, or during the whole run.
	ErrTargetUnreachable = errors.New("target unreachable")
)

// drainSlack is added to the request timeout when waiting for VUs to exit.
const drainSlack = 5 * time.Second

// State is the scheduler lifecycle state.
type State int32

const (
	// StateIdle means Run has not been called.
	StateIdle State = iota
	// StateRunning means virtual users are issuing requests.
	StateRunning
	// StateDraining means the run was cancelled and VUs are finishing their
	// in-flight requests.
	StateDraining
	// StateStopped means the run is over and metrics are final.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats contains live scheduler statistics.
type Stats struct {
	State         State         `json:"state"`
	StartTime     time.Time     `json:"startTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`
	ActiveVUs     int           `json:"activeVUs"`
	TargetVUs     int           `json:"targetVUs"`
	Iterations    int64         `json:"iterations"`
	Respawns      int64         `json:"respawns"`
	Progress      float64       `json:"progress"`
	GraceExpired  bool          `json:"graceExpired"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExecutor replaces the HTTP executor built from the config.
func WithExecutor(executor Executor) Option {
	return func(s *Scheduler) {
		s.executor = executor
	}
}

// WithAggregator replaces the aggregator built from the config.
func WithAggregator(agg *metrics.Aggregator) Option {
	return func(s *Scheduler) {
		s.agg = agg
	}
}

// Scheduler runs a fixed number of virtual users for the configured duration.
//
// It moves through Idle → Running → Draining → Stopped exactly once. A VU
// that panics is replaced in the same slot unless the run is draining.
type Scheduler struct {
	cfg      config.TestConfig
	executor Executor
	agg      *metrics.Aggregator
	logger   *zap.Logger

	state     atomic.Int32
	started   atomic.Bool
	startTime atomic.Pointer[time.Time]

	activeVUs atomic.Int32
	respawns  atomic.Int64

	// graceExpired is set when the startup grace period ended with no
	// successful request.
	graceExpired atomic.Bool

	vusMu sync.RWMutex
	vus   []*VirtualUser
}

// New creates a scheduler for cfg. Without options it issues real HTTP
// requests and aggregates into a fresh Aggregator.
func New(cfg config.TestConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		logger: zap.NewNop(),
		vus:    make([]*VirtualUser, cfg.VirtualUsers),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))

	if s.executor == nil {
		s.executor = lhttp.NewExecutor(cfg)
	}
	if s.agg == nil {
		s.agg = metrics.NewAggregator(cfg.Percentiles, s.logger)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Aggregator returns the aggregator results are recorded into.
func (s *Scheduler) Aggregator() *metrics.Aggregator {
	return s.agg
}

// Run executes the test and blocks until every VU has stopped.
//
// It returns the final Summary. When no request succeeded within the startup
// grace period, or none succeeded at all, the run still goes to completion
// and the Summary is returned together with ErrTargetUnreachable. An
// aggregation fault
// returns no Summary. Cancelling ctx ends the run early through the same
// draining path as duration expiry.
func (s *Scheduler) Run(ctx context.Context) (*metrics.Summary, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Duration)
	defer cancel()

	start := time.Now()
	s.startTime.Store(&start)
	s.agg.Start(start)
	s.transition(StateRunning)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.VirtualUsers; i++ {
		wg.Add(1)
		go s.runSlot(runCtx, i, &wg)
	}

	var watchers sync.WaitGroup
	watchers.Add(1)
	go func() {
		defer watchers.Done()
		s.watchStartup(runCtx)
	}()

	<-runCtx.Done()
	if ctx.Err() != nil {
		s.logger.Info("run cancelled", zap.Error(context.Cause(ctx)))
	}
	s.transition(StateDraining)

	s.waitForVUs(&wg)
	watchers.Wait()
	if closer, ok := s.executor.(interface{ Close() }); ok {
		closer.Close()
	}

	summary, err := s.agg.Finalize()
	s.transition(StateStopped)
	if err != nil {
		return nil, fmt.Errorf("finalize metrics: %w", err)
	}

	switch {
	case summary.SuccessCount == 0:
		return summary, fmt.Errorf("%w: none of %d requests succeeded", ErrTargetUnreachable, summary.TotalRequests)
	case s.graceExpired.Load():
		return summary, fmt.Errorf("%w: no request succeeded within the %s startup grace period",
			ErrTargetUnreachable, s.cfg.StartupGracePeriod)
	}
	return summary, nil
}

// runSlot keeps one VU alive in slot id for the whole run.
func (s *Scheduler) runSlot(ctx context.Context, slot int, wg *sync.WaitGroup) {
	defer wg.Done()

	shard := s.agg.NewShard()
	for {
		if !s.runVU(ctx, slot, shard) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.respawns.Add(1)
		s.logger.Warn("respawning virtual user", zap.Int("vu", slot+1))
	}
}

// runVU runs a single VU until ctx is cancelled. It reports whether the VU
// panicked.
func (s *Scheduler) runVU(ctx context.Context, slot int, shard *metrics.Shard) (crashed bool) {
	vu := NewVirtualUser(slot+1, s.executor, shard)

	s.vusMu.Lock()
	s.vus[slot] = vu
	s.vusMu.Unlock()

	s.activeVUs.Add(1)
	defer s.activeVUs.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			crashed = true
			s.logger.Error("virtual user panicked",
				zap.Int("vu", vu.ID),
				zap.Int64("iteration", vu.GetIteration()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	vu.Run(ctx)
	return false
}

// watchStartup marks the run unreachable when nothing has succeeded within
// the grace period. It never stops the run.
func (s *Scheduler) watchStartup(ctx context.Context) {
	grace := s.cfg.StartupGracePeriod
	if grace <= 0 {
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	total, success, _ := s.agg.Counts()
	if success == 0 {
		s.graceExpired.Store(true)
		s.logger.Warn("no successful request within startup grace period",
			zap.Duration("grace", grace),
			zap.Int64("attempts", total),
			zap.String("target", s.targetString()),
		)
	}
}

// waitForVUs waits for every VU to exit. In-flight requests are bounded by
// the request timeout; past that the run is finalized anyway and any result
// still arriving is counted as late.
func (s *Scheduler) waitForVUs(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	wait := s.requestTimeout() + drainSlack
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("virtual users did not stop in time",
			zap.Int("remaining", int(s.activeVUs.Load())),
			zap.Duration("waited", wait),
		)
	}
}

// requestTimeout prefers the executor's own timeout when it exposes one.
func (s *Scheduler) requestTimeout() time.Duration {
	if t, ok := s.executor.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		return t.Timeout()
	}
	return s.cfg.RequestTimeout
}

func (s *Scheduler) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.logger.Info("state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("vus", s.cfg.VirtualUsers),
	)
}

// GetProgress returns current progress (0.0 to 1.0).
func (s *Scheduler) GetProgress() float64 {
	switch s.State() {
	case StateIdle:
		return 0.0
	case StateDraining, StateStopped:
		return 1.0
	}

	if s.cfg.Duration <= 0 {
		return 1.0
	}
	progress := float64(s.elapsed()) / float64(s.cfg.Duration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns the number of VUs currently running.
func (s *Scheduler) GetActiveVUs() int {
	return int(s.activeVUs.Load())
}

// VirtualUsers returns the VU currently occupying each slot. Slots not yet
// started are nil.
func (s *Scheduler) VirtualUsers() []*VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return append([]*VirtualUser(nil), s.vus...)
}

// Stats returns a point-in-time view of the run.
func (s *Scheduler) Stats() *Stats {
	total, _, _ := s.agg.Counts()

	stats := &Stats{
		State:         s.State(),
		Elapsed:       s.elapsed(),
		TotalDuration: s.cfg.Duration,
		ActiveVUs:     s.GetActiveVUs(),
		TargetVUs:     s.cfg.VirtualUsers,
		Iterations:    total,
		Respawns:      s.respawns.Load(),
		Progress:      s.GetProgress(),
		GraceExpired:  s.graceExpired.Load(),
	}
	if start := s.startTime.Load(); start != nil {
		stats.StartTime = *start
	}
	return stats
}

func (s *Scheduler) elapsed() time.Duration {
	start := s.startTime.Load()
	if start == nil {
		return 0
	}
	return time.Since(*start)
}

func (s *Scheduler) targetString() string {
	if s.cfg.TargetURL == nil {
		return ""
	}
	return s.cfg.TargetURL.String()
}
