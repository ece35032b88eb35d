package load

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wesleyorama2/loadgen/internal/config"
	lhttp "github.com/wesleyorama2/loadgen/internal/http"
	"github.com/wesleyorama2/loadgen/internal/metrics"
)

func testConfig(t *testing.T, target string, vus int, duration time.Duration) config.TestConfig {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	return config.TestConfig{
		Name:                "scheduler-test",
		VirtualUsers:        vus,
		Duration:            duration,
		RequestTimeout:      2 * time.Second,
		TargetURL:           u,
		StartupGracePeriod:  config.DefaultStartupGracePeriod,
		Percentiles:         config.DefaultPercentiles,
		MaxIdleConnsPerHost: vus,
		UserAgent:           "loadgen-test",
	}
}

func unusedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// trackingExecutor records the peak number of concurrent calls.
type trackingExecutor struct {
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (e *trackingExecutor) Execute(ctx context.Context) lhttp.RequestResult {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(e.delay)
	return lhttp.RequestResult{StartedAt: time.Now(), Latency: e.delay, StatusCode: http.StatusOK}
}

// panicOnceExecutor panics on its nth call and succeeds otherwise.
type panicOnceExecutor struct {
	n     int64
	calls atomic.Int64
}

func (e *panicOnceExecutor) Execute(ctx context.Context) lhttp.RequestResult {
	if e.calls.Add(1) == e.n {
		panic("executor exploded")
	}
	time.Sleep(time.Millisecond)
	return lhttp.RequestResult{StartedAt: time.Now(), Latency: time.Millisecond, StatusCode: http.StatusOK}
}

// recoveringExecutor refuses connections until the given time, then succeeds.
type recoveringExecutor struct {
	upAt time.Time
}

func (e *recoveringExecutor) Execute(ctx context.Context) lhttp.RequestResult {
	time.Sleep(time.Millisecond)
	if time.Now().Before(e.upAt) {
		return lhttp.RequestResult{StartedAt: time.Now(), Latency: time.Millisecond, ErrorKind: lhttp.ErrorKindConnectionRefused}
	}
	return lhttp.RequestResult{StartedAt: time.Now(), Latency: time.Millisecond, StatusCode: http.StatusOK}
}

// timedExecutor is a stubExecutor that reports its own request timeout.
type timedExecutor struct {
	stubExecutor
	timeout time.Duration
}

func (e *timedExecutor) Timeout() time.Duration { return e.timeout }

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateRunning, "running"},
		{StateDraining, "draining"},
		{StateStopped, "stopped"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestScheduler_StateTransitions(t *testing.T) {
	exec := &stubExecutor{delay: 5 * time.Millisecond, result: lhttp.RequestResult{StatusCode: http.StatusOK}}
	s := New(testConfig(t, "http://unused.invalid", 2, 300*time.Millisecond), WithExecutor(exec))

	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0.0, s.GetProgress())

	type outcome struct {
		summary *metrics.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := s.Run(context.Background())
		done <- outcome{summary, err}
	}()

	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.GetActiveVUs() == 2 }, time.Second, time.Millisecond)

	var result outcome
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	require.NoError(t, result.err)
	require.NotNil(t, result.summary)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 0, s.GetActiveVUs())
	assert.Equal(t, 1.0, s.GetProgress())
	assert.Equal(t, result.summary.TotalRequests, result.summary.SuccessCount+result.summary.ErrorCount)

	stats := s.Stats()
	assert.Equal(t, StateStopped, stats.State)
	assert.Equal(t, 2, stats.TargetVUs)
	assert.Equal(t, result.summary.TotalRequests, stats.Iterations)
	assert.False(t, stats.StartTime.IsZero())
}

func TestScheduler_RunOnlyOnce(t *testing.T) {
	exec := &stubExecutor{delay: time.Millisecond}
	s := New(testConfig(t, "http://unused.invalid", 1, 50*time.Millisecond), WithExecutor(exec))

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Nil(t, summary)
}

func TestScheduler_SpawnsExactlyN(t *testing.T) {
	const vus = 16
	exec := &trackingExecutor{delay: 10 * time.Millisecond}
	s := New(testConfig(t, "http://unused.invalid", vus, 300*time.Millisecond), WithExecutor(exec))

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(vus), exec.peak.Load(), "peak concurrent requests")

	seen := make(map[int]bool)
	for _, vu := range s.VirtualUsers() {
		require.NotNil(t, vu)
		assert.False(t, seen[vu.ID], "duplicate VU id %d", vu.ID)
		seen[vu.ID] = true
		assert.Equal(t, VUStateStopped, vu.GetState())
	}
	assert.Len(t, seen, vus)
}

func TestScheduler_SingleVUAgainstFastTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	s := New(testConfig(t, server.URL, 1, time.Second))
	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	// About 100 requests at 10ms each; allow for slow CI machines.
	assert.GreaterOrEqual(t, summary.TotalRequests, int64(40))
	assert.LessOrEqual(t, summary.TotalRequests, int64(101))
	assert.Equal(t, int64(0), summary.ErrorCount)
	assert.Equal(t, map[int]int64{http.StatusOK: summary.TotalRequests}, summary.StatusCodeCounts)
	assert.GreaterOrEqual(t, summary.LatencyPercentiles[50], 10*time.Millisecond)
	assert.Greater(t, summary.BytesReceived, int64(0))
}

func TestScheduler_UnreachableTarget(t *testing.T) {
	s := New(testConfig(t, "http://"+unusedAddr(t), 2, 300*time.Millisecond))

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTargetUnreachable))
	require.NotNil(t, summary, "Summary must be produced for an unreachable target")

	assert.Greater(t, summary.TotalRequests, int64(0))
	assert.Equal(t, int64(0), summary.SuccessCount)
	assert.Equal(t, summary.TotalRequests, summary.ErrorCount)
	assert.Equal(t, summary.TotalRequests, summary.ErrorKindCounts[lhttp.ErrorKindConnectionRefused])
	assert.Empty(t, summary.StatusCodeCounts)
}

func TestScheduler_SelfSignedTLS(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Run("verification enabled", func(t *testing.T) {
		cfg := testConfig(t, server.URL, 2, 200*time.Millisecond)
		summary, err := New(cfg).Run(context.Background())

		assert.ErrorIs(t, err, ErrTargetUnreachable)
		require.NotNil(t, summary)
		require.Greater(t, summary.TotalRequests, int64(0))
		assert.Equal(t, map[lhttp.ErrorKind]int64{lhttp.ErrorKindTLS: summary.TotalRequests}, summary.ErrorKindCounts)
	})

	t.Run("verification skipped", func(t *testing.T) {
		cfg := testConfig(t, server.URL, 2, 200*time.Millisecond)
		cfg.SkipTLSVerify = true
		summary, err := New(cfg).Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, int64(0), summary.ErrorCount)
	})
}

func TestScheduler_StopsWithinRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL, 4, 200*time.Millisecond)
	cfg.RequestTimeout = time.Second

	start := time.Now()
	summary, err := New(cfg).Run(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, cfg.Duration+cfg.RequestTimeout+500*time.Millisecond)
	// Requests in flight at the deadline completed instead of being aborted.
	assert.Equal(t, int64(4), summary.SuccessCount)
	assert.Equal(t, int64(0), summary.ErrorCount)
}

func TestScheduler_ParentCancel(t *testing.T) {
	exec := &stubExecutor{delay: time.Millisecond, result: lhttp.RequestResult{StatusCode: http.StatusOK}}
	s := New(testConfig(t, "http://unused.invalid", 2, time.Hour), WithExecutor(exec))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	summary, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Greater(t, summary.TotalRequests, int64(0))
	assert.Equal(t, StateStopped, s.State())
}

func TestScheduler_RespawnsPanickedVU(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	exec := &panicOnceExecutor{n: 5}
	s := New(testConfig(t, "http://unused.invalid", 1, 200*time.Millisecond),
		WithExecutor(exec), WithLogger(zap.New(core)))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), s.Stats().Respawns)
	// The panicking call never produced a result.
	assert.Equal(t, exec.calls.Load()-1, summary.TotalRequests)
	assert.Greater(t, summary.TotalRequests, int64(4))

	panics := logs.FilterMessage("virtual user panicked").All()
	require.Len(t, panics, 1)
	fields := panics[0].ContextMap()
	assert.Equal(t, int64(1), fields["vu"])
	assert.Equal(t, "executor exploded", fields["panic"])
}

func TestScheduler_StartupGraceWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	exec := &stubExecutor{
		delay:  time.Millisecond,
		result: lhttp.RequestResult{ErrorKind: lhttp.ErrorKindConnectionRefused},
	}
	cfg := testConfig(t, "http://unused.invalid", 1, 300*time.Millisecond)
	cfg.StartupGracePeriod = 50 * time.Millisecond

	summary, err := New(cfg, WithExecutor(exec), WithLogger(zap.New(core))).Run(context.Background())

	assert.ErrorIs(t, err, ErrTargetUnreachable)
	require.NotNil(t, summary)
	assert.Equal(t, 1, logs.FilterMessage("no successful request within startup grace period").Len())
}

func TestScheduler_UnreachableThroughGracePeriod(t *testing.T) {
	exec := &recoveringExecutor{upAt: time.Now().Add(150 * time.Millisecond)}
	cfg := testConfig(t, "http://unused.invalid", 1, 400*time.Millisecond)
	cfg.StartupGracePeriod = 50 * time.Millisecond

	s := New(cfg, WithExecutor(exec))
	summary, err := s.Run(context.Background())

	require.ErrorIs(t, err, ErrTargetUnreachable)
	assert.Contains(t, err.Error(), "startup grace period")
	// The run continued after the grace period and the target recovered.
	require.NotNil(t, summary)
	assert.Greater(t, summary.SuccessCount, int64(0))
	assert.Greater(t, summary.ErrorCount, int64(0))
	assert.Equal(t, summary.TotalRequests, summary.SuccessCount+summary.ErrorCount)
	assert.True(t, s.Stats().GraceExpired)
}

func TestScheduler_RecoveredWithinGracePeriod(t *testing.T) {
	exec := &recoveringExecutor{upAt: time.Now().Add(20 * time.Millisecond)}
	cfg := testConfig(t, "http://unused.invalid", 1, 300*time.Millisecond)
	cfg.StartupGracePeriod = 150 * time.Millisecond

	summary, err := New(cfg, WithExecutor(exec)).Run(context.Background())
	require.NoError(t, err)
	assert.Greater(t, summary.ErrorCount, int64(0))
}

func TestScheduler_RequestTimeout(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid", 1, time.Second)

	s := New(cfg, WithExecutor(&stubExecutor{}))
	assert.Equal(t, cfg.RequestTimeout, s.requestTimeout())

	s = New(cfg, WithExecutor(&timedExecutor{timeout: 7 * time.Second}))
	assert.Equal(t, 7*time.Second, s.requestTimeout())

	s = New(cfg, WithExecutor(lhttp.NewExecutor(cfg)))
	assert.Equal(t, cfg.RequestTimeout, s.requestTimeout())
}

func TestScheduler_NoGraceWarningWhenHealthy(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	exec := &stubExecutor{delay: time.Millisecond, result: lhttp.RequestResult{StatusCode: http.StatusOK}}
	cfg := testConfig(t, "http://unused.invalid", 1, 200*time.Millisecond)
	cfg.StartupGracePeriod = 50 * time.Millisecond

	_, err := New(cfg, WithExecutor(exec), WithLogger(zap.New(core))).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, logs.FilterMessage("no successful request within startup grace period").Len())
}

func TestScheduler_UsesInjectedAggregator(t *testing.T) {
	agg := metrics.NewAggregator([]float64{99}, nil)
	exec := &stubExecutor{delay: time.Millisecond, result: lhttp.RequestResult{StatusCode: http.StatusOK}}
	s := New(testConfig(t, "http://unused.invalid", 1, 50*time.Millisecond), WithExecutor(exec), WithAggregator(agg))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Same(t, agg, s.Aggregator())

	again, err := agg.Finalize()
	require.NoError(t, err)
	assert.Same(t, summary, again)
	assert.Equal(t, []float64{99}, summary.LatencyPercentiles.Keys())
}
