package load

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lhttp "github.com/wesleyorama2/loadgen/internal/http"
)

// stubExecutor returns a fixed result after an optional delay.
type stubExecutor struct {
	delay  time.Duration
	result lhttp.RequestResult
	calls  atomic.Int64
}

func (e *stubExecutor) Execute(ctx context.Context) lhttp.RequestResult {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	r := e.result
	r.StartedAt = time.Now()
	if r.Latency == 0 {
		r.Latency = e.delay
	}
	return r
}

// countingSink records how many results it received.
type countingSink struct {
	mu      sync.Mutex
	results []lhttp.RequestResult
}

func (s *countingSink) Record(result lhttp.RequestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state VUState
		want  string
	}{
		{VUStateIdle, "idle"},
		{VUStateRunning, "running"},
		{VUStateStopped, "stopped"},
		{VUState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("VUState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewVirtualUser(t *testing.T) {
	vu := NewVirtualUser(7, &stubExecutor{}, &countingSink{})

	if vu.ID != 7 {
		t.Errorf("VU ID = %d, want 7", vu.ID)
	}
	if vu.GetState() != VUStateIdle {
		t.Errorf("Initial VU state = %v, want %v", vu.GetState(), VUStateIdle)
	}
	if vu.GetIteration() != 0 {
		t.Errorf("Initial iteration = %d, want 0", vu.GetIteration())
	}
}

func TestVirtualUser_RunIteration(t *testing.T) {
	exec := &stubExecutor{result: lhttp.RequestResult{StatusCode: http.StatusOK}}
	sink := &countingSink{}
	vu := NewVirtualUser(1, exec, sink)

	for i := 0; i < 3; i++ {
		vu.RunIteration(context.Background())
	}

	if vu.GetIteration() != 3 {
		t.Errorf("GetIteration() = %d, want 3", vu.GetIteration())
	}
	if sink.count() != 3 {
		t.Errorf("sink received %d results, want 3", sink.count())
	}
}

func TestVirtualUser_RunUntilCancelled(t *testing.T) {
	exec := &stubExecutor{delay: time.Millisecond, result: lhttp.RequestResult{StatusCode: http.StatusOK}}
	sink := &countingSink{}
	vu := NewVirtualUser(1, exec, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go vu.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for vu.GetState() != VUStateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if vu.GetState() != VUStateRunning {
		t.Fatalf("state = %v, want running", vu.GetState())
	}

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-vu.Done():
	case <-time.After(time.Second):
		t.Fatal("VU did not stop after cancel")
	}

	if vu.GetState() != VUStateStopped {
		t.Errorf("state = %v, want stopped", vu.GetState())
	}
	if vu.GetIteration() == 0 {
		t.Error("VU completed no iterations")
	}
	if int64(sink.count()) != vu.GetIteration() {
		t.Errorf("sink received %d results for %d iterations", sink.count(), vu.GetIteration())
	}
}

func TestVirtualUser_CancelledBeforeStart(t *testing.T) {
	exec := &stubExecutor{}
	vu := NewVirtualUser(1, exec, &countingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	vu.Run(ctx)

	if exec.calls.Load() != 0 {
		t.Errorf("executor called %d times after cancel, want 0", exec.calls.Load())
	}
	if vu.GetState() != VUStateStopped {
		t.Errorf("state = %v, want stopped", vu.GetState())
	}
}
