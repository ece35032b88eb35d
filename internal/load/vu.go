// Package load drives virtual users against the target for a fixed duration.
package load

import (
	"context"
	"sync/atomic"

	lhttp "github.com/wesleyorama2/loadgen/internal/http"
	"github.com/wesleyorama2/loadgen/internal/metrics"
)

// Executor performs one request and reports its outcome.
//
// Implementations must be safe for concurrent use and must never block past
// their own per-request timeout.
type Executor interface {
	Execute(ctx context.Context) lhttp.RequestResult
}

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is created but not yet running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is issuing requests.
	VUStateRunning
	// VUStateStopped indicates the VU loop has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser issues requests back-to-back until its context is cancelled.
//
// A VU shares nothing with other VUs except the executor's connection pool;
// results go to its own Recorder, normally a private aggregator shard.
type VirtualUser struct {
	// ID is the scheduler slot this VU occupies.
	ID int

	executor Executor
	sink     metrics.Recorder

	state     atomic.Int32
	iteration atomic.Int64
	doneCh    chan struct{}
}

// NewVirtualUser creates a new Virtual User.
func NewVirtualUser(id int, executor Executor, sink metrics.Recorder) *VirtualUser {
	return &VirtualUser{
		ID:       id,
		executor: executor,
		sink:     sink,
		doneCh:   make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of requests this VU has completed.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// Run loops until ctx is cancelled. Cancellation is checked before each
// request and after each result is recorded; a request already in flight
// runs to completion or its own timeout.
func (vu *VirtualUser) Run(ctx context.Context) {
	vu.state.Store(int32(VUStateRunning))
	defer vu.markStopped()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		vu.RunIteration(ctx)
	}
}

// RunIteration executes a single request and records its result.
func (vu *VirtualUser) RunIteration(ctx context.Context) {
	result := vu.executor.Execute(ctx)
	vu.sink.Record(result)
	vu.iteration.Add(1)
}

// Done returns a channel closed once the VU loop has exited.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

func (vu *VirtualUser) markStopped() {
	vu.state.Store(int32(VUStateStopped))
	select {
	case <-vu.doneCh:
	default:
		close(vu.doneCh)
	}
}
