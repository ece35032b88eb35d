// Package metrics accumulates request results and produces the final Summary.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	lhttp "github.com/wesleyorama2/loadgen/internal/http"
)

// ErrAggregationFault reports a broken aggregation invariant. It indicates a
// programming defect; a run that hits it must not report a Summary.
var ErrAggregationFault = errors.New("aggregation fault")

// Histogram bounds for the live view, in microseconds.
// Two significant figures keep a per-VU histogram around 26KB.
const (
	histogramMin     = 1
	histogramMax     = 3600000000 // 1 hour
	histogramSigFigs = 2
)

// Recorder accepts request results. Implementations must be safe for the
// goroutine that owns them; Aggregator itself is safe for any goroutine.
type Recorder interface {
	Record(result lhttp.RequestResult)
}

// Aggregator collects RequestResults from all virtual users.
//
// # Thread Safety
//
// Each virtual user records into its own Shard, so recording is
// uncontended. Shards are merged once by Finalize. Live counters use atomic
// operations and back progress reporting while the test runs.
type Aggregator struct {
	percentiles []float64
	logger      *zap.Logger

	mu     sync.Mutex
	shards []*Shard
	shared *Shard

	sealed atomic.Bool

	// Live counters, updated only for accepted records.
	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
	bytes   atomic.Int64
	late    atomic.Int64

	startTime atomic.Pointer[time.Time]

	finalizeOnce sync.Once
	summary      *Summary
	finalizeErr  error
}

// NewAggregator creates an aggregator reporting the given percentiles.
func NewAggregator(percentiles []float64, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(percentiles) == 0 {
		percentiles = []float64{50, 90, 95, 99}
	}

	a := &Aggregator{
		percentiles: append([]float64(nil), percentiles...),
		logger:      logger.With(zap.String("component", "metrics")),
	}
	a.shared = a.NewShard()
	now := time.Now()
	a.startTime.Store(&now)
	return a
}

// Start marks the beginning of the measured run.
func (a *Aggregator) Start(t time.Time) {
	a.startTime.Store(&t)
}

// NewShard returns a private accumulator for one virtual user.
func (a *Aggregator) NewShard() *Shard {
	s := &Shard{
		agg:         a,
		hist:        hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		statusCodes: make(map[int]int64),
		errorKinds:  make(map[lhttp.ErrorKind]int64),
	}

	a.mu.Lock()
	a.shards = append(a.shards, s)
	a.mu.Unlock()

	return s
}

// Record adds a result through the aggregator's shared shard.
func (a *Aggregator) Record(result lhttp.RequestResult) {
	a.shared.Record(result)
}

// Counts returns the live request counters without touching any shard.
func (a *Aggregator) Counts() (total, success, failed int64) {
	return a.total.Load(), a.success.Load(), a.failed.Load()
}

// LateRecords returns how many results arrived after Finalize and were rejected.
func (a *Aggregator) LateRecords() int64 {
	return a.late.Load()
}

// Finalize merges every shard into an immutable Summary.
//
// The first call does the work; later calls return the same Summary and
// error without touching the shards again.
func (a *Aggregator) Finalize() (*Summary, error) {
	a.finalizeOnce.Do(func() {
		a.summary, a.finalizeErr = a.finalize()
		if a.finalizeErr != nil {
			a.logger.Error("finalize failed", zap.Error(a.finalizeErr))
		}
	})
	return a.summary, a.finalizeErr
}

func (a *Aggregator) finalize() (*Summary, error) {
	a.sealed.Store(true)
	endTime := time.Now()

	a.mu.Lock()
	shards := append([]*Shard(nil), a.shards...)
	a.mu.Unlock()

	var (
		total, success, failed, bytes int64
		samples                       []time.Duration
		statusCodes                   = make(map[int]int64)
		errorKinds                    = make(map[lhttp.ErrorKind]int64)
	)

	for _, s := range shards {
		s.mu.Lock()
		if s.success+s.failed != s.total || int64(len(s.samples)) != s.total {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: shard holds %d results, %d successes, %d failures and %d samples",
				ErrAggregationFault, s.total, s.success, s.failed, len(s.samples))
		}
		total += s.total
		success += s.success
		failed += s.failed
		bytes += s.bytes
		samples = append(samples, s.samples...)
		for code, n := range s.statusCodes {
			statusCodes[code] += n
		}
		for kind, n := range s.errorKinds {
			errorKinds[kind] += n
		}
		s.mu.Unlock()
	}

	if total != a.total.Load() || success != a.success.Load() || failed != a.failed.Load() {
		return nil, fmt.Errorf("%w: merged %d results (%d ok, %d failed) but live counters saw %d (%d ok, %d failed)",
			ErrAggregationFault, total, success, failed, a.total.Load(), a.success.Load(), a.failed.Load())
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	elapsed := endTime.Sub(*a.startTime.Load())
	rps := 0.0
	if elapsed > 0 {
		rps = float64(total) / elapsed.Seconds()
	}

	latencies := make(PercentileMap, len(a.percentiles))
	for _, p := range a.percentiles {
		latencies[p] = Percentile(samples, p)
	}

	return &Summary{
		TotalRequests:      total,
		SuccessCount:       success,
		ErrorCount:         failed,
		LatencyPercentiles: latencies,
		StatusCodeCounts:   statusCodes,
		ErrorKindCounts:    errorKinds,
		Latency:            describe(samples),
		BytesReceived:      bytes,
		Elapsed:            elapsed,
		RequestsPerSecond:  rps,
	}, nil
}

// Snapshot returns a point-in-time view of the live counters.
//
// Latency figures come from merged HDR histograms and are approximate.
func (a *Aggregator) Snapshot() *Snapshot {
	merged := hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)

	a.mu.Lock()
	shards := append([]*Shard(nil), a.shards...)
	a.mu.Unlock()

	for _, s := range shards {
		s.mu.Lock()
		merged.Merge(s.hist)
		s.mu.Unlock()
	}

	total := a.total.Load()
	failed := a.failed.Load()
	elapsed := time.Since(*a.startTime.Load())

	snap := &Snapshot{
		TotalRequests:   total,
		SuccessRequests: a.success.Load(),
		FailedRequests:  failed,
		TotalBytes:      a.bytes.Load(),
		Elapsed:         elapsed,
		Timestamp:       time.Now(),
	}
	if merged.TotalCount() > 0 {
		snap.LatencyP95 = time.Duration(merged.ValueAtQuantile(95)) * time.Microsecond
		snap.LatencyAvg = time.Duration(merged.Mean()) * time.Microsecond
	}
	if elapsed > 0 {
		snap.RPS = float64(total) / elapsed.Seconds()
	}
	if total > 0 {
		snap.ErrorRate = float64(failed) / float64(total)
	}
	return snap
}

// Shard is a per-worker accumulator merged into the Summary at Finalize.
type Shard struct {
	agg *Aggregator

	mu          sync.Mutex
	samples     []time.Duration
	hist        *hdrhistogram.Histogram
	statusCodes map[int]int64
	errorKinds  map[lhttp.ErrorKind]int64
	total       int64
	success     int64
	failed      int64
	bytes       int64
}

// Record adds a result to the shard. Results arriving after Finalize are
// rejected and counted as late.
func (s *Shard) Record(result lhttp.RequestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Checked under the shard lock: Finalize seals before it locks shards,
	// so a result is either merged or rejected, never both.
	if s.agg.sealed.Load() {
		s.agg.late.Add(1)
		return
	}

	latency := result.Latency
	if latency < 0 {
		latency = 0
	}
	s.samples = append(s.samples, latency)

	micros := latency.Microseconds()
	if micros < histogramMin {
		micros = histogramMin
	}
	if micros > histogramMax {
		micros = histogramMax
	}
	// Values are clamped into range, so RecordValue cannot fail.
	_ = s.hist.RecordValue(micros)

	if result.StatusCode != 0 {
		s.statusCodes[result.StatusCode]++
	}
	s.total++
	s.bytes += result.BytesReceived
	if result.Success() {
		s.success++
	} else {
		s.failed++
		s.errorKinds[result.ErrorKind]++
	}

	s.agg.total.Add(1)
	s.agg.bytes.Add(result.BytesReceived)
	if result.Success() {
		s.agg.success.Add(1)
	} else {
		s.agg.failed.Add(1)
	}
}

// Snapshot contains a live view of the metrics.
type Snapshot struct {
	TotalRequests   int64         `json:"totalRequests"`
	SuccessRequests int64         `json:"successRequests"`
	FailedRequests  int64         `json:"failedRequests"`
	TotalBytes      int64         `json:"totalBytes"`
	LatencyP95      time.Duration `json:"latencyP95"`
	LatencyAvg      time.Duration `json:"latencyAvg"`
	RPS             float64       `json:"rps"`
	ErrorRate       float64       `json:"errorRate"`
	Elapsed         time.Duration `json:"elapsed"`
	Timestamp       time.Time     `json:"timestamp"`
}

var (
	_ Recorder = (*Aggregator)(nil)
	_ Recorder = (*Shard)(nil)
)
