package metrics

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	lhttp "github.com/wesleyorama2/loadgen/internal/http"
)

// Summary is the final, read-only result of a test run.
//
// TotalRequests always equals SuccessCount + ErrorCount.
type Summary struct {
	TotalRequests      int64                     `json:"totalRequests"`
	SuccessCount       int64                     `json:"successCount"`
	ErrorCount         int64                     `json:"errorCount"`
	LatencyPercentiles PercentileMap             `json:"latencyPercentiles"`
	StatusCodeCounts   map[int]int64             `json:"statusCodeCounts"`
	ErrorKindCounts    map[lhttp.ErrorKind]int64 `json:"errorKindCounts"`
	Latency            LatencyStats              `json:"latency"`
	BytesReceived      int64                     `json:"bytesReceived"`
	Elapsed            time.Duration             `json:"elapsed"`
	RequestsPerSecond  float64                   `json:"requestsPerSecond"`
}

// ErrorRate returns the fraction of failed requests.
func (s *Summary) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.TotalRequests)
}

// LatencyStats contains exact latency statistics over all samples.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	Count  int64         `json:"count"`
}

// PercentileMap maps a percentile (e.g. 95) to its latency.
type PercentileMap map[float64]time.Duration

// Keys returns the percentiles in ascending order.
func (m PercentileMap) Keys() []float64 {
	keys := make([]float64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	return keys
}

// Label formats a percentile as "p95" or "p99.9".
func Label(p float64) string {
	return "p" + strconv.FormatFloat(p, 'f', -1, 64)
}

// MarshalJSON renders the map as {"p50": <nanoseconds>, ...}.
func (m PercentileMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[Label(k)] = v
	}
	return json.Marshal(out)
}

// Percentile returns the latency at 1-indexed rank ceil(p/100 * n) of an
// ascending slice. It returns 0 for an empty slice.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	// The small epsilon keeps exact ranks such as 90% of 10 from rounding up.
	rank := int(math.Ceil(p*float64(n)/100 - 1e-9))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// describe computes min, max, mean and standard deviation of ascending samples.
func describe(sorted []time.Duration) LatencyStats {
	n := len(sorted)
	if n == 0 {
		return LatencyStats{}
	}

	var sum float64
	for _, d := range sorted {
		sum += float64(d)
	}
	mean := sum / float64(n)

	var sq float64
	for _, d := range sorted {
		diff := float64(d) - mean
		sq += diff * diff
	}

	return LatencyStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   time.Duration(mean),
		StdDev: time.Duration(math.Sqrt(sq / float64(n))),
		Count:  int64(n),
	}
}
