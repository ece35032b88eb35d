package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/wesleyorama2/loadgen/internal/metrics"
	"github.com/wesleyorama2/loadgen/internal/sysinfo"
)

// JSONReport is the machine-readable form of a Report. Latencies are in
// milliseconds.
type JSONReport struct {
	RunID             string             `json:"runId"`
	Name              string             `json:"name"`
	Target            string             `json:"target"`
	VUs               int                `json:"vus"`
	Duration          string             `json:"duration"`
	RequestTimeout    string             `json:"requestTimeout"`
	StartedAt         time.Time          `json:"startedAt"`
	ElapsedMs         float64            `json:"elapsedMs"`
	TargetUnreachable bool               `json:"targetUnreachable"`
	Requests          JSONRequests       `json:"requests"`
	LatencyMs         map[string]float64 `json:"latencyMs"`
	StatusCodes       map[string]int64   `json:"statusCodes"`
	ErrorKinds        map[string]int64   `json:"errorKinds"`
	BytesReceived     int64              `json:"bytesReceived"`
	Respawns          int64              `json:"respawns"`
	LateRecords       int64              `json:"lateRecords"`
	Host              *sysinfo.HostInfo  `json:"host,omitempty"`
	HostUsage         *sysinfo.Usage     `json:"hostUsage,omitempty"`
}

// JSONRequests holds request counters.
type JSONRequests struct {
	Total     int64   `json:"total"`
	Success   int64   `json:"success"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"errorRate"`
	PerSecond float64 `json:"perSecond"`
}

// ToJSON converts rep to its JSON form.
func ToJSON(rep *Report) (*JSONReport, error) {
	if rep.Summary == nil {
		return nil, fmt.Errorf("report has no summary")
	}
	s := rep.Summary

	out := &JSONReport{
		RunID:             rep.RunID,
		Name:              rep.Name,
		Target:            rep.Target,
		VUs:               rep.VUs,
		Duration:          rep.Duration.String(),
		RequestTimeout:    rep.Timeout.String(),
		StartedAt:         rep.StartedAt,
		ElapsedMs:         ms(s.Elapsed),
		TargetUnreachable: rep.Unreachable(),
		Requests: JSONRequests{
			Total:     s.TotalRequests,
			Success:   s.SuccessCount,
			Errors:    s.ErrorCount,
			ErrorRate: s.ErrorRate(),
			PerSecond: s.RequestsPerSecond,
		},
		LatencyMs: map[string]float64{
			"min":    ms(s.Latency.Min),
			"max":    ms(s.Latency.Max),
			"mean":   ms(s.Latency.Mean),
			"stdDev": ms(s.Latency.StdDev),
		},
		StatusCodes:   make(map[string]int64, len(s.StatusCodeCounts)),
		ErrorKinds:    make(map[string]int64, len(s.ErrorKindCounts)),
		BytesReceived: s.BytesReceived,
		Respawns:      rep.Respawns,
		LateRecords:   rep.LateRecords,
		Host:          rep.Host,
		HostUsage:     rep.HostUsage,
	}

	for p, d := range s.LatencyPercentiles {
		out.LatencyMs[metrics.Label(p)] = ms(d)
	}
	for code, n := range s.StatusCodeCounts {
		out.StatusCodes[strconv.Itoa(code)] = n
	}
	for kind, n := range s.ErrorKindCounts {
		out.ErrorKinds[string(kind)] = n
	}
	return out, nil
}

// WriteJSON writes rep as indented JSON.
func WriteJSON(w io.Writer, rep *Report) error {
	doc, err := ToJSON(rep)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// WriteJSONFile writes rep to path.
func WriteJSONFile(path string, rep *Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}

	if err := WriteJSON(f, rep); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report file: %w", err)
	}
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
