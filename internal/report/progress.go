package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/loadgen/internal/metrics"
)

const (
	clearLine      = "\r\033[2K"
	progressFilled = "█"
	progressEmpty  = "░"
	progressWidth  = 30
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64       // 0.0 to 1.0
	Elapsed   time.Duration // Time elapsed since test start
	Remaining time.Duration // Time left until draining

	ActiveVUs int
	TargetVUs int

	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64 // 0.0 to 1.0

	LatencyP95 time.Duration
	LatencyAvg time.Duration
}

// StatsFromSnapshot creates LiveStats from an aggregator snapshot.
func StatsFromSnapshot(snap *metrics.Snapshot, progress float64, totalDuration time.Duration, activeVUs, targetVUs int) *LiveStats {
	if snap == nil {
		return &LiveStats{Progress: progress, ActiveVUs: activeVUs, TargetVUs: targetVUs}
	}

	remaining := totalDuration - snap.Elapsed
	if remaining < 0 {
		remaining = 0
	}

	return &LiveStats{
		Progress:      progress,
		Elapsed:       snap.Elapsed,
		Remaining:     remaining,
		ActiveVUs:     activeVUs,
		TargetVUs:     targetVUs,
		CurrentRPS:    snap.RPS,
		TotalRequests: snap.TotalRequests,
		Errors:        snap.FailedRequests,
		ErrorRate:     snap.ErrorRate,
		LatencyP95:    snap.LatencyP95,
		LatencyAvg:    snap.LatencyAvg,
	}
}

// ProgressPrinter prints live progress while a test runs.
//
// On a terminal the line is redrawn in place; otherwise one line is written
// per update so logs and CI output stay readable.
type ProgressPrinter struct {
	w      io.Writer
	colors *ColorScheme
	isTTY  bool

	mu    sync.Mutex
	drawn bool
}

// NewProgressPrinter creates a progress printer for w.
func NewProgressPrinter(w io.Writer, colors *ColorScheme, isTTY bool) *ProgressPrinter {
	if colors == nil {
		colors = NoColorScheme()
	}
	return &ProgressPrinter{w: w, colors: colors, isTTY: isTTY}
}

// Update prints the given statistics.
func (p *ProgressPrinter) Update(stats *LiveStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isTTY {
		fmt.Fprint(p.w, clearLine+p.renderInteractive(stats))
		p.drawn = true
		return
	}
	fmt.Fprintln(p.w, p.renderPlain(stats))
}

// Finish ends the in-place line so the summary starts on a fresh one.
func (p *ProgressPrinter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isTTY && p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}

func (p *ProgressPrinter) renderInteractive(stats *LiveStats) string {
	c := p.colors
	return fmt.Sprintf("%s %s | VUs %s/%d | %s reqs | %s | err %s | p95 %s",
		c.Good.Sprint(renderProgressBar(stats.Progress, progressWidth)),
		c.Label.Sprintf("%3.0f%%", stats.Progress*100),
		c.Value.Sprint(stats.ActiveVUs), stats.TargetVUs,
		c.Value.Sprint(formatNumber(stats.TotalRequests)),
		c.Value.Sprintf("%.1f req/s", stats.CurrentRPS),
		c.rate(stats.ErrorRate).Sprintf("%.1f%%", stats.ErrorRate*100),
		formatDurationShort(stats.LatencyP95),
	)
}

func (p *ProgressPrinter) renderPlain(stats *LiveStats) string {
	return fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95))
}

// renderProgressBar renders a progress bar.
func renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}
