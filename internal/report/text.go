package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	lhttp "github.com/wesleyorama2/loadgen/internal/http"
	"github.com/wesleyorama2/loadgen/internal/metrics"
)

const (
	ruleChar  = "━"
	ruleWidth = 56
)

// TextReporter writes human-readable reports.
type TextReporter struct {
	w      io.Writer
	colors *ColorScheme
}

// NewTextReporter creates a reporter writing to w. A nil scheme disables color.
func NewTextReporter(w io.Writer, colors *ColorScheme) *TextReporter {
	if colors == nil {
		colors = NoColorScheme()
	}
	return &TextReporter{w: w, colors: colors}
}

// PrintHeader prints the banner shown when a run starts.
func (r *TextReporter) PrintHeader(rep *Report) error {
	tw := &textWriter{w: r.w}
	line := strings.Repeat(ruleChar, ruleWidth)

	tw.println(r.colors.Title.Sprint(line))
	tw.printf("%s - %s\n", r.colors.Label.Sprint(rep.Name), r.colors.Highlight.Sprint("Running"))
	tw.println(r.colors.Title.Sprint(line))
	tw.printf("Target:        %s\n", r.colors.Value.Sprint(rep.Target))
	tw.printf("VUs:           %s\n", r.colors.Value.Sprint(rep.VUs))
	tw.printf("Duration:      %s\n", r.colors.Value.Sprint(formatDuration(rep.Duration)))
	if rep.RunID != "" {
		tw.printf("Run ID:        %s\n", r.colors.Dim.Sprint(rep.RunID))
	}
	tw.println("")
	return tw.err
}

// PrintSummary prints the final report.
func (r *TextReporter) PrintSummary(rep *Report) error {
	if rep.Summary == nil {
		return fmt.Errorf("report has no summary")
	}
	s := rep.Summary
	c := r.colors
	tw := &textWriter{w: r.w}

	line := strings.Repeat(ruleChar, ruleWidth)
	status, statusColor := "Completed ✓", c.Good
	if rep.Unreachable() {
		status, statusColor = "Target unreachable ✗", c.Bad
	}

	tw.println("")
	tw.println(c.Title.Sprint(line))
	tw.printf("%s - %s\n", c.Label.Sprint(rep.Name), statusColor.Sprint(status))
	tw.println(c.Title.Sprint(line))
	tw.println("")

	tw.printf("Target:        %s\n", c.Value.Sprint(rep.Target))
	tw.printf("VUs:           %s\n", c.Value.Sprint(rep.VUs))
	tw.printf("Duration:      %s\n", c.Value.Sprint(formatDuration(s.Elapsed)))
	tw.printf("Total Reqs:    %s\n", c.Value.Sprint(formatNumber(s.TotalRequests)))
	tw.printf("Throughput:    %s\n", c.Value.Sprintf("%.1f req/s", s.RequestsPerSecond))

	errRate := s.ErrorRate()
	successRate := 0.0
	if s.TotalRequests > 0 {
		successRate = 1 - errRate
	}
	tw.printf("Success Rate:  %s\n", c.rate(errRate).Sprintf("%.1f%%", successRate*100))
	tw.printf("Succeeded:     %s\n", c.Good.Sprint(formatNumber(s.SuccessCount)))
	tw.printf("Failed:        %s\n", c.rate(errRate).Sprint(formatNumber(s.ErrorCount)))
	tw.printf("Data Received: %s\n", c.Value.Sprint(formatBytes(s.BytesReceived)))
	tw.println("")

	tw.println(c.Label.Sprint("Latency Distribution:"))
	tw.printf("  %-10s %s\n", "Min:", formatDurationShort(s.Latency.Min))
	tw.printf("  %-10s %s\n", "Avg:", formatDurationShort(s.Latency.Mean))
	tw.printf("  %-10s %s\n", "StdDev:", formatDurationShort(s.Latency.StdDev))
	for _, p := range s.LatencyPercentiles.Keys() {
		label := strings.ToUpper(metrics.Label(p)) + ":"
		tw.printf("  %-10s %s\n", label, formatDurationShort(s.LatencyPercentiles[p]))
	}
	tw.printf("  %-10s %s\n", "Max:", formatDurationShort(s.Latency.Max))
	tw.println("")

	if len(s.StatusCodeCounts) > 0 {
		tw.println(c.Label.Sprint("Status Codes:"))
		codes := make([]int, 0, len(s.StatusCodeCounts))
		for code := range s.StatusCodeCounts {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			tw.printf("  %s  %s\n", c.status(code).Sprint(code), formatNumber(s.StatusCodeCounts[code]))
		}
		tw.println("")
	}

	if len(s.ErrorKindCounts) > 0 {
		tw.println(c.Label.Sprint("Errors:"))
		for _, kind := range sortedKinds(s.ErrorKindCounts) {
			tw.printf("  %-20s %s\n", kind, c.Bad.Sprint(formatNumber(s.ErrorKindCounts[kind])))
		}
		tw.println("")
	}

	if rep.HostUsage != nil && rep.HostUsage.Samples > 0 {
		tw.println(c.Label.Sprint("Load Generator:"))
		tw.printf("  CPU:       avg %.1f%%  max %s\n", rep.HostUsage.CPUAvg, c.cpu(rep.HostUsage.CPUMax).Sprintf("%.1f%%", rep.HostUsage.CPUMax))
		tw.printf("  Memory:    avg %.1f%%  max %.1f%%\n", rep.HostUsage.MemAvg, rep.HostUsage.MemMax)
		if rep.Host != nil && rep.Host.CPUModel != "" {
			tw.printf("  Host:      %s (%d cores)\n", c.Dim.Sprint(rep.Host.CPUModel), rep.Host.Cores)
		}
		tw.println("")
	}

	if rep.Respawns > 0 {
		tw.printf("%s %d virtual user(s) crashed and were respawned\n", c.Warn.Sprint("⚠"), rep.Respawns)
	}
	if rep.LateRecords > 0 {
		tw.printf("%s %d result(s) arrived after the run ended and were dropped\n", c.Warn.Sprint("⚠"), rep.LateRecords)
	}
	switch {
	case rep.Summary.SuccessCount == 0:
		tw.printf("%s no request succeeded; check the target URL and TLS settings\n", c.Bad.Sprint("✗"))
	case rep.GraceExpired:
		tw.printf("%s no request succeeded within the startup grace period\n", c.Bad.Sprint("✗"))
	}

	return tw.err
}

func sortedKinds(m map[lhttp.ErrorKind]int64) []lhttp.ErrorKind {
	kinds := make([]lhttp.ErrorKind, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if m[kinds[i]] != m[kinds[j]] {
			return m[kinds[i]] > m[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}

// textWriter keeps the first write error.
type textWriter struct {
	w   io.Writer
	err error
}

func (t *textWriter) printf(format string, args ...interface{}) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.w, format, args...)
}

func (t *textWriter) println(s string) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintln(t.w, s)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
