// Package report renders test results for humans and machines.
package report

import (
	"time"

	"github.com/wesleyorama2/loadgen/internal/metrics"
	"github.com/wesleyorama2/loadgen/internal/sysinfo"
)

// Report is a finished run: the Summary plus the metadata needed to read it.
type Report struct {
	RunID     string
	Name      string
	Target    string
	VUs       int
	Duration  time.Duration
	Timeout   time.Duration
	StartedAt time.Time

	Summary *metrics.Summary

	// Optional run diagnostics.
	Host        *sysinfo.HostInfo
	HostUsage   *sysinfo.Usage
	Respawns    int64
	LateRecords int64

	// GraceExpired is set when nothing succeeded within the startup grace
	// period, even if the target answered later.
	GraceExpired bool
}

// Unreachable reports whether no request succeeded within the startup grace
// period or during the whole run.
func (r *Report) Unreachable() bool {
	return r.Summary != nil && (r.GraceExpired || r.Summary.SuccessCount == 0)
}
