// Package sysinfo samples the load generator host while a test runs.
//
// A saturated client produces latencies that say nothing about the target,
// so CPU and memory use are reported next to the results.
package sysinfo

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// DefaultInterval is how often the host is sampled.
const DefaultInterval = time.Second

// HostInfo describes the machine generating load.
type HostInfo struct {
	CPUModel        string  `json:"cpuModel"`
	Cores           int     `json:"cores"`
	ClockSpeed      float64 `json:"clockSpeed"`
	Arch            string  `json:"arch"`
	MemoryTotal     uint64  `json:"memoryTotal"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platformVersion"`
}

// Describe collects static host information. Fields that cannot be read are
// left empty and the errors are returned joined.
func Describe(ctx context.Context) (HostInfo, error) {
	info := HostInfo{
		Cores: runtime.NumCPU(),
		Arch:  runtime.GOARCH,
	}

	var errs []error
	if cpus, err := cpu.InfoWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else if len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
		info.ClockSpeed = cpus[0].Mhz
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		info.MemoryTotal = vm.Total
	}

	if h, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
	}

	return info, errors.Join(errs...)
}

// Sample is one reading of host utilisation.
type Sample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpuPercent"`
	MemPercent float64   `json:"memPercent"`
}

// Usage summarises the samples taken during a run.
type Usage struct {
	Samples int     `json:"samples"`
	CPUAvg  float64 `json:"cpuAvg"`
	CPUMax  float64 `json:"cpuMax"`
	MemAvg  float64 `json:"memAvg"`
	MemMax  float64 `json:"memMax"`
}

// Sampler periodically records host CPU and memory utilisation.
type Sampler struct {
	interval time.Duration
	logger   *zap.Logger

	cpuPercent func(ctx context.Context) (float64, error)
	memPercent func(ctx context.Context) (float64, error)

	mu      sync.Mutex
	samples []Sample
}

// NewSampler creates a sampler. A non-positive interval uses DefaultInterval.
func NewSampler(interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		interval:   interval,
		logger:     logger.With(zap.String("component", "sysinfo")),
		cpuPercent: hostCPUPercent,
		memPercent: hostMemPercent,
	}
}

func hostCPUPercent(ctx context.Context) (float64, error) {
	// A zero interval measures against the previous call.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu reading")
	}
	return pct[0], nil
}

func hostMemPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Run samples until ctx is cancelled. Read failures are logged and skipped;
// Run only returns when ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	// Prime the CPU counters so the first tick has a baseline.
	_, _ = s.cpuPercent(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	cpuPct, err := s.cpuPercent(ctx)
	if err != nil {
		s.logger.Debug("cpu sample failed", zap.Error(err))
		return
	}
	memPct, err := s.memPercent(ctx)
	if err != nil {
		s.logger.Debug("memory sample failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.samples = append(s.samples, Sample{At: time.Now(), CPUPercent: cpuPct, MemPercent: memPct})
	s.mu.Unlock()

	if cpuPct >= 90 {
		s.logger.Warn("load generator CPU is saturated; latencies may be inflated", zap.Float64("cpu", cpuPct))
	}
}

// Samples returns a copy of the readings taken so far.
func (s *Sampler) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples...)
}

// Usage summarises the readings taken so far.
func (s *Sampler) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := Usage{Samples: len(s.samples)}
	if u.Samples == 0 {
		return u
	}

	var cpuSum, memSum float64
	for _, smp := range s.samples {
		cpuSum += smp.CPUPercent
		memSum += smp.MemPercent
		if smp.CPUPercent > u.CPUMax {
			u.CPUMax = smp.CPUPercent
		}
		if smp.MemPercent > u.MemMax {
			u.MemMax = smp.MemPercent
		}
	}
	u.CPUAvg = cpuSum / float64(u.Samples)
	u.MemAvg = memSum / float64(u.Samples)
	return u
}
