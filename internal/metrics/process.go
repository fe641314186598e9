package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample is a point-in-time resource snapshot of a supervised adapter.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	StartedAt  time.Time `json:"started_at"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess collects CPU and memory figures for pid. Fields that the
// platform cannot report are left zero.
func SampleProcess(ctx context.Context, pid int) (ProcessSample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessSample{}, err
	}
	s := ProcessSample{PID: int32(pid), Timestamp: time.Now()}
	if name, err := p.NameWithContext(ctx); err == nil {
		s.Name = name
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		s.StartedAt = time.UnixMilli(ms)
	}
	return s, nil
}
