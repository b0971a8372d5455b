package enforcer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/devsentry/internal/model"
)

// ProcessSampler observes sandbox processes through gopsutil. It caches
// process handles per pid because CPU percentages are measured between
// consecutive calls on the same handle.
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

// NewProcessSampler returns an empty sampler.
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: make(map[int]*process.Process)}
}

// Sample reads RSS, CPU share and handle count for one pid.
func (s *ProcessSampler) Sample(ctx context.Context, pid int) (model.ResourceSample, error) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		var err error
		p, err = process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			return model.ResourceSample{}, fmt.Errorf("resource sample failed,%w", err)
		}
		s.mu.Lock()
		s.procs[pid] = p
		s.mu.Unlock()
	}

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		s.Forget(pid)
		return model.ResourceSample{}, fmt.Errorf("resource sample failed,%w", err)
	}
	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		return model.ResourceSample{}, fmt.Errorf("resource sample failed,%w", err)
	}
	sample := model.ResourceSample{
		Timestamp:  time.Now(),
		RSSBytes:   mem.RSS,
		CPUPercent: cpu,
	}
	if fds, err := p.NumFDsWithContext(ctx); err == nil {
		sample.Handles = fds
	}
	return sample, nil
}

// Forget drops the cached handle for a pid after the process exits.
func (s *ProcessSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.procs, pid)
	s.mu.Unlock()
}
