// Package procstat samples resource usage of the current process.
package procstat

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Sampler reads the resident set size of this process.
type Sampler struct {
	proc *process.Process
}

// New opens the current process.
func New() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open current process: %w", err)
	}
	return &Sampler{proc: p}, nil
}

// RSS returns resident memory in bytes, or 0 when it cannot be read. A nil
// Sampler always reports 0.
func (s *Sampler) RSS(ctx context.Context) uint64 {
	if s == nil || s.proc == nil {
		return 0
	}
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
