package crawler

import (
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"
)

const bytesPerMB = 1024 * 1024

// ProcessMemorySampler reports the resident set size of the current process,
// falling back to Go runtime memory where procfs is unavailable.
type ProcessMemorySampler struct{}

// NewProcessMemorySampler returns a sampler for the running process.
func NewProcessMemorySampler() *ProcessMemorySampler {
	return &ProcessMemorySampler{}
}

// SampleMB returns current memory use in megabytes.
func (ProcessMemorySampler) SampleMB() (float64, error) {
	proc, err := procfs.Self()
	if err == nil {
		stat, statErr := proc.Stat()
		if statErr == nil {
			return float64(stat.ResidentMemory()) / bytesPerMB, nil
		}
		err = statErr
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0, fmt.Errorf("sample memory: %w", err)
	}
	return float64(ms.Sys) / bytesPerMB, nil
}
