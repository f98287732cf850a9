package obs

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample is a point-in-time host view of this process for /ops/status.
type ProcessSample struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	Goroutines int     `json:"goroutines"`
}

// SampleProcess reads CPU and memory usage of the current process. Failures
// degrade to zero values; the ops view stays available regardless.
func SampleProcess() ProcessSample {
	sample := ProcessSample{Goroutines: runtime.NumGoroutine()}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return sample
	}
	if cpu, err := p.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		sample.RSSBytes = mi.RSS
	}
	return sample
}
