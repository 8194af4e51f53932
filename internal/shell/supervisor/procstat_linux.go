package supervisor

import (
	"math"
	"time"

	"github.com/prometheus/procfs"
)

// readProcStat reads the kernel's view of pid from /proc.
func readProcStat(pid int) (procSample, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return procSample{}, err
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return procSample{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return procSample{}, err
	}
	sample := procSample{
		CPUSeconds: stat.CPUTime(),
		RSSBytes:   int64(stat.ResidentMemory()),
		Zombie:     stat.State == "Z" || stat.State == "X",
	}
	if started, err := stat.StartTime(); err == nil {
		sec, frac := math.Modf(started)
		sample.StartedAt = time.Unix(int64(sec), int64(frac*1e9))
	}
	return sample, nil
}
