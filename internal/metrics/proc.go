package metrics

import (
	"github.com/prometheus/procfs"

	"github.com/boxkit/boxkit/errdefs"
)

// SampleProcess reads current RSS and cumulative CPU time for pid from
// /proc. Callers treat errors as transient; a box whose VM just exited
// races its own /proc entry going away.
func SampleProcess(pid int) (ResourceUsage, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return ResourceUsage{}, errdefs.Wrap(errdefs.KindInternal, "metrics.sample", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return ResourceUsage{}, errdefs.Wrap(errdefs.KindInternal, "metrics.sample", err)
	}
	return ResourceUsage{
		RSSBytes:   uint64(stat.ResidentMemory()),
		CPUSeconds: stat.CPUTime(),
	}, nil
}
