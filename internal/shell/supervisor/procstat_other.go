//go:build !linux

package supervisor

func readProcStat(int) (procSample, error) {
	return procSample{}, ErrMetricsUnsupported
}
