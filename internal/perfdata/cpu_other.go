//go:build !unix

package perfdata

import "time"

type cpuClock struct {
	wall     time.Time
	usr, sys time.Duration
}

func readRusage() (usr, sys time.Duration, ok bool) { return 0, 0, false }

// SampleCPU is a no-op where rusage is unavailable.
func (m *Manager) SampleCPU() {}
