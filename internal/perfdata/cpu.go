//go:build unix

package perfdata

import (
	"syscall"
	"time"
)

// cpuClock remembers the previous rusage reading so that utilization is
// reported over the interval between samples.
type cpuClock struct {
	wall     time.Time
	usr, sys time.Duration
}

func readRusage() (usr, sys time.Duration, ok bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, 0, false
	}
	return time.Duration(ru.Utime.Nano()), time.Duration(ru.Stime.Nano()), true
}

// SampleCPU records process CPU utilization under CtxNone for whichever of
// CPUUsrPct and CPUSysPct is enabled. The first sample covers the time since
// the manager was created.
func (m *Manager) SampleCPU() {
	usr, sys, ok := readRusage()
	if !ok {
		return
	}
	now := time.Now()
	m.mu.Lock()
	prev := m.cpu
	m.cpu = cpuClock{wall: now, usr: usr, sys: sys}
	m.mu.Unlock()

	wall := now.Sub(prev.wall)
	if wall <= 0 {
		return
	}
	pct := func(d time.Duration) float64 { return 100 * float64(d) / float64(wall) }
	m.Add(CPUUsrPct, CtxNone, Datum{F: pct(usr - prev.usr)})
	m.Add(CPUSysPct, CtxNone, Datum{F: pct(sys - prev.sys)})
}
