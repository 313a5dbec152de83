// Package perfdata records per-stream performance metrics, aggregates them
// up the tree and archives collected results.
package perfdata

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Metric names a measured quantity.
type Metric int32

const (
	NumBytes Metric = iota
	NumPackets
	ElapsedSec
	CPUSysPct
	CPUUsrPct
	MemVirtKB
	MemPhysKB

	numMetrics
)

// Context names where in the stream a metric is taken.
type Context int32

const (
	CtxSend Context = iota
	CtxRecv
	CtxFilterIn
	CtxFilterOut
	CtxNone

	numContexts
)

// Type is the value domain of a metric.
type Type int

const (
	TypeUint Type = iota
	TypeInt
	TypeFloat
)

type metricInfo struct {
	name, units, desc string
	typ               Type
}

var metrics = [numMetrics]metricInfo{
	{"NumBytes", "bytes", "number of bytes", TypeUint},
	{"NumPackets", "packets", "number of packets", TypeUint},
	{"ElapsedTime", "seconds", "elapsed time", TypeFloat},
	{"CPU-Sys", "%cpu", "system cpu utilization", TypeFloat},
	{"CPU-User", "%cpu", "user cpu utilization", TypeFloat},
	{"VirtMem", "kilobytes", "virtual memory size", TypeFloat},
	{"PhysMem", "kilobytes", "resident memory size", TypeFloat},
}

var contextNames = [numContexts]string{"Send", "Recv", "FilterIn", "FilterOut", "NoContext"}

func (m Metric) Valid() bool { return m >= 0 && m < numMetrics }

func (m Metric) String() string {
	if !m.Valid() {
		return fmt.Sprintf("metric(%d)", int32(m))
	}
	return metrics[m].name
}

func (m Metric) Units() string {
	if !m.Valid() {
		return ""
	}
	return metrics[m].units
}

func (m Metric) Description() string {
	if !m.Valid() {
		return ""
	}
	return metrics[m].desc
}

func (m Metric) Type() Type {
	if !m.Valid() {
		return TypeUint
	}
	return metrics[m].typ
}

// Format is the packet layout of collected data for m:
// ranks, per-rank element counts, values.
func (m Metric) Format() string {
	switch m.Type() {
	case TypeInt:
		return "%ad %ad %ald"
	case TypeFloat:
		return "%ad %ad %alf"
	default:
		return "%ad %ad %auld"
	}
}

func (c Context) Valid() bool { return c >= 0 && c < numContexts }

func (c Context) String() string {
	if !c.Valid() {
		return fmt.Sprintf("context(%d)", int32(c))
	}
	return contextNames[c]
}

// ParseMetric resolves a metric by its display name.
func ParseMetric(s string) (Metric, bool) {
	for i, mi := range metrics {
		if mi.name == s {
			return Metric(i), true
		}
	}
	return 0, false
}

// ParseContext resolves a context by its display name.
func ParseContext(s string) (Context, bool) {
	for i, n := range contextNames {
		if n == s {
			return Context(i), true
		}
	}
	return 0, false
}

// Datum holds one sample; which field is meaningful depends on the metric type.
type Datum struct {
	U uint64
	I int64
	F float64
}

func (d Datum) Format(t Type) string {
	switch t {
	case TypeInt:
		return fmt.Sprintf("%d", d.I)
	case TypeFloat:
		return fmt.Sprintf("%f", d.F)
	default:
		return fmt.Sprintf("%d", d.U)
	}
}

// Manager holds the enabled metrics and recorded samples for one stream.
type Manager struct {
	mu     sync.Mutex
	active [numContexts]uint8
	data   [numContexts]map[Metric][]Datum
	cpu    cpuClock
}

func NewManager() *Manager {
	m := &Manager{cpu: cpuClock{wall: time.Now()}}
	if usr, sys, ok := readRusage(); ok {
		m.cpu.usr, m.cpu.sys = usr, sys
	}
	for i := range m.data {
		m.data[i] = make(map[Metric][]Datum)
	}
	return m
}

func (m *Manager) Enable(met Metric, ctx Context) {
	if !met.Valid() || !ctx.Valid() {
		return
	}
	m.mu.Lock()
	m.active[ctx] |= 1 << met
	m.mu.Unlock()
}

func (m *Manager) Disable(met Metric, ctx Context) {
	if !met.Valid() || !ctx.Valid() {
		return
	}
	m.mu.Lock()
	m.active[ctx] &^= 1 << met
	m.mu.Unlock()
}

func (m *Manager) Enabled(met Metric, ctx Context) bool {
	if !met.Valid() || !ctx.Valid() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[ctx]&(1<<met) != 0
}

// Add appends a sample to the series when the metric is enabled.
func (m *Manager) Add(met Metric, ctx Context, d Datum) {
	if !m.Enabled(met, ctx) {
		return
	}
	m.mu.Lock()
	m.data[ctx][met] = append(m.data[ctx][met], d)
	m.mu.Unlock()
}

// Count increments a running uint counter held as a single-sample series.
func (m *Manager) Count(met Metric, ctx Context, n uint64) {
	if !m.Enabled(met, ctx) {
		return
	}
	m.mu.Lock()
	s := m.data[ctx][met]
	if len(s) == 0 {
		s = []Datum{{}}
	}
	s = s[:1]
	s[0].U += n
	m.data[ctx][met] = s
	m.mu.Unlock()
}

// Series returns a copy of the recorded samples.
func (m *Manager) Series(met Metric, ctx Context) []Datum {
	if !met.Valid() || !ctx.Valid() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Datum(nil), m.data[ctx][met]...)
}

// Collect returns and clears the recorded samples.
func (m *Manager) Collect(met Metric, ctx Context) []Datum {
	if !met.Valid() || !ctx.Valid() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.data[ctx][met]
	delete(m.data[ctx], met)
	return out
}

// Print collects the samples and writes them to log.
func (m *Manager) Print(log *slog.Logger, stream uint32, met Metric, ctx Context) {
	for _, d := range m.Collect(met, ctx) {
		log.Info("perfdata",
			slog.Uint64("stream", uint64(stream)),
			slog.String("metric", met.String()),
			slog.String("context", ctx.String()),
			slog.String("value", d.Format(met.Type())),
			slog.String("units", met.Units()))
	}
}

// Values converts samples into the typed slice matching the metric's format.
func Values(met Metric, data []Datum) any {
	switch met.Type() {
	case TypeInt:
		out := make([]int64, len(data))
		for i, d := range data {
			out[i] = d.I
		}
		return out
	case TypeFloat:
		out := make([]float64, len(data))
		for i, d := range data {
			out[i] = d.F
		}
		return out
	default:
		out := make([]uint64, len(data))
		for i, d := range data {
			out[i] = d.U
		}
		return out
	}
}

// Datums is the inverse of Values.
func Datums(met Metric, values any) ([]Datum, error) {
	switch v := values.(type) {
	case []uint64:
		out := make([]Datum, len(v))
		for i, x := range v {
			out[i].U = x
		}
		return out, nil
	case []int64:
		out := make([]Datum, len(v))
		for i, x := range v {
			out[i].I = x
		}
		return out, nil
	case []float64:
		out := make([]Datum, len(v))
		for i, x := range v {
			out[i].F = x
		}
		return out, nil
	}
	return nil, fmt.Errorf("perfdata: %T is not a value array for %s", values, met)
}

// Results maps a rank to the samples it reported. Aggregated entries carry a
// negative rank whose magnitude is the number of ranks folded into them.
type Results map[int32][]Datum

// Split unpacks the parallel arrays of a collected packet.
func Split(met Metric, ranks, nelems []int32, values any) (Results, error) {
	data, err := Datums(met, values)
	if err != nil {
		return nil, err
	}
	if len(ranks) != len(nelems) {
		return nil, fmt.Errorf("perfdata: %d ranks but %d counts", len(ranks), len(nelems))
	}
	out := make(Results, len(ranks))
	off := 0
	for i, r := range ranks {
		n := int(nelems[i])
		if n < 0 || off+n > len(data) {
			return nil, fmt.Errorf("perfdata: rank %d claims %d values, %d left", r, n, len(data)-off)
		}
		out[r] = append([]Datum(nil), data[off:off+n]...)
		off += n
	}
	return out, nil
}

// SampleMemory records the process memory footprint under CtxNone for
// whichever of MemVirtKB and MemPhysKB is enabled.
func (m *Manager) SampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Add(MemVirtKB, CtxNone, Datum{F: float64(ms.Sys) / 1024})
	m.Add(MemPhysKB, CtxNone, Datum{F: float64(ms.HeapInuse+ms.StackInuse) / 1024})
}
