package filter

import (
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/perfdata"
)

// PerfDataParamsFormat is metric, context, aggregation filter id and the
// id of the stream whose data is collected.
const PerfDataParamsFormat = "%d %d %ud %ud"

type perfParams struct {
	metric perfdata.Metric
	ctx    perfdata.Context
	agg    ID
	stream uint32
}

func perfParamsOf(p *packet.Packet) (perfParams, bool) {
	if p == nil {
		return perfParams{}, false
	}
	var met, ctx int
	var agg, stream uint32
	if err := p.Scan(PerfDataParamsFormat, &met, &ctx, &agg, &stream); err != nil {
		return perfParams{}, false
	}
	return perfParams{
		metric: perfdata.Metric(met),
		ctx:    perfdata.Context(ctx),
		agg:    ID(agg),
		stream: stream,
	}, true
}

// perfReport is one decoded perf-data packet.
type perfReport struct {
	ranks  []int32
	nelems []int32
	data   []perfdata.Datum
}

func decodePerf(met perfdata.Metric, p *packet.Packet) (perfReport, error) {
	var r perfReport
	var vals packet.Element
	if err := p.Scan(met.Format(), &r.ranks, &r.nelems, &vals); err != nil {
		return r, err
	}
	data, err := perfdata.Datums(met, vals.Value)
	if err != nil {
		return r, err
	}
	r.data = data
	return r, nil
}

// weight is the number of ranks a report stands for.
func (r perfReport) weight() int64 {
	if len(r.ranks) > 0 && r.ranks[0] < 0 {
		return int64(-r.ranks[0])
	}
	return 1
}

// perfData merges the perf-data reports of the children with the local
// node's own samples, either elementwise or by concatenation.
func perfData(ctx *Context, in []*packet.Packet) (Output, error) {
	pp, ok := perfParamsOf(ctx.Params)
	if !ok {
		return Output{}, nil
	}
	if ctx.Env.IsLeaf() && len(in) == 1 {
		return Output{Packets: in}, nil
	}

	pkts := in
	if !ctx.Env.IsLeaf() {
		local, err := ctx.Env.CollectPerfData(pp.stream, pp.metric, pp.ctx)
		if err != nil {
			return Output{}, err
		}
		if local != nil {
			pkts = append([]*packet.Packet{local}, in...)
		}
	}

	reports := make([]perfReport, 0, len(pkts))
	for _, p := range pkts {
		r, err := decodePerf(pp.metric, p)
		if err != nil {
			return Output{}, err
		}
		reports = append(reports, r)
	}

	var ranks, nelems []int32
	var data []perfdata.Datum
	switch pp.agg {
	case TFilterSum, TFilterMin, TFilterMax, TFilterAvg:
		var total int64
		data, total = foldPerf(pp.metric.Type(), pp.agg, reports)
		ranks = []int32{int32(-total)}
		nelems = []int32{int32(len(data))}
	default:
		for _, r := range reports {
			ranks = append(ranks, r.ranks...)
			nelems = append(nelems, r.nelems...)
			data = append(data, r.data...)
		}
	}
	if ranks == nil {
		ranks, nelems = []int32{}, []int32{}
	}

	out, err := packet.New(in[0].StreamID(), in[0].Tag(), pp.metric.Format(),
		ranks, nelems, perfdata.Values(pp.metric, data))
	if err != nil {
		return Output{}, err
	}
	return Output{Packets: []*packet.Packet{out}}, nil
}

// foldPerf combines reports elementwise and returns the result with the
// total number of ranks it covers.
func foldPerf(t perfdata.Type, agg ID, reports []perfReport) ([]perfdata.Datum, int64) {
	var (
		acc   []perfdata.Datum
		seen  []bool
		total int64
	)
	for _, r := range reports {
		w := r.weight()
		total += w
		for i, d := range r.data {
			if i >= len(acc) {
				acc = append(acc, perfdata.Datum{})
				seen = append(seen, false)
			}
			op := agg
			if agg == TFilterAvg {
				d = scaleDatum(d, w)
				op = TFilterSum
			}
			acc[i] = combineDatum(t, op, acc[i], d, seen[i])
			seen[i] = true
		}
	}
	if agg == TFilterAvg && total > 0 {
		for i := range acc {
			acc[i] = divDatum(acc[i], total)
		}
	}
	return acc, total
}

func combineDatum(t perfdata.Type, agg ID, acc, v perfdata.Datum, seen bool) perfdata.Datum {
	if !seen {
		return v
	}
	switch agg {
	case TFilterMin:
		if lessDatum(t, v, acc) {
			return v
		}
		return acc
	case TFilterMax:
		if lessDatum(t, acc, v) {
			return v
		}
		return acc
	}
	return perfdata.Datum{U: acc.U + v.U, I: acc.I + v.I, F: acc.F + v.F}
}

func lessDatum(t perfdata.Type, a, b perfdata.Datum) bool {
	switch t {
	case perfdata.TypeInt:
		return a.I < b.I
	case perfdata.TypeFloat:
		return a.F < b.F
	}
	return a.U < b.U
}

func scaleDatum(d perfdata.Datum, k int64) perfdata.Datum {
	return perfdata.Datum{U: d.U * uint64(k), I: d.I * k, F: d.F * float64(k)}
}

func divDatum(d perfdata.Datum, k int64) perfdata.Datum {
	return perfdata.Datum{U: d.U / uint64(k), I: d.I / k, F: d.F / float64(k)}
}
