// Package workload drives a simple reduction over a running tree: the front
// end multicasts a round number, every back-end answers with the round
// plus its rank and the tree sums the answers on the way up.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/network"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/perfdata"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Tag marks round packets in both directions.
const Tag = packet.FirstApplicationTag

const roundFormat = "%d"

// Respond answers every round packet delivered to n until the network
// closes or ctx ends.
func Respond(ctx context.Context, n *network.Network) error {
	for {
		st, p, err := n.RecvAny(ctx)
		if err != nil {
			if errors.Is(err, terrors.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if p.Tag() != Tag {
			continue
		}
		var round int
		if err := p.Scan(roundFormat, &round); err != nil {
			n.Logger().Warn("malformed round packet", "stream", st.ID(), "error", err)
			continue
		}
		if err := st.Send(Tag, roundFormat, round+int(n.Rank())); err != nil {
			return fmt.Errorf("rank %d: reply to round %d: %w", n.Rank(), round, err)
		}
	}
}

type Options struct {
	Rounds   int
	Interval time.Duration
	// PerfData records packet counts on the back-ends and collects them
	// once the rounds are done.
	PerfData bool
}

// Round is the outcome of one reduction.
type Round struct {
	N       int
	Sum     int
	Elapsed time.Duration
}

// Result holds every round and, with Options.PerfData, the packets each
// back-end sent.
type Result struct {
	Rounds []Round
	Perf   perfdata.Results
}

// Run performs opts.Rounds reductions over every back-end of fe.
func Run(ctx context.Context, fe *network.Network, opts Options, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = fe.Logger()
	}
	st, err := fe.NewStream(ctx, fe.Broadcast(), filter.TFilterSum, filter.SFilterWaitForAll, filter.TFilterNull)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if opts.PerfData {
		if err := fe.EnablePerfData(st.ID(), perfdata.NumPackets, perfdata.CtxSend); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for i := 0; i < opts.Rounds; i++ {
		if i > 0 && opts.Interval > 0 {
			select {
			case <-time.After(opts.Interval):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
		start := time.Now()
		if err := st.Send(Tag, roundFormat, i); err != nil {
			return res, err
		}
		p, err := st.Recv(ctx)
		if err != nil {
			return res, err
		}
		var sum int
		if err := p.Scan(roundFormat, &sum); err != nil {
			return res, err
		}
		r := Round{N: i, Sum: sum, Elapsed: time.Since(start)}
		res.Rounds = append(res.Rounds, r)
		log.Info("round complete", "round", r.N, "sum", r.Sum, "elapsed", r.Elapsed)
	}

	if opts.PerfData {
		perf, err := fe.CollectPerfData(ctx, st.ID(), perfdata.NumPackets, perfdata.CtxSend, filter.TFilterNull)
		if err != nil {
			return res, fmt.Errorf("collect perf data: %w", err)
		}
		res.Perf = perf
		for rank, data := range perf {
			log.Info("packets sent", "stream", st.ID(), "rank", rank, "count", perfdata.Values(perfdata.NumPackets, data))
		}
	}
	return res, nil
}

// Expected is the sum a round yields over back-ends of the given ranks.
func Expected(round int, backends []packet.Rank) int {
	sum := 0
	for _, r := range backends {
		sum += round + int(r)
	}
	return sum
}
