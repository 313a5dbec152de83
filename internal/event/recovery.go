package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// State is the progress of a parent-failure recovery.
type State int

const (
	StateIdle State = iota
	StateDetecting
	StateSelecting
	StateReconnecting
	StateResyncing
	StateReparented
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateSelecting:
		return "selecting-new-parent"
	case StateReconnecting:
		return "reconnecting"
	case StateResyncing:
		return "re-synchronizing"
	case StateReparented:
		return "reparented"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reparenter carries out the node-side steps of a recovery.
type Reparenter interface {
	MarkFailed(old packet.Rank)
	FindNewParent(attempt int) (packet.Rank, error)
	// Reconnect opens fresh data and event connections to parent.
	Reconnect(ctx context.Context, parent packet.Rank) error
	// Resync sends every stream's filter state to the new parent.
	Resync(ctx context.Context) error
	// Reparent applies the new edge to the local topology.
	Reparent(old, parent packet.Rank) error
	// Announce tells the subtree below where it now hangs.
	Announce(ctx context.Context, old, parent packet.Rank) error
}

type RecoveryConfig struct {
	// Attempts bounds reconnection attempts; 0 means try every candidate.
	Attempts int
	// Rate and Burst throttle reconnection attempts.
	Rate  rate.Limit
	Burst int
}

// Recovery drives one node through parent-failure recovery.
type Recovery struct {
	r       Reparenter
	cfg     RecoveryConfig
	limiter *rate.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	state   State
	onState func(State)
}

func NewRecovery(r Reparenter, cfg RecoveryConfig, log *slog.Logger) *Recovery {
	if cfg.Rate <= 0 {
		cfg.Rate = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Recovery{
		r:       r,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		log:     log.With(slog.String("component", "recovery")),
	}
}

// OnState installs a callback invoked on every state transition.
func (rc *Recovery) OnState(fn func(State)) {
	rc.mu.Lock()
	rc.onState = fn
	rc.mu.Unlock()
}

func (rc *Recovery) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *Recovery) set(s State) {
	rc.mu.Lock()
	rc.state = s
	fn := rc.onState
	rc.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Run recovers from the loss of parent old and returns the new parent.
func (rc *Recovery) Run(ctx context.Context, old packet.Rank) (packet.Rank, error) {
	rc.set(StateDetecting)
	rc.r.MarkFailed(old)

	for attempt := 0; rc.cfg.Attempts <= 0 || attempt < rc.cfg.Attempts; attempt++ {
		rc.set(StateSelecting)
		parent, err := rc.r.FindNewParent(attempt)
		if err != nil {
			return rc.fail(old, err)
		}
		if err := rc.limiter.Wait(ctx); err != nil {
			return rc.fail(old, err)
		}

		rc.set(StateReconnecting)
		if err := rc.r.Reconnect(ctx, parent); err != nil {
			rc.log.Warn("reconnect failed", "candidate", parent, "attempt", attempt, "error", err)
			continue
		}

		rc.set(StateResyncing)
		if err := rc.r.Resync(ctx); err != nil {
			return rc.fail(old, terrors.Wrap(err, "recovery", "Run", "resync"))
		}
		if err := rc.r.Reparent(old, parent); err != nil {
			return rc.fail(old, terrors.Wrap(err, "recovery", "Run", "reparent"))
		}
		if err := rc.r.Announce(ctx, old, parent); err != nil {
			return rc.fail(old, terrors.Wrap(err, "recovery", "Run", "announce"))
		}
		rc.set(StateReparented)
		rc.log.Info("reparented", "failed_parent", old, "new_parent", parent, "attempts", attempt+1)
		return parent, nil
	}
	return rc.fail(old, fmt.Errorf("%w after %d attempts", terrors.ErrNoNewParent, rc.cfg.Attempts))
}

func (rc *Recovery) fail(old packet.Rank, err error) (packet.Rank, error) {
	rc.set(StateFailed)
	rc.log.Error("recovery failed", "failed_parent", old, "error", err)
	return packet.UnknownRank, err
}
