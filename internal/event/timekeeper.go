package event

import (
	"slices"
	"sync"
	"time"
)

// TimeKeeper tracks one pending deadline per stream for timeout-driven
// sync filters.
type TimeKeeper struct {
	mu        sync.Mutex
	deadlines map[uint32]time.Time
	now       func() time.Time
	changed   chan struct{}
}

func NewTimeKeeper() *TimeKeeper {
	return &TimeKeeper{
		deadlines: make(map[uint32]time.Time),
		now:       time.Now,
		changed:   make(chan struct{}, 1),
	}
}

// Register arms a deadline d from now for stream. It returns false, leaving
// the existing deadline alone, when one is already armed.
func (tk *TimeKeeper) Register(stream uint32, d time.Duration) bool {
	tk.mu.Lock()
	if _, ok := tk.deadlines[stream]; ok {
		tk.mu.Unlock()
		return false
	}
	tk.deadlines[stream] = tk.now().Add(d)
	tk.mu.Unlock()
	tk.notify()
	return true
}

func (tk *TimeKeeper) Clear(stream uint32) {
	tk.mu.Lock()
	_, ok := tk.deadlines[stream]
	delete(tk.deadlines, stream)
	tk.mu.Unlock()
	if ok {
		tk.notify()
	}
}

// Next returns the earliest armed deadline.
func (tk *TimeKeeper) Next() (time.Time, bool) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	var next time.Time
	for _, d := range tk.deadlines {
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return next, !next.IsZero()
}

// Expired disarms and returns the streams whose deadline is not after now.
func (tk *TimeKeeper) Expired(now time.Time) []uint32 {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	var out []uint32
	for s, d := range tk.deadlines {
		if !d.After(now) {
			out = append(out, s)
			delete(tk.deadlines, s)
		}
	}
	slices.Sort(out)
	return out
}

// Changed fires after the set of deadlines changed.
func (tk *TimeKeeper) Changed() <-chan struct{} { return tk.changed }

func (tk *TimeKeeper) notify() {
	select {
	case tk.changed <- struct{}{}:
	default:
	}
}
