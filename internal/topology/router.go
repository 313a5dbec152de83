package topology

import (
	"slices"
	"sync"
)

// RouteResult is the routing decision for one destination rank.
type RouteResult struct {
	// Local is set when the rank is the router's own.
	Local bool
	// Outlet is the child through which the rank is reached.
	Outlet Rank
	Found  bool
}

// Router maps every descendant of the local node to the child rank it is
// reached through. It is rebuilt from a Topology after each change.
type Router struct {
	mu     sync.RWMutex
	local  Rank
	routes map[Rank]Rank
}

func NewRouter(local Rank) *Router {
	return &Router{local: local, routes: make(map[Rank]Rank)}
}

func (r *Router) Local() Rank { return r.local }

// Rebuild recomputes the table from t. Ranks not attached below the local
// node are dropped.
func (r *Router) Rebuild(t *Topology) {
	routes := make(map[Rank]Rank)
	t.mu.RLock()
	if n, ok := t.nodes[r.local]; ok {
		for _, c := range n.Children {
			t.walk(c, func(d *Node) { routes[d.Rank] = c })
		}
	}
	t.mu.RUnlock()

	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()
}

func (r *Router) Route(rank Rank) RouteResult {
	if rank == r.local {
		return RouteResult{Local: true, Found: true}
	}
	r.mu.RLock()
	out, ok := r.routes[rank]
	r.mu.RUnlock()
	if !ok {
		return RouteResult{}
	}
	return RouteResult{Outlet: out, Found: true}
}

// Partition groups ranks by outlet child. The local rank is grouped under
// itself. Ranks with no route are returned in missing.
func (r *Router) Partition(ranks []Rank) (map[Rank][]Rank, []Rank) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Rank][]Rank)
	var missing []Rank
	for _, rank := range ranks {
		if rank == r.local {
			out[r.local] = append(out[r.local], rank)
			continue
		}
		c, ok := r.routes[rank]
		if !ok {
			missing = append(missing, rank)
			continue
		}
		out[c] = append(out[c], rank)
	}
	return out, missing
}

// Outlets returns the distinct child ranks that ranks resolve to, sorted.
func (r *Router) Outlets(ranks []Rank) []Rank {
	groups, _ := r.Partition(ranks)
	out := make([]Rank, 0, len(groups))
	for c := range groups {
		if c != r.local {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// Routes returns a copy of the table.
func (r *Router) Routes() map[Rank]Rank {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Rank]Rank, len(r.routes))
	for k, v := range r.routes {
		out[k] = v
	}
	return out
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
