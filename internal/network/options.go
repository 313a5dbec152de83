package network

import (
	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/internal/topology"
)

// Option customizes a node at construction.
type Option func(*options)

type options struct {
	loader    filter.Loader
	archive   *perfdata.Archive
	launcher  Launcher
	onTopo    func(*topology.Topology)
	queueLen  int
	bindings  []filter.Binding
	listenTCP string
}

// WithLoader replaces the plugin loader used for NEW_FILTER requests.
func WithLoader(l filter.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithArchive stores collected perf data in a. The front end opens an
// in-memory archive otherwise.
func WithArchive(a *perfdata.Archive) Option {
	return func(o *options) { o.archive = a }
}

// WithLauncher sets how a relay starts its own children.
func WithLauncher(l Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithTopologyObserver calls fn with the local topology after every change.
func WithTopologyObserver(fn func(*topology.Topology)) Option {
	return func(o *options) { o.onTopo = fn }
}

// WithQueueLen bounds the receive queue of every stream.
func WithQueueLen(n int) Option {
	return func(o *options) { o.queueLen = n }
}

// WithFilter registers an extra filter binding under its fixed id on this
// node.
func WithFilter(b filter.Binding) Option {
	return func(o *options) { o.bindings = append(o.bindings, b) }
}

// WithListenAddr overrides node.listen_addr.
func WithListenAddr(addr string) Option {
	return func(o *options) { o.listenTCP = addr }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
