package filter

import (
	"fmt"
	"plugin"
	"sync"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Loader resolves a dynamically provided filter.
type Loader interface {
	Load(so, fn string) (Binding, error)
}

// PluginLoader loads filters from Go plugins. The plugin must export fn as a
// Func (or *Func), may export fn+"Format" as a string naming the accepted
// input format, and fn+"State" as a StateFunc.
type PluginLoader struct{}

func (PluginLoader) Load(so, fn string) (Binding, error) {
	p, err := plugin.Open(so)
	if err != nil {
		return Binding{}, err
	}
	sym, err := p.Lookup(fn)
	if err != nil {
		return Binding{}, err
	}
	b := Binding{Name: fn, Kind: KindTransform}
	switch f := sym.(type) {
	case func(*Context, []*packet.Packet) (Output, error):
		b.Func = f
	case *Func:
		b.Func = *f
	default:
		return Binding{}, fmt.Errorf("symbol %s has type %T", fn, sym)
	}
	if s, err := p.Lookup(fn + "Format"); err == nil {
		if fs, ok := s.(*string); ok {
			b.Format = *fs
		}
	}
	if s, err := p.Lookup(fn + "State"); err == nil {
		switch sf := s.(type) {
		case func(*Context) (*packet.Packet, error):
			b.State = sf
		case *StateFunc:
			b.State = *sf
		}
	}
	return b, nil
}

type loadKey struct{ so, fn string }

// Registry maps filter ids to bindings. Built-ins are registered by
// NewRegistry; user filters are added by Load or LoadAs.
type Registry struct {
	mu     sync.RWMutex
	byID   map[ID]*Binding
	loaded map[loadKey]ID
	next   ID
	loader Loader
	host   string
}

// NewRegistry returns a registry holding the built-in filters. host names
// this node in load failures.
func NewRegistry(loader Loader, host string) *Registry {
	if loader == nil {
		loader = PluginLoader{}
	}
	r := &Registry{
		byID:   make(map[ID]*Binding),
		loaded: make(map[loadKey]ID),
		next:   FirstUserFilterID,
		loader: loader,
		host:   host,
	}
	for _, b := range builtins() {
		b := b
		r.byID[b.ID] = &b
	}
	return r
}

// Register adds b under b.ID.
func (r *Registry) Register(b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[b.ID]; ok {
		return fmt.Errorf("filter id %d already registered", b.ID)
	}
	r.byID[b.ID] = &b
	if b.ID >= r.next {
		r.next = b.ID + 1
	}
	return nil
}

func (r *Registry) Lookup(id ID) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// New creates an instance of filter id.
func (r *Registry) New(id ID) (*Instance, error) {
	b, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", terrors.ErrUnknownFilter, id)
	}
	return newInstance(b), nil
}

// Load resolves fn in so and assigns it the next free user id. Loading the
// same pair twice returns the original id.
func (r *Registry) Load(so, fn string) (ID, error) {
	r.mu.Lock()
	if id, ok := r.loaded[loadKey{so, fn}]; ok {
		r.mu.Unlock()
		return id, nil
	}
	id := r.next
	r.next++
	r.mu.Unlock()

	if err := r.LoadAs(id, so, fn); err != nil {
		return 0, err
	}
	return id, nil
}

// Reserve hands out the next free user id without binding it.
func (r *Registry) Reserve() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	return id
}

// Placeholder registers a pass-through binding under id, so that streams
// naming a filter that failed to load still form.
func (r *Registry) Placeholder(id ID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return
	}
	r.byID[id] = &Binding{ID: id, Name: name, Kind: KindTransform}
	if id >= r.next {
		r.next = id + 1
	}
}

// LoadAs resolves fn in so and registers it under id, as chosen by the
// front end.
func (r *Registry) LoadAs(id ID, so, fn string) error {
	r.mu.RLock()
	prev, ok := r.loaded[loadKey{so, fn}]
	r.mu.RUnlock()
	if ok && prev == id {
		return nil
	}

	b, err := r.loader.Load(so, fn)
	if err != nil {
		return &LoadError{Host: r.host, SO: so, Func: fn, Err: err}
	}
	b.ID = id
	if b.Name == "" {
		b.Name = fn
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = &b
	r.loaded[loadKey{so, fn}] = id
	if id >= r.next {
		r.next = id + 1
	}
	return nil
}

// LoadError reports a failed dynamic load. It matches ErrFilterLoad.
type LoadError struct {
	Host string
	SO   string
	Func string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s: load %s from %s: %v", terrors.ErrFilterLoad, e.Host, e.Func, e.SO, e.Err)
}

func (e *LoadError) Unwrap() []error { return []error{terrors.ErrFilterLoad, e.Err} }
