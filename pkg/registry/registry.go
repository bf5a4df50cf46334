// Package registry is the process-wide lookup service shared by every
// channel of a broker: the path table, the method-binding table and the
// channel table.
//
// Paths and bindings are guarded by a single lock. Channels live in a
// lock-free map since they are looked up on every response.
package registry

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/raskyld/tasklink/pkg/wire"
)

// AnyMethod binds every method of a path.
const AnyMethod uint32 = 0

type BindingType uint8

const (
	BindingLocal BindingType = iota
	BindingPeer
)

func (t BindingType) String() string {
	if t == BindingLocal {
		return "local"
	}
	return "peer"
}

// Binding maps a method of a path to whoever serves it.
type Binding struct {
	Type     BindingType
	Instance uint32
	PathHash uint64
	Method   uint32
	Format   wire.PayloadFormat
	Path     string

	// Target is the local server channel, or nil for a peer binding.
	Target any
}

func (b Binding) same(o Binding) bool {
	return b.Type == o.Type && b.Instance == o.Instance && b.Target == o.Target
}

// better reports whether b should be preferred over o. A local binding
// always wins, then the lowest peer instance.
func (b Binding) better(o Binding) bool {
	if b.Type != o.Type {
		return b.Type == BindingLocal
	}
	return b.Instance < o.Instance
}

// PathEntry is a row of the path table.
type PathEntry struct {
	Path string
	Hash uint64
}

type methodKey struct {
	format wire.PayloadFormat
	method uint32
}

type pathRecord struct {
	entry   PathEntry
	methods map[methodKey][]Binding
}

// Channel is what the channel table stores.
type Channel interface {
	ID() uint32
}

type Registry struct {
	lk     sync.RWMutex
	paths  *tree[*pathRecord]
	byHash map[uint64]*pathRecord

	channels    *haxmap.Map[uint32, Channel]
	channelLk   sync.Mutex
	nextChannel uint32

	generation atomic.Uint64
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		paths:    newTree[*pathRecord](),
		byHash:   make(map[uint64]*pathRecord),
		channels: haxmap.New[uint32, Channel](),
		logger:   logger,
	}
}

// Generation is bumped on every change of the binding table. A holder of
// a cached resolution re-resolves once the generation moved.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// Bind adds a binding. Binding the same target twice is a no-op.
func (r *Registry) Bind(b Binding) error {
	if b.PathHash == 0 && b.Path == "" {
		return fmt.Errorf("%w: no path", ErrInvalidBinding)
	}
	if b.Path != "" {
		hash := wire.PathHash(b.Path)
		if b.PathHash == 0 {
			b.PathHash = hash
		} else if b.PathHash != hash {
			return fmt.Errorf("%w: %q", ErrPathMismatch, b.Path)
		}
	}
	if b.Type == BindingLocal && b.Target == nil {
		return fmt.Errorf("%w: local binding without target", ErrInvalidBinding)
	}

	r.lk.Lock()
	defer r.lk.Unlock()

	rec := r.byHash[b.PathHash]
	if rec == nil {
		rec = &pathRecord{
			entry:   PathEntry{Path: b.Path, Hash: b.PathHash},
			methods: make(map[methodKey][]Binding),
		}
		r.byHash[b.PathHash] = rec
		if b.Path != "" {
			r.paths.insert(b.Path, rec)
		}
	} else if rec.entry.Path == "" && b.Path != "" {
		rec.entry.Path = b.Path
		r.paths.insert(b.Path, rec)
	}

	key := methodKey{format: b.Format, method: b.Method}
	for _, existing := range rec.methods[key] {
		if existing.same(b) {
			return nil
		}
		if existing.Type == BindingLocal && b.Type == BindingLocal {
			return fmt.Errorf("%w: %s method %d", ErrAlreadyBound, rec.entry.Path, b.Method)
		}
	}
	rec.methods[key] = append(rec.methods[key], b)
	r.generation.Add(1)

	r.logger.Debug(
		"registry: method bound",
		"path", b.Path,
		"method", b.Method,
		"binding", b.Type.String(),
		"peer_instance", b.Instance,
	)
	return nil
}

// Unbind removes every binding matching fn and returns them.
func (r *Registry) Unbind(fn func(Binding) bool) []Binding {
	r.lk.Lock()
	defer r.lk.Unlock()

	var removed []Binding
	for hash, rec := range r.byHash {
		for key, bindings := range rec.methods {
			kept := bindings[:0]
			for _, b := range bindings {
				if fn(b) {
					removed = append(removed, b)
				} else {
					kept = append(kept, b)
				}
			}
			if len(kept) == 0 {
				delete(rec.methods, key)
			} else {
				rec.methods[key] = kept
			}
		}
		if len(rec.methods) == 0 {
			delete(r.byHash, hash)
			if rec.entry.Path != "" {
				r.paths.delete(rec.entry.Path)
			}
		}
	}
	if len(removed) > 0 {
		r.generation.Add(1)
	}
	return removed
}

// UnbindTarget drops every local binding served by target.
func (r *Registry) UnbindTarget(target any) []Binding {
	return r.Unbind(func(b Binding) bool {
		return b.Type == BindingLocal && b.Target == target
	})
}

// UnbindInstance drops every binding advertised by a peer broker.
func (r *Registry) UnbindInstance(instance uint32) []Binding {
	return r.Unbind(func(b Binding) bool {
		return b.Type == BindingPeer && b.Instance == instance
	})
}

// Lookup resolves a method of a destination. The error tells apart a
// destination we know of but whose method is not bound ([ErrNoMethod])
// from one nothing serves ([ErrNoPeer]).
func (r *Registry) Lookup(pathHash uint64, format wire.PayloadFormat, method uint32) (Binding, error) {
	if pathHash == 0 {
		return Binding{}, ErrNoDestination
	}

	r.lk.RLock()
	defer r.lk.RUnlock()

	rec := r.byHash[pathHash]
	if rec == nil {
		return Binding{}, ErrNoPeer
	}
	candidates := rec.methods[methodKey{format: format, method: method}]
	if len(candidates) == 0 {
		candidates = rec.methods[methodKey{format: format, method: AnyMethod}]
	}
	if len(candidates) == 0 {
		return Binding{}, ErrNoMethod
	}
	best := candidates[0]
	for _, b := range candidates[1:] {
		if b.better(best) {
			best = b
		}
	}
	return best, nil
}

// Path returns the path table row of a hash.
func (r *Registry) Path(pathHash uint64) (PathEntry, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	rec, ok := r.byHash[pathHash]
	if !ok {
		return PathEntry{}, false
	}
	return rec.entry, true
}

// ScanPaths lists the known paths under prefix, in lexical order.
func (r *Registry) ScanPaths(prefix string) []PathEntry {
	r.lk.RLock()
	defer r.lk.RUnlock()
	var out []PathEntry
	for _, rec := range r.paths.walkPrefix(prefix) {
		out = append(out, rec.entry)
	}
	return out
}

// Bindings yields a snapshot of the bindings matching fn.
func (r *Registry) Bindings(fn func(Binding) bool) iter.Seq[Binding] {
	r.lk.RLock()
	var snapshot []Binding
	for _, rec := range r.byHash {
		for _, bindings := range rec.methods {
			for _, b := range bindings {
				if fn == nil || fn(b) {
					snapshot = append(snapshot, b)
				}
			}
		}
	}
	r.lk.RUnlock()

	slices.SortFunc(snapshot, func(a, b Binding) int {
		switch {
		case a.PathHash < b.PathHash:
			return -1
		case a.PathHash > b.PathHash:
			return 1
		default:
			return int(a.Method) - int(b.Method)
		}
	})
	return slices.Values(snapshot)
}

// AddChannel allocates a channel id, never 0, and registers the channel
// built by mk under it. Ids are handed out round-robin so a released id is
// reused as late as possible.
func (r *Registry) AddChannel(mk func(id uint32) (Channel, error)) (Channel, error) {
	r.channelLk.Lock()
	defer r.channelLk.Unlock()

	for range wire.MaxChannelID {
		r.nextChannel++
		if r.nextChannel > wire.MaxChannelID {
			r.nextChannel = 1
		}
		id := r.nextChannel
		if _, used := r.channels.Get(id); used {
			continue
		}
		ch, err := mk(id)
		if err != nil {
			return nil, err
		}
		r.channels.Set(id, ch)
		return ch, nil
	}
	return nil, ErrNoChannelID
}

func (r *Registry) Channel(id uint32) (Channel, bool) {
	return r.channels.Get(id)
}

func (r *Registry) RemoveChannel(id uint32) {
	r.channels.Del(id)
}

// Channels yields every registered channel.
func (r *Registry) Channels() iter.Seq[Channel] {
	return func(yield func(Channel) bool) {
		r.channels.ForEach(func(_ uint32, ch Channel) bool {
			return yield(ch)
		})
	}
}

func (r *Registry) NumChannels() int {
	return int(r.channels.Len())
}
