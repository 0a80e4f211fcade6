// Package registry tracks live printer connections keyed by MAC address or
// host:port, with at most one live handle per key.
//
// Every method is safe for concurrent use. Operations on the same key are
// serialized; operations on different keys run in parallel. Transport
// failures are logged and returned as errors wrapping one of the package
// sentinels.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handle is one open socket. Close must be idempotent.
type Handle interface {
	Send(data []byte) error
	Alive() bool
	Close() error
}

// Transport opens handles for one Kind. Open may block.
type Transport interface {
	Kind() Kind
	Open(ctx context.Context, ep Endpoint) (Handle, error)
}

// Connection is the registry's record for one key.
type Connection struct {
	Key    Key
	Kind   Kind
	Handle Handle
	Opened time.Time
}

// Registry owns the key -> Connection map.
type Registry struct {
	log        logrus.FieldLogger
	policy     Policy
	transports map[Kind]Transport
	keys       *keyLock

	mu     sync.Mutex
	conns  map[Key]*Connection
	closed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy sets the default connect policy.
func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithLogger sets the logger. Defaults to logrus' standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Registry) { r.log = l }
}

// WithTransport registers a transport for its Kind.
func WithTransport(t Transport) Option {
	return func(r *Registry) { r.transports[t.Kind()] = t }
}

// New returns an empty registry using ReplaceExisting unless WithPolicy says
// otherwise. Kinds without a transport are unsupported.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:        logrus.StandardLogger(),
		policy:     ReplaceExisting,
		transports: make(map[Kind]Transport),
		keys:       newKeyLock(),
		conns:      make(map[Key]*Connection),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.WithField("component", "registry")
	return r
}

// Supports reports whether a transport is registered for kind.
func (r *Registry) Supports(kind Kind) bool {
	_, ok := r.transports[kind]
	return ok
}

// Transports lists the registered kinds in a stable order.
func (r *Registry) Transports() []Kind {
	out := make([]Kind, 0, len(r.transports))
	for k := range r.transports {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Policy returns the default connect policy.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Connect opens ep using the registry's default policy.
func (r *Registry) Connect(ctx context.Context, ep Endpoint) error {
	return r.ConnectWithPolicy(ctx, ep, r.policy)
}

// ConnectWithPolicy opens ep and stores the handle under ep.Key().
func (r *Registry) ConnectWithPolicy(ctx context.Context, ep Endpoint, policy Policy) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	t, ok := r.transports[ep.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupported, ep.Kind)
	}

	key := ep.Key()
	unlock := r.keys.lock(key)
	defer unlock()

	log := r.log.WithFields(logrus.Fields{"key": key, "kind": ep.Kind, "policy": policy})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	existing := r.conns[key]
	r.mu.Unlock()

	if existing != nil {
		alive := existing.Handle.Alive()
		switch {
		case policy == ReuseExisting && alive:
			log.Debug("reusing live connection")
			return nil
		case policy == RejectIfPresent && alive:
			return fmt.Errorf("%w: %s", ErrAlreadyConnected, key)
		}
		log.WithField("alive", alive).Debug("closing existing connection before reconnect")
		r.remove(key, existing)
	}

	start := time.Now()
	h, err := t.Open(ctx, ep)
	if err != nil {
		log.WithError(err).Warn("connect failed")
		return fmt.Errorf("%w: %s: %w", ErrConnect, key, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		closeHandle(log, h)
		return ErrClosed
	}
	r.conns[key] = &Connection{Key: key, Kind: ep.Kind, Handle: h, Opened: time.Now()}
	r.mu.Unlock()

	log.WithField("took", time.Since(start).Round(time.Millisecond)).Info("connected")
	return nil
}

// Write sends data to the connection stored under key in a single Send.
func (r *Registry) Write(key Key, data []byte) error {
	unlock := r.keys.lock(key)
	defer unlock()

	c := r.lookup(key)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, key)
	}
	if err := c.Handle.Send(data); err != nil {
		r.log.WithField("key", key).WithError(err).Warn("write failed")
		return fmt.Errorf("%w: %s: %w", ErrWrite, key, err)
	}
	r.log.WithFields(logrus.Fields{"key": key, "bytes": len(data)}).Debug("wrote")
	return nil
}

// Disconnect removes key and closes its handle. It never fails.
func (r *Registry) Disconnect(key Key) {
	unlock := r.keys.lock(key)
	defer unlock()

	if c := r.lookup(key); c != nil {
		r.remove(key, c)
		r.log.WithField("key", key).Info("disconnected")
	}
}

// IsConnected is false for unknown keys and otherwise the handle's liveness.
func (r *Registry) IsConnected(key Key) bool {
	c := r.lookup(key)
	if c == nil {
		return false
	}
	return c.Handle.Alive()
}

// ListConnected returns the sorted keys of kind whose handle reports alive.
// An empty kind matches every transport.
func (r *Registry) ListConnected(kind Kind) []Key {
	out := []Key{}
	for _, c := range r.snapshot(kind) {
		if c.Handle.Alive() {
			out = append(out, c.Key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DisconnectAll disconnects every tracked key of the given kinds, or every
// key when no kind is given. A failing close does not stop the sweep.
func (r *Registry) DisconnectAll(kinds ...Kind) {
	var conns []*Connection
	if len(kinds) == 0 {
		conns = r.snapshot("")
	}
	for _, k := range kinds {
		conns = append(conns, r.snapshot(k)...)
	}
	for _, c := range conns {
		r.Disconnect(c.Key)
	}
}

// Close disconnects everything. Later Connect calls return ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.DisconnectAll()
}

func (r *Registry) lookup(key Key) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[key]
}

func (r *Registry) snapshot(kind Kind) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// remove drops c from the map if it is still the entry for key, then closes
// it. Callers hold the key lock.
func (r *Registry) remove(key Key, c *Connection) {
	r.mu.Lock()
	if r.conns[key] == c {
		delete(r.conns, key)
	}
	r.mu.Unlock()
	closeHandle(r.log.WithField("key", key), c.Handle)
}

func closeHandle(log logrus.FieldLogger, h Handle) {
	if err := h.Close(); err != nil {
		log.WithError(err).Warn("close failed")
	}
}
