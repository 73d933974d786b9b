package transport

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/homegate/internal/protocol"
)

const defaultDialTimeout = 5 * time.Second

// Logger defines the logging interface used by the pool and drivers.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives connection lifecycle notifications, e.g. for metrics.
// Methods are called synchronously and must not block.
type Observer interface {
	Connected(protocol string)
	DialFailed(protocol string)
	Dropped(protocol, reason string)
}

type noopObserver struct{}

func (noopObserver) Connected(string)       {}
func (noopObserver) DialFailed(string)      {}
func (noopObserver) Dropped(string, string) {}

type key struct {
	protocol string
	remote   string
}

func (k key) String() string { return k.protocol + "|" + k.remote }

// Options configures a Pool.
type Options struct {
	// DialTimeout bounds each dial. Zero means 5s.
	DialTimeout time.Duration
	// IdleTimeout closes connections with no calls for this long. Zero
	// disables eviction.
	IdleTimeout time.Duration
	Logger      Logger
	Observer    Observer
}

// Pool owns at most one live connection per (protocol, remote) pair.
//
// Connections are dialled lazily by Acquire; concurrent first acquires for
// the same pair share a single dial. The pool never retries on its own:
// callers that detect a broken connection call Invalidate and acquire
// again.
//
// All public methods are thread-safe. The pool mutex only guards the
// handle map; dials and I/O never run under it.
type Pool struct {
	dialTimeout time.Duration
	idleTimeout time.Duration
	logger      Logger
	observer    Observer

	driversMu sync.RWMutex
	drivers   map[string]Driver

	mu      sync.Mutex
	handles map[key]*Handle
	closed  bool

	dials    singleflight.Group
	connects atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a pool serving drivers. If opts.IdleTimeout is set a
// janitor goroutine runs until Close.
func NewPool(opts Options, drivers ...Driver) (*Pool, error) {
	p := &Pool{
		dialTimeout: cmp.Or(opts.DialTimeout, defaultDialTimeout),
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		observer:    opts.Observer,
		drivers:     make(map[string]Driver),
		handles:     make(map[key]*Handle),
		stop:        make(chan struct{}),
	}
	if p.logger == nil {
		p.logger = noopLogger{}
	}
	if p.observer == nil {
		p.observer = noopObserver{}
	}
	for _, d := range drivers {
		if err := p.RegisterDriver(d); err != nil {
			return nil, err
		}
	}

	if p.idleTimeout > 0 {
		p.wg.Add(1)
		go p.janitor()
	}
	return p, nil
}

// RegisterDriver adds d under its protocol name.
func (p *Pool) RegisterDriver(d Driver) error {
	name := protocol.Key(d.Protocol().Name)
	p.driversMu.Lock()
	defer p.driversMu.Unlock()
	if _, ok := p.drivers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDriverExists, d.Protocol().Name)
	}
	p.drivers[name] = d
	return nil
}

// Drivers returns the registered drivers ordered by protocol name.
func (p *Pool) Drivers() []Driver {
	p.driversMu.RLock()
	defer p.driversMu.RUnlock()
	out := make([]Driver, 0, len(p.drivers))
	for _, d := range p.drivers {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Driver) int { return cmp.Compare(a.Protocol().Name, b.Protocol().Name) })
	return out
}

func (p *Pool) driver(proto string) (Driver, bool) {
	p.driversMu.RLock()
	defer p.driversMu.RUnlock()
	d, ok := p.drivers[protocol.Key(proto)]
	return d, ok
}

// Acquire returns the live handle for (proto, remote), dialling if there is
// none. A caller whose ctx ends while a dial is running gets ctx's error;
// the dial itself completes (bounded by the dial timeout) so other waiters
// still benefit from it.
func (p *Pool) Acquire(ctx context.Context, proto, remote string) (*Handle, error) {
	k := key{protocol: protocol.Key(proto), remote: remote}

	// Fast path: a live handle.
	if h, err := p.lookup(k); h != nil || err != nil {
		return h, err
	}

	d, ok := p.driver(proto)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDriver, proto)
	}

	// Concurrent misses for the same key share one dial.
	ch := p.dials.DoChan(k.String(), func() (any, error) {
		return p.dial(ctx, k, d, remote)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: acquiring %s %s: %w", proto, remote, ctx.Err())
	}
}

func (p *Pool) lookup(k key) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if h := p.handles[k]; h != nil && h.Err() == nil {
		return h, nil
	}
	return nil, nil
}

func (p *Pool) dial(ctx context.Context, k key, d Driver, remote string) (*Handle, error) {
	// Another flight may have installed a handle between lookup and now.
	if h, err := p.lookup(k); h != nil || err != nil {
		return h, err
	}

	name := d.Protocol().Name
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout)
	defer cancel()

	start := time.Now()
	conn, err := d.Dial(dctx, remote)
	if err != nil {
		p.observer.DialFailed(name)
		p.logger.Warn("dial failed", "protocol", name, "remote", remote, "error", err)
		return nil, &ConnectError{Protocol: name, Remote: remote, Cause: err}
	}

	h := newHandle(k, name, remote, conn)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close() //nolint:errcheck // pool shut down during dial
		return nil, ErrPoolClosed
	}
	p.handles[k] = h
	p.mu.Unlock()

	p.connects.Add(1)
	p.observer.Connected(name)
	p.logger.Info("connected", "protocol", name, "remote", remote,
		"multiplexed", h.Multiplexed(), "took", time.Since(start))
	return h, nil
}

// Invalidate drops h from the pool and closes its connection. It is a no-op
// for the map if h has already been replaced. In-flight calls on h fail
// with ErrDisconnected.
func (p *Pool) Invalidate(h *Handle, cause error) {
	p.mu.Lock()
	if p.handles[h.key] == h {
		delete(p.handles, h.key)
	}
	p.mu.Unlock()

	if !h.kill(cause) {
		return
	}
	p.observer.Dropped(h.protocol, "invalidated")
	p.logger.Warn("connection invalidated", "protocol", h.protocol, "remote", h.remote, "cause", cause)
}

// ConnectCount returns the number of successful dials since the pool was
// created.
func (p *Pool) ConnectCount() uint64 {
	return p.connects.Load()
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	Protocol    string    `json:"protocol"`
	Remote      string    `json:"remote"`
	Multiplexed bool      `json:"multiplexed"`
	InFlight    int       `json:"in_flight"`
	Sends       uint64    `json:"sends"`
	ConnectedAt time.Time `json:"connected_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Stats summarises the pool.
type Stats struct {
	Connects    uint64     `json:"connects"`
	Connections []ConnInfo `json:"connections"`
}

// Stats returns a snapshot of live connections ordered by protocol and remote.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	infos := make([]ConnInfo, 0, len(p.handles))
	for _, h := range p.handles {
		infos = append(infos, ConnInfo{
			Protocol:    h.protocol,
			Remote:      h.remote,
			Multiplexed: h.Multiplexed(),
			InFlight:    int(h.inflight.Load()),
			Sends:       h.sends.Load(),
			ConnectedAt: h.created,
			LastUsed:    h.idleSince(),
		})
	}
	p.mu.Unlock()

	slices.SortFunc(infos, func(a, b ConnInfo) int {
		return cmp.Or(cmp.Compare(a.Protocol, b.Protocol), cmp.Compare(a.Remote, b.Remote))
	})
	return Stats{Connects: p.ConnectCount(), Connections: infos}
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *Pool) janitor() {
	defer p.wg.Done()

	interval := max(p.idleTimeout/2, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictIdle(time.Now())
		}
	}
}

func (p *Pool) evictIdle(now time.Time) {
	var idle []*Handle
	p.mu.Lock()
	for k, h := range p.handles {
		if h.inflight.Load() == 0 && now.Sub(h.idleSince()) >= p.idleTimeout {
			delete(p.handles, k)
			idle = append(idle, h)
		}
	}
	p.mu.Unlock()

	for _, h := range idle {
		if !h.kill(errIdle) {
			continue
		}
		p.observer.Dropped(h.protocol, "idle")
		p.logger.Debug("idle connection closed", "protocol", h.protocol, "remote", h.remote)
	}
}

// Close closes every connection and stops the janitor. Acquire fails with
// ErrPoolClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	clear(p.handles)
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	for _, h := range handles {
		if h.kill(ErrPoolClosed) {
			p.observer.Dropped(h.protocol, "shutdown")
		}
	}
	return nil
}
