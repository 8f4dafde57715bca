package listeners

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomyedwab/shellhost/shellhost/shell"
)

// Recorder receives listener events for the audit log.
type Recorder interface {
	LogListenerStarted(tenant, address string) error
	LogListenerJoined(tenant, address string) error
}

// Options configures a Multiplexer.
type Options struct {
	// Handler serves every request on every listener.
	Handler http.Handler
	Logger  *slog.Logger
	Audit   Recorder
	// BaseContext, when set, provides the base context of each accepted
	// connection. The listener and bind address are added on top of it.
	BaseContext func(net.Listener) context.Context
	// Listen opens a socket. Defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)
}

// Multiplexer hands out listeners by identity and keeps the bind table that
// maps each host:port to the listener owning it.
type Multiplexer struct {
	handler     http.Handler
	logger      *slog.Logger
	audit       Recorder
	baseContext func(net.Listener) context.Context
	listen      func(network, address string) (net.Listener, error)

	mu      sync.Mutex
	plain   *Listener
	secure  map[string]*Listener
	order   []*Listener
	owners  map[string]*Listener // bind table: normalized host:port -> owner
	sharing map[string][]string  // secure identity key -> tenant names
}

// NewMultiplexer creates a multiplexer with no listeners.
func NewMultiplexer(opts Options) *Multiplexer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	listen := opts.Listen
	if listen == nil {
		listen = net.Listen
	}
	handler := opts.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	return &Multiplexer{
		handler:     handler,
		logger:      logger.With("component", "listeners"),
		audit:       opts.Audit,
		baseContext: opts.BaseContext,
		listen:      listen,
		secure:      make(map[string]*Listener),
		owners:      make(map[string]*Listener),
		sharing:     make(map[string][]string),
	}
}

// Acquire returns the listener for id, creating it on first use.
func (m *Multiplexer) Acquire(id Identity) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(id)
}

func (m *Multiplexer) acquireLocked(id Identity) (*Listener, error) {
	if !id.secure && m.plain != nil {
		return m.plain, nil
	}
	if id.secure {
		if l, ok := m.secure[id.key]; ok {
			return l, nil
		}
	}

	l := &Listener{
		identity: id,
		logger:   m.logger,
		drained:  make(chan struct{}),
	}
	l.server = &http.Server{
		Handler:      m.handler,
		BaseContext:  m.baseContextFor(l),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     slog.NewLogLogger(m.logger.Handler(), slog.LevelWarn),
	}
	if id.secure {
		tlsConfig, err := id.tlsConfig()
		if err != nil {
			return nil, err
		}
		l.server.TLSConfig = tlsConfig
		m.secure[id.key] = l
	} else {
		m.plain = l
	}
	m.order = append(m.order, l)
	return l, nil
}

func (m *Multiplexer) baseContextFor(l *Listener) func(net.Listener) context.Context {
	return func(ln net.Listener) context.Context {
		ctx := context.Background()
		if m.baseContext != nil {
			ctx = m.baseContext(ln)
		}
		ctx = WithListener(ctx, l)
		if addr, ok := l.bindAddress(ln); ok {
			ctx = shell.WithBindAddress(ctx, addr)
		}
		return ctx
	}
}

// Bind attaches a tenant to its listener. The first tenant on a host:port
// opens the socket; later tenants with the same identity join it. A
// host:port owned by a listener with another identity, or held by another
// process, is ErrAlreadyBound.
func (m *Multiplexer) Bind(s *shell.Shell) (*Listener, error) {
	id := IdentityFor(s)
	addr := s.Address()
	port := strconv.Itoa(s.Port)

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.owners[addr]; ok {
		if !owner.identity.Equal(id) {
			return nil, fmt.Errorf("%w: tenant %s on %s (owned by %s listener)", ErrAlreadyBound, s.Name, addr, owner.identity)
		}
		owner.join(s.Name)
		m.noteSharing(id, s.Name)
		m.logger.Info(fmt.Sprintf("Tenant %s added to listener on %s:%s", s.Name, s.Host, port), "tenant", s.Name, "addr", addr)
		m.record(func(r Recorder) error { return r.LogListenerJoined(s.Name, addr) })
		return owner, nil
	}

	l, created, err := m.lookupLocked(id)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", s.Name, err)
	}
	ln, err := m.listen("tcp", addr)
	if err != nil {
		if created {
			m.forgetLocked(l)
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: tenant %s on %s: %v", ErrAlreadyBound, s.Name, addr, err)
		}
		return nil, fmt.Errorf("tenant %s: failed to listen on %s: %w", s.Name, addr, err)
	}
	if id.secure {
		ln = tls.NewListener(ln, l.server.TLSConfig)
	}
	l.attach(addr, ln, s.Name)
	m.owners[addr] = l
	m.noteSharing(id, s.Name)
	m.logger.Info(fmt.Sprintf("Tenant %s started on %s:%s", s.Name, s.Host, port), "tenant", s.Name, "addr", addr, "identity", id.String())
	m.record(func(r Recorder) error { return r.LogListenerStarted(s.Name, addr) })
	return l, nil
}

// lookupLocked is acquireLocked that also reports whether the listener was
// created by this call.
func (m *Multiplexer) lookupLocked(id Identity) (*Listener, bool, error) {
	before := len(m.order)
	l, err := m.acquireLocked(id)
	if err != nil {
		return nil, false, err
	}
	return l, len(m.order) > before, nil
}

// forgetLocked removes a listener that never got a socket.
func (m *Multiplexer) forgetLocked(l *Listener) {
	if l.identity.secure {
		delete(m.secure, l.identity.key)
	} else if m.plain == l {
		m.plain = nil
	}
	for i, o := range m.order {
		if o == l {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// noteSharing warns when distinct tenants end up on one secure identity.
// Sharing is allowed; the warning makes accidental collisions visible.
func (m *Multiplexer) noteSharing(id Identity, tenant string) {
	if !id.secure {
		return
	}
	others := m.sharing[id.key]
	if len(others) > 0 {
		m.logger.Warn("Tenants share a TLS identity and listener", "tenant", tenant, "sharedWith", others, "identity", id.String())
	}
	m.sharing[id.key] = append(others, tenant)
}

func (m *Multiplexer) record(fn func(Recorder) error) {
	if m.audit == nil {
		return
	}
	if err := fn(m.audit); err != nil {
		m.logger.Error("Failed to record listener event", "error", err)
	}
}

// Owner returns the listener owning a configured host:port.
func (m *Multiplexer) Owner(addr string) (*Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.owners[shell.NormalizeAddress(addr)]
	return l, ok
}

// Listeners returns every listener in creation order.
func (m *Multiplexer) Listeners() []*Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Listener(nil), m.order...)
}

// Serve runs the accept loop of every socket bound so far and returns once
// all of them have stopped. Cancelling ctx drains every listener.
func (m *Multiplexer) Serve(ctx context.Context) error {
	var sockets int
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range m.Listeners() {
		for _, s := range l.socketsSnapshot() {
			sockets++
			l, s := l, s
			g.Go(func() error {
				if err := l.serve(s); err != nil {
					return fmt.Errorf("listener on %s: %w", s.addr, err)
				}
				return nil
			})
		}
	}
	if sockets == 0 {
		return errors.New("no listeners bound")
	}

	go func() {
		<-gctx.Done()
		m.DrainAll()
	}()
	return g.Wait()
}

// DrainAll drains every listener.
func (m *Multiplexer) DrainAll() {
	for _, l := range m.Listeners() {
		l.Drain()
	}
}

// WaitDrained blocks until every draining listener has finished its
// in-flight requests, or ctx is done.
func (m *Multiplexer) WaitDrained(ctx context.Context) error {
	for _, l := range m.Listeners() {
		if !l.Draining() {
			continue
		}
		select {
		case <-l.Drained():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
