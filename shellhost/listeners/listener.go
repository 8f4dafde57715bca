package listeners

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

type listenerKey struct{}

// WithListener records the listener that accepted a connection.
func WithListener(ctx context.Context, l *Listener) context.Context {
	return context.WithValue(ctx, listenerKey{}, l)
}

// ListenerFrom returns the listener that accepted the request carrying ctx.
func ListenerFrom(ctx context.Context) (*Listener, bool) {
	l, ok := ctx.Value(listenerKey{}).(*Listener)
	return l, ok && l != nil
}

// socket is one bound address of a listener.
type socket struct {
	addr string // configured host:port
	ln   net.Listener
}

// Listener is one shared HTTP(S) server. It owns one or more bound
// addresses and serves every tenant attached to them.
type Listener struct {
	identity Identity
	server   *http.Server
	logger   *slog.Logger

	mu       sync.Mutex
	sockets  []*socket
	tenants  []string
	draining bool

	drainOnce sync.Once
	drained   chan struct{}
}

// Identity returns the listener's identity.
func (l *Listener) Identity() Identity {
	return l.identity
}

// Tenants returns the names of the tenants attached to this listener.
func (l *Listener) Tenants() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.tenants...)
}

// Addrs returns the network addresses the listener accepts on.
func (l *Listener) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]net.Addr, 0, len(l.sockets))
	for _, s := range l.sockets {
		ret = append(ret, s.ln.Addr())
	}
	return ret
}

// Draining reports whether Drain has been called.
func (l *Listener) Draining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// Drain stops the listener from accepting new connections right away and
// lets requests already accepted run to completion. It is safe to call more
// than once.
func (l *Listener) Drain() {
	l.drainOnce.Do(func() {
		l.mu.Lock()
		l.draining = true
		sockets := append([]*socket(nil), l.sockets...)
		l.mu.Unlock()

		l.logger.Info("Draining listener", "identity", l.identity.String(), "tenants", l.Tenants())
		for _, s := range sockets {
			if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				l.logger.Error("Failed to close listener socket", "addr", s.addr, "error", err)
			}
		}

		go func() {
			if err := l.server.Shutdown(context.Background()); err != nil {
				l.logger.Error("Listener shutdown failed", "identity", l.identity.String(), "error", err)
			}
			l.logger.Info("Listener drained", "identity", l.identity.String())
			close(l.drained)
		}()
	})
}

// Drained is closed once the listener has drained and every in-flight
// request has finished.
func (l *Listener) Drained() <-chan struct{} {
	return l.drained
}

func (l *Listener) attach(addr string, ln net.Listener, tenant string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sockets = append(l.sockets, &socket{addr: addr, ln: ln})
	l.tenants = append(l.tenants, tenant)
}

func (l *Listener) join(tenant string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tenants = append(l.tenants, tenant)
}

func (l *Listener) socketsSnapshot() []*socket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*socket(nil), l.sockets...)
}

func (l *Listener) bindAddress(ln net.Listener) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sockets {
		if s.ln == ln {
			return s.addr, true
		}
	}
	return "", false
}

func (l *Listener) serve(s *socket) error {
	err := l.server.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) || l.Draining() {
		return nil
	}
	return err
}
