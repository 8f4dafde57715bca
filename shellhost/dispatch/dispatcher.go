// Package dispatch routes each request to its tenant inside a FaultContext.
// A failure while handling a request drains the worker: the owning listener
// stops accepting, the supervisor is told the worker is leaving, a watchdog
// bounds the drain and the client gets a plain 500.
package dispatch

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/shellhost/shellhost/listeners"
	"github.com/tomyedwab/shellhost/shellhost/shell"
)

const (
	// DefaultDrainTimeout bounds how long a failed worker may take to drain.
	DefaultDrainTimeout = 30 * time.Second

	failureMessage = "Oops, the server choked on this request!\n"
)

// Resolver finds the tenant for a request.
type Resolver interface {
	Resolve(r *http.Request) (*shell.Shell, error)
}

// Drainer is a listener that can stop accepting connections.
type Drainer interface {
	Drain()
}

// Withdrawer notifies the supervisor that this worker is leaving.
type Withdrawer interface {
	Withdraw(reason string) error
}

// Recorder receives request faults for the audit log.
type Recorder interface {
	LogRequestFault(tenant, traceID string, cause error) error
}

// Config configures a Dispatcher.
type Config struct {
	Registry Resolver // Required
	Logger   *slog.Logger
	Audit    Recorder
	// Withdrawer is set when the worker runs under a supervisor.
	Withdrawer Withdrawer
	// DrainTimeout is the watchdog deadline. Defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration
	// Terminate is called when the watchdog fires. Defaults to os.Exit(1).
	Terminate func()
	// OwnerOf returns the listener that accepted a request. Defaults to the
	// listener recorded in the request context.
	OwnerOf func(r *http.Request) Drainer
	// OnFault is called once, after the first failure's recovery steps, with
	// the listener that was drained (nil if unknown). The worker uses it to
	// shut down once in-flight requests finish.
	OnFault func(owner Drainer)
}

// Dispatcher is the http.Handler of every listener in a worker.
type Dispatcher struct {
	registry     Resolver
	logger       *slog.Logger
	audit        Recorder
	withdrawer   Withdrawer
	drainTimeout time.Duration
	terminate    func()
	ownerOf      func(r *http.Request) Drainer
	onFault      func(owner Drainer)

	faultOnce sync.Once
	mu        sync.Mutex
	watchdog  *time.Timer
	draining  bool
}

// New creates a Dispatcher.
func New(config Config) *Dispatcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	terminate := config.Terminate
	if terminate == nil {
		terminate = func() { os.Exit(1) }
	}
	ownerOf := config.OwnerOf
	if ownerOf == nil {
		ownerOf = listenerOwner
	}
	return &Dispatcher{
		registry:     config.Registry,
		logger:       logger.With("component", "dispatch"),
		audit:        config.Audit,
		withdrawer:   config.Withdrawer,
		drainTimeout: timeout,
		terminate:    terminate,
		ownerOf:      ownerOf,
		onFault:      config.OnFault,
	}
}

func listenerOwner(r *http.Request) Drainer {
	if l, ok := listeners.ListenerFrom(r.Context()); ok {
		return l
	}
	return nil
}

// Draining reports whether a failure has put the worker into drain.
func (d *Dispatcher) Draining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// Disarm stops the watchdog. The worker calls it when it finished draining
// before the deadline.
func (d *Dispatcher) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watchdog != nil {
		d.watchdog.Stop()
	}
}

// ServeHTTP resolves the tenant and runs its handler inside a FaultContext.
// An unknown tenant is a 404, not a fault.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fc := &FaultContext{
		d:       d,
		ctx:     r.Context(),
		req:     r,
		w:       &trackingWriter{ResponseWriter: w},
		traceID: uuid.New().String(),
		state:   StateCreated,
	}

	fc.setState(StateResolving)
	var s *shell.Shell
	err := fc.run(func() error {
		var err error
		s, err = d.registry.Resolve(r)
		return err
	})
	if errors.Is(err, shell.ErrNotFound) {
		http.Error(fc.w, "Not Found", http.StatusNotFound)
		fc.setState(StateCompleted)
		d.logger.Info("Request", "traceID", fc.traceID, "host", r.Host, "path", r.URL.Path, "status", http.StatusNotFound)
		return
	}
	if err != nil {
		fc.Fail(err)
		d.finish(fc)
		return
	}

	fc.mu.Lock()
	fc.shell = s
	fc.mu.Unlock()
	fc.setState(StateHandling)

	if err := fc.run(func() error { return s.HandleRequest(fc, fc.w, r) }); err != nil {
		fc.Fail(err)
	}
	d.finish(fc)
}

// finish waits for the request's continuations and then either completes
// the request or sends the failure response.
func (d *Dispatcher) finish(fc *FaultContext) {
	fc.pending.Wait()

	if fc.State() != StateFailed {
		fc.setState(StateCompleted)
		d.logger.Debug("Request", "traceID", fc.traceID, "tenant", tenantName(fc), "host", fc.req.Host, "path", fc.req.URL.Path)
		return
	}
	d.respondFailure(fc)
}

// recoverFrom runs the recovery sequence for the first failure of fc. Each
// step is isolated so that a failing step does not skip the ones after it.
func (d *Dispatcher) recoverFrom(fc *FaultContext) {
	err := fc.Err()
	tenant := tenantName(fc)

	d.step(fc, "log", func() {
		fc.mu.Lock()
		stack := fc.stack
		fc.mu.Unlock()
		d.logger.Error("Request failed, draining worker",
			"traceID", fc.traceID,
			"tenant", tenant,
			"method", fc.req.Method,
			"host", fc.req.Host,
			"path", fc.req.URL.Path,
			"error", err,
			"stack", string(stack))
		if d.audit != nil {
			if err := d.audit.LogRequestFault(tenant, fc.traceID, err); err != nil {
				d.logger.Error("Failed to record request fault", "traceID", fc.traceID, "error", err)
			}
		}
	})

	d.step(fc, "watchdog", d.armWatchdog)

	var owner Drainer
	d.step(fc, "drain", func() {
		owner = d.ownerOf(fc.req)
		if owner == nil {
			d.logger.Warn("No owning listener for failed request", "traceID", fc.traceID)
			return
		}
		owner.Drain()
	})

	d.faultOnce.Do(func() {
		d.step(fc, "withdraw", func() {
			if d.withdrawer == nil {
				return
			}
			if err := d.withdrawer.Withdraw("request fault " + fc.traceID); err != nil {
				d.logger.Error("Failed to withdraw from supervisor", "traceID", fc.traceID, "error", err)
			}
		})
		if d.onFault != nil {
			d.step(fc, "notify", func() { d.onFault(owner) })
		}
	})
}

func (d *Dispatcher) armWatchdog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return
	}
	d.draining = true
	d.watchdog = time.AfterFunc(d.drainTimeout, func() {
		d.logger.Error("Worker did not drain in time, terminating", "timeout", d.drainTimeout)
		d.terminate()
	})
}

func (d *Dispatcher) step(fc *FaultContext, name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Recovery step failed", "traceID", fc.traceID, "step", name, "panic", rec)
		}
	}()
	fn()
}

// respondFailure sends the apology response unless the response head is
// already out. Errors here are logged and swallowed.
func (d *Dispatcher) respondFailure(fc *FaultContext) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Failed to send error response", "traceID", fc.traceID, "panic", rec)
		}
	}()
	if fc.w.headersSent() {
		d.logger.Info("Response already started, not sending error response", "traceID", fc.traceID)
		return
	}
	h := fc.w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Connection", "close")
	fc.w.WriteHeader(http.StatusInternalServerError)
	if _, err := io.WriteString(fc.w, failureMessage); err != nil {
		d.logger.Error("Failed to send error response", "traceID", fc.traceID, "error", err)
	}
}

func tenantName(fc *FaultContext) string {
	if s := fc.Shell(); s != nil {
		return s.Name
	}
	return ""
}
