// Package worker boots one serving process: it discovers modules and
// tenants, loads the tenants, binds their listeners and serves until a
// request fault drains it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/tomyedwab/shellhost/shellhost/audit"
	"github.com/tomyedwab/shellhost/shellhost/cluster"
	"github.com/tomyedwab/shellhost/shellhost/config"
	"github.com/tomyedwab/shellhost/shellhost/dispatch"
	"github.com/tomyedwab/shellhost/shellhost/listeners"
	"github.com/tomyedwab/shellhost/shellhost/modules"
	"github.com/tomyedwab/shellhost/shellhost/shell"
)

// ErrDrained is returned by Run after a request fault drained the worker.
// The process is expected to exit with a non-zero code.
var ErrDrained = errors.New("worker drained after a request fault")

// Options configures Boot.
type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Impls holds the compiled module implementations. Defaults to
	// modules.Builtins().
	Impls *modules.Registry
	// Channel is the control channel to the supervisor, nil when the
	// worker runs standalone.
	Channel *cluster.Channel
	// Listen and Terminate override socket creation and the watchdog
	// action, for tests.
	Listen    func(network, address string) (net.Listener, error)
	Terminate func()
}

// Worker is a booted worker.
type Worker struct {
	id         string
	logger     *slog.Logger
	audit      *audit.Logger
	registry   *shell.Registry
	mux        *listeners.Multiplexer
	dispatcher *dispatch.Dispatcher
	faults     chan dispatch.Drainer
}

// Boot runs discovery, loading and binding. Any error it returns is a boot
// failure.
func Boot(ctx context.Context, opts Options) (*Worker, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	if opts.Channel != nil {
		id = opts.Channel.WorkerID()
	}
	logger = logger.With("workerID", id)
	w := &Worker{
		id:     id,
		logger: logger.With("component", "worker"),
		faults: make(chan dispatch.Drainer, 1),
	}

	auditLogger, err := audit.Open(cfg.DataDir, id)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	w.audit = auditLogger
	w.logger.Info("Audit logger initialized", "dataDir", cfg.DataDir)
	if cfg.AuditRetention > 0 {
		if n, err := w.audit.DeleteOldEvents(cfg.AuditRetention); err != nil {
			w.logger.Error("Failed to delete old audit events", "error", err)
		} else if n > 0 {
			w.logger.Info("Deleted old audit events", "count", n, "retention", cfg.AuditRetention)
		}
	}

	if err := w.discoverAndLoad(ctx, cfg, opts.Impls); err != nil {
		w.audit.Close()
		return nil, err
	}

	dispatchConfig := dispatch.Config{
		Registry:     w.registry,
		Logger:       logger,
		Audit:        w.audit,
		DrainTimeout: cfg.DrainTimeout,
		Terminate:    opts.Terminate,
		OnFault: func(owner dispatch.Drainer) {
			select {
			case w.faults <- owner:
			default:
			}
		},
	}
	if opts.Channel != nil {
		dispatchConfig.Withdrawer = opts.Channel
	}
	w.dispatcher = dispatch.New(dispatchConfig)

	w.mux = listeners.NewMultiplexer(listeners.Options{
		Handler: w.dispatcher,
		Logger:  logger,
		Audit:   w.audit,
		Listen:  opts.Listen,
	})
	for _, s := range w.registry.Loaded() {
		if _, err := w.mux.Bind(s); err != nil {
			w.mux.DrainAll()
			w.audit.Close()
			return nil, fmt.Errorf("failed to bind tenant %s: %w", s.Name, err)
		}
	}
	return w, nil
}

// Addresses discovers the tenants under cfg and returns their distinct bind
// addresses in discovery order. The supervisor opens these once and hands
// them to every worker.
func Addresses(cfg config.Config, impls *modules.Registry) ([]string, error) {
	registry, err := discover(cfg, impls)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var addrs []string
	for _, s := range registry.Shells() {
		addr := s.Address()
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

func discover(cfg config.Config, impls *modules.Registry) (*shell.Registry, error) {
	if impls == nil {
		impls = modules.Builtins()
	}
	catalog, err := modules.Discover(cfg.ModulesDir, impls)
	if err != nil {
		return nil, fmt.Errorf("module discovery failed: %w", err)
	}
	registry, err := shell.Discover(shell.DiscoverOptions{
		SitesDir:    cfg.SitesDir,
		DefaultHost: cfg.Host,
		DefaultPort: cfg.Port,
		Available:   catalog,
		Impls:       impls,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant discovery failed: %w", err)
	}
	return registry, nil
}

func (w *Worker) discoverAndLoad(ctx context.Context, cfg config.Config, impls *modules.Registry) error {
	registry, err := discover(cfg, impls)
	if err != nil {
		return err
	}
	w.registry = registry
	w.logger.Info("Tenants discovered", "count", len(registry.Shells()))

	if err := registry.LoadAll(ctx); err != nil {
		for _, loadErr := range shell.LoadErrors(err) {
			w.logger.Error("Skipping tenant that failed to load", "tenant", loadErr.Tenant, "error", loadErr.Cause)
			if err := w.audit.LogTenantLoadFailed(loadErr.Tenant, loadErr.Cause); err != nil {
				w.logger.Error("Failed to record load failure", "tenant", loadErr.Tenant, "error", err)
			}
		}
	}
	if len(registry.Loaded()) == 0 {
		return errors.New("no tenant could be loaded")
	}
	return nil
}

// ID returns the worker ID.
func (w *Worker) ID() string { return w.id }

// Registry returns the worker's tenant registry.
func (w *Worker) Registry() *shell.Registry { return w.registry }

// Multiplexer returns the worker's listeners.
func (w *Worker) Multiplexer() *listeners.Multiplexer { return w.mux }

// Audit returns the worker's audit log.
func (w *Worker) Audit() *audit.Logger { return w.audit }

// Run serves until ctx is cancelled or a request fault drains the worker.
// After a fault it waits for the owning listener and then every other
// listener to finish their in-flight requests and returns ErrDrained.
func (w *Worker) Run(ctx context.Context) error {
	defer w.audit.Close()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- w.mux.Serve(serveCtx) }()

	select {
	case owner := <-w.faults:
		if l, ok := owner.(*listeners.Listener); ok {
			w.logger.Info("Waiting for the owning listener to drain")
			<-l.Drained()
		}
		w.logger.Info("Draining remaining listeners")
		w.mux.DrainAll()
		if err := w.mux.WaitDrained(context.Background()); err != nil {
			w.logger.Error("Drain interrupted", "error", err)
		}
		<-served
		w.dispatcher.Disarm()
		w.logger.Info("Worker drained")
		return ErrDrained

	case err := <-served:
		w.mux.DrainAll()
		if waitErr := w.mux.WaitDrained(context.Background()); waitErr != nil {
			w.logger.Error("Drain interrupted", "error", waitErr)
		}
		w.dispatcher.Disarm()
		// A fault may have started the drain that ended Serve.
		if w.dispatcher.Draining() {
			w.logger.Info("Worker drained")
			return ErrDrained
		}
		if err != nil {
			return fmt.Errorf("serving failed: %w", err)
		}
		return nil
	}
}
