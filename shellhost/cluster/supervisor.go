// Package cluster runs a fixed number of worker processes and replaces any
// worker that disconnects.
package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerState is the lifecycle state of a worker process.
type WorkerState int

const (
	StateStarting WorkerState = iota
	StateRunning
	StateDisconnected
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "InvalidState"
	}
}

// Process is a started worker process.
type Process interface {
	PID() int
	// Control is the supervisor's end of the worker's control pipe.
	Control() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, workerID, secret string) (Process, error)
}

// Recorder receives worker lifecycle events for the audit log.
type Recorder interface {
	LogWorkerStarted(workerID string, pid int) error
	LogWorkerDisconnected(workerID, reason string) error
	LogWorkerReplaced(oldWorkerID, newWorkerID string) error
}

// Config holds configuration options for the Supervisor.
type Config struct {
	WorkerCount int     // Values below 1 mean 1
	Spawner     Spawner // Required
	Logger      *slog.Logger
	Audit       Recorder // Optional
	// Secret signs control notices. Optional, a random one is generated.
	Secret string
}

// Worker is one supervised process.
type Worker struct {
	ID        string
	PID       int
	State     WorkerState
	StartedAt time.Time

	proc         Process
	disconnected sync.Once
}

// WorkerInfo is a snapshot of a worker.
type WorkerInfo struct {
	ID        string
	PID       int
	State     WorkerState
	StartedAt time.Time
}

// Supervisor keeps WorkerCount workers alive. It never accepts connections
// itself. A worker that disconnects, by withdrawing, by closing its control
// pipe or by exiting, is replaced immediately. There is no backoff and no
// restart cap: a worker that fails at boot is restarted in a tight loop.
type Supervisor struct {
	mu      sync.Mutex
	workers map[string]*Worker // live workers
	exiting map[string]*Worker // disconnected workers whose process has not exited yet

	spawner     Spawner
	audit       Recorder
	logger      *slog.Logger
	workerCount int
	secret      string

	stopOnce sync.Once
	stopChan chan struct{}
	stopping bool
	wg       sync.WaitGroup
}

// NewSupervisor creates a new Supervisor instance.
func NewSupervisor(config Config) (*Supervisor, error) {
	if config.Spawner == nil {
		return nil, fmt.Errorf("Spawner is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	count := config.WorkerCount
	if count < 1 {
		count = 1
	}
	secret := config.Secret
	if secret == "" {
		secret = uuid.New().String()
	}
	return &Supervisor{
		workers:     make(map[string]*Worker),
		exiting:     make(map[string]*Worker),
		spawner:     config.Spawner,
		audit:       config.Audit,
		logger:      logger.With("component", "supervisor"),
		workerCount: count,
		secret:      secret,
		stopChan:    make(chan struct{}),
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled or Stop is
// called, then kills every remaining worker. It fails only when the initial
// workers cannot be started.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Starting workers", "count", s.workerCount)
	for i := 0; i < s.workerCount; i++ {
		if _, err := s.startWorker(ctx); err != nil {
			s.Stop()
			s.shutdown()
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-s.stopChan:
	}
	s.Stop()
	s.shutdown()
	return nil
}

// Stop makes Run return. Workers are killed; disconnects after Stop are not
// replaced.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		close(s.stopChan)
	})
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, set := range []map[string]*Worker{s.workers, s.exiting} {
		for _, w := range set {
			if w.proc != nil {
				workers = append(workers, w)
			}
		}
	}
	s.mu.Unlock()

	for _, w := range workers {
		s.logger.Info("Killing worker", "workerID", w.ID, "pid", w.PID)
		if err := w.proc.Kill(); err != nil {
			s.logger.Warn("Failed to kill worker", "workerID", w.ID, "pid", w.PID, "error", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("All workers stopped")
}

// Workers returns a snapshot of the live workers ordered by start time.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		ret = append(ret, WorkerInfo{ID: w.ID, PID: w.PID, State: w.State, StartedAt: w.StartedAt})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].StartedAt.Before(ret[j].StartedAt) })
	return ret
}

func (s *Supervisor) startWorker(ctx context.Context) (*Worker, error) {
	w := &Worker{ID: uuid.New().String(), State: StateStarting, StartedAt: time.Now()}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, errors.New("supervisor is stopping")
	}
	s.workers[w.ID] = w
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(ctx, w.ID, s.secret)
	if err != nil {
		s.mu.Lock()
		delete(s.workers, w.ID)
		s.mu.Unlock()
		s.logger.Error("Failed to start worker", "workerID", w.ID, "error", err)
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	s.mu.Lock()
	if s.stopping {
		delete(s.workers, w.ID)
		s.mu.Unlock()
		proc.Kill()
		return nil, errors.New("supervisor is stopping")
	}
	w.proc = proc
	w.PID = proc.PID()
	w.State = StateRunning
	s.mu.Unlock()

	s.logger.Info("Worker started", "workerID", w.ID, "pid", w.PID)
	s.record(func(r Recorder) error { return r.LogWorkerStarted(w.ID, w.PID) })

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.watchControl(ctx, w)
	}()
	go func() {
		defer s.wg.Done()
		err := proc.Wait()
		reason := "exited"
		if err != nil {
			reason = fmt.Sprintf("exited: %v", err)
		}
		s.handleDisconnect(ctx, w, reason)
		s.mu.Lock()
		delete(s.exiting, w.ID)
		s.mu.Unlock()
	}()
	return w, nil
}

// watchControl reads withdrawal notices from the worker. A valid notice or
// the end of the pipe both count as a disconnect.
func (s *Supervisor) watchControl(ctx context.Context, w *Worker) {
	scanner := bufio.NewScanner(w.proc.Control())
	for scanner.Scan() {
		claims, err := ParseNotice(s.secret, w.ID, scanner.Text())
		if err != nil {
			s.logger.Warn("Ignoring control message", "workerID", w.ID, "pid", w.PID, "error", err)
			continue
		}
		s.handleDisconnect(ctx, w, "withdrawn: "+claims.Reason)
		return
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("Error reading control pipe", "workerID", w.ID, "pid", w.PID, "error", err)
	}
	s.handleDisconnect(ctx, w, "control channel closed")
}

// handleDisconnect runs at most once per worker, whichever signal arrives
// first, and starts exactly one replacement.
func (s *Supervisor) handleDisconnect(ctx context.Context, w *Worker, reason string) {
	w.disconnected.Do(func() {
		s.mu.Lock()
		w.State = StateDisconnected
		delete(s.workers, w.ID)
		s.exiting[w.ID] = w
		stopping := s.stopping
		s.mu.Unlock()

		s.logger.Info("Worker disconnected", "workerID", w.ID, "pid", w.PID, "reason", reason)
		s.record(func(r Recorder) error { return r.LogWorkerDisconnected(w.ID, reason) })

		if stopping {
			return
		}
		replacement, err := s.startWorker(ctx)
		if err != nil {
			s.logger.Error("Failed to replace worker", "workerID", w.ID, "error", err)
			return
		}
		s.logger.Info("Worker replaced", "workerID", w.ID, "replacementID", replacement.ID)
		s.record(func(r Recorder) error { return r.LogWorkerReplaced(w.ID, replacement.ID) })
	})
}

func (s *Supervisor) record(fn func(Recorder) error) {
	if s.audit == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Audit recorder panicked", "panic", rec)
		}
	}()
	if err := fn(s.audit); err != nil {
		s.logger.Error("Failed to record worker event", "error", err)
	}
}
