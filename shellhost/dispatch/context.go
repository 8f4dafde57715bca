package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/tomyedwab/shellhost/shellhost/shell"
)

// RequestState is the lifecycle state of one request.
type RequestState int

const (
	StateCreated RequestState = iota
	StateResolving
	StateHandling
	StateCompleted
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateResolving:
		return "Resolving"
	case StateHandling:
		return "Handling"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// PanicError is a recovered panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FaultContext contains everything that goes wrong while serving one
// request: synchronous errors, panics and failures of continuations started
// with Go. The first failure starts the recovery sequence; later ones are
// logged only.
type FaultContext struct {
	d       *Dispatcher
	ctx     context.Context
	req     *http.Request
	w       *trackingWriter
	traceID string

	mu    sync.Mutex
	state RequestState
	shell *shell.Shell
	err   error
	stack []byte

	failOnce sync.Once
	pending  sync.WaitGroup
}

// Context returns the request's context.
func (fc *FaultContext) Context() context.Context {
	return fc.ctx
}

// TraceID identifies the request in logs and the audit trail.
func (fc *FaultContext) TraceID() string {
	return fc.traceID
}

// Request returns the request being served.
func (fc *FaultContext) Request() *http.Request {
	return fc.req
}

// Shell returns the tenant the request resolved to, or nil.
func (fc *FaultContext) Shell() *shell.Shell {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.shell
}

// State returns the current request state.
func (fc *FaultContext) State() RequestState {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.state
}

// Err returns the failure that started recovery, if any.
func (fc *FaultContext) Err() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.err
}

func (fc *FaultContext) setState(state RequestState) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.state == StateFailed {
		return
	}
	fc.state = state
}

// Go runs fn as a continuation of this request. Its error or panic is
// reported to this context, and the dispatcher does not finish the request
// before fn returns.
func (fc *FaultContext) Go(fn func() error) {
	fc.pending.Add(1)
	go func() {
		defer fc.pending.Done()
		if err := fc.run(fn); err != nil {
			fc.Fail(err)
		}
	}()
}

// Fail reports a failure. Only the first one triggers recovery.
func (fc *FaultContext) Fail(err error) {
	if err == nil {
		return
	}
	first := false
	fc.failOnce.Do(func() {
		first = true
		stack := debug.Stack()
		if p, ok := err.(*PanicError); ok {
			stack = p.Stack
		}
		fc.mu.Lock()
		fc.state = StateFailed
		fc.err = err
		fc.stack = stack
		fc.mu.Unlock()
	})
	if !first {
		fc.d.logger.Warn("Further failure in failed request", "traceID", fc.traceID, "error", err)
		return
	}
	fc.d.recoverFrom(fc)
}

// run calls fn and converts a panic into a *PanicError.
func (fc *FaultContext) run(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// trackingWriter records whether the response head has been sent.
type trackingWriter struct {
	http.ResponseWriter

	mu          sync.Mutex
	wroteHeader bool
}

func (w *trackingWriter) WriteHeader(status int) {
	w.mu.Lock()
	w.wroteHeader = true
	w.mu.Unlock()
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.wroteHeader = true
	w.mu.Unlock()
	return w.ResponseWriter.Write(p)
}

func (w *trackingWriter) Flush() {
	w.mu.Lock()
	w.wroteHeader = true
	w.mu.Unlock()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *trackingWriter) headersSent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wroteHeader
}
