package cluster

import (
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// EnvWorkerID carries the worker's ID into a supervised worker process.
	EnvWorkerID = "SHELLHOST_WORKER_ID"
	// EnvControlSecret carries the notice signing secret.
	EnvControlSecret = "SHELLHOST_CONTROL_SECRET"

	// controlFD is the descriptor of the control pipe in the worker. It is
	// the first entry of exec.Cmd.ExtraFiles.
	controlFD = 3
)

// Channel is the worker's end of the control pipe.
type Channel struct {
	workerID string
	secret   string

	mu        sync.Mutex
	w         io.WriteCloser
	withdrawn bool
}

// NewChannel wraps the writing end of a control pipe.
func NewChannel(workerID, secret string, w io.WriteCloser) *Channel {
	return &Channel{workerID: workerID, secret: secret, w: w}
}

// Connect returns the control channel when the current process was started
// by a Supervisor, and false otherwise.
func Connect() (*Channel, bool) {
	workerID := os.Getenv(EnvWorkerID)
	secret := os.Getenv(EnvControlSecret)
	if workerID == "" || secret == "" {
		return nil, false
	}
	f := os.NewFile(controlFD, "control")
	if f == nil {
		return nil, false
	}
	return NewChannel(workerID, secret, f), true
}

// WorkerID returns the ID the supervisor assigned to this worker.
func (c *Channel) WorkerID() string {
	return c.workerID
}

// Withdraw tells the supervisor this worker is going away so that it starts
// a replacement, then closes the channel. Only the first call has any effect.
func (c *Channel) Withdraw(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.withdrawn {
		return nil
	}
	c.withdrawn = true

	notice, err := SignNotice(c.secret, c.workerID, reason)
	if err != nil {
		c.w.Close()
		return err
	}
	if _, err := io.WriteString(c.w, notice+"\n"); err != nil {
		c.w.Close()
		return fmt.Errorf("failed to send withdrawal notice: %w", err)
	}
	return c.w.Close()
}
