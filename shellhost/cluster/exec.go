package cluster

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ExecSpawner starts workers as child processes. Each child gets the write
// end of a control pipe as file descriptor 3 and its ID and the control
// secret through the environment. The shared listening sockets follow as
// descriptors 4 and up. Child stdout and stderr are re-logged.
type ExecSpawner struct {
	Path    string   // Executable, defaults to the running binary
	Args    []string // Arguments, e.g. the worker subcommand
	Env     []string // Extra environment on top of os.Environ()
	Dir     string
	Sockets []Socket // Listening sockets handed to every worker
	Logger  *slog.Logger
}

// Spawn starts one worker process.
func (e *ExecSpawner) Spawn(ctx context.Context, workerID, secret string) (Process, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := e.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = self
	}

	controlR, controlW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create control pipe: %w", err)
	}

	logger.Info("Starting worker with command line", "path", path, "args", strings.Join(e.Args, " "), "workerID", workerID)
	cmd := exec.CommandContext(ctx, path, e.Args...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", EnvWorkerID, workerID))
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", EnvControlSecret, secret))
	cmd.Dir = e.Dir
	cmd.ExtraFiles = []*os.File{controlW}
	if len(e.Sockets) > 0 {
		addrs := make([]string, 0, len(e.Sockets))
		for _, sock := range e.Sockets {
			addrs = append(addrs, sock.Addr)
			cmd.ExtraFiles = append(cmd.ExtraFiles, sock.File)
		}
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", EnvListenAddrs, strings.Join(addrs, ",")))
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		controlR.Close()
		controlW.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		controlR.Close()
		controlW.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		controlR.Close()
		controlW.Close()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	// The child holds its own copy; closing ours lets the supervisor see EOF
	// when the child goes away.
	controlW.Close()

	p := &execProcess{cmd: cmd, control: controlR}
	pid := cmd.Process.Pid
	p.output.Add(2)
	go func() {
		defer p.output.Done()
		scanLines(stdoutPipe, func(line string) {
			logger.Info("Worker stdout", "workerID", workerID, "pid", pid, "output", line)
		}, func(err error) {
			logger.Error("Error reading stdout from worker", "workerID", workerID, "pid", pid, "error", err)
		})
	}()
	go func() {
		defer p.output.Done()
		scanLines(stderrPipe, func(line string) {
			logger.Error("Worker stderr", "workerID", workerID, "pid", pid, "output", line)
		}, func(err error) {
			logger.Error("Error reading stderr from worker", "workerID", workerID, "pid", pid, "error", err)
		})
	}()
	return p, nil
}

func scanLines(r io.Reader, onLine func(string), onErr func(error)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		onErr(err)
	}
}

type execProcess struct {
	cmd     *exec.Cmd
	control *os.File
	output  sync.WaitGroup
}

func (p *execProcess) PID() int           { return p.cmd.Process.Pid }
func (p *execProcess) Control() io.Reader { return p.control }
func (p *execProcess) Kill() error        { return p.cmd.Process.Kill() }

// Wait drains the output pipes before reaping the child, as exec.Cmd
// requires when StdoutPipe and StderrPipe are used.
func (p *execProcess) Wait() error {
	p.output.Wait()
	err := p.cmd.Wait()
	p.control.Close()
	return err
}
