package cluster

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	workerID string
	secret   string
	pid      int

	controlR *io.PipeReader
	controlW *io.PipeWriter
	exitOnce sync.Once
	exited   chan struct{}
}

func (p *fakeProcess) PID() int           { return p.pid }
func (p *fakeProcess) Control() io.Reader { return p.controlR }
func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}
func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.controlW.Close()
		close(p.exited)
	})
}

// channel returns the worker's end of the control pipe.
func (p *fakeProcess) channel() *Channel {
	return NewChannel(p.workerID, p.secret, p.controlW)
}

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	procs   []*fakeProcess
	spawned chan *fakeProcess
	fail    error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 1000, spawned: make(chan *fakeProcess, 100)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, workerID, secret string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	r, w := io.Pipe()
	s.nextPID++
	p := &fakeProcess{workerID: workerID, secret: secret, pid: s.nextPID, controlR: r, controlW: w, exited: make(chan struct{})}
	s.procs = append(s.procs, p)
	s.spawned <- p
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

type workerEvent struct {
	kind, workerID, detail string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []workerEvent
}

func (r *fakeRecorder) LogWorkerStarted(workerID string, pid int) error {
	r.add(workerEvent{"started", workerID, ""})
	return nil
}

func (r *fakeRecorder) LogWorkerDisconnected(workerID, reason string) error {
	r.add(workerEvent{"disconnected", workerID, reason})
	return nil
}

func (r *fakeRecorder) LogWorkerReplaced(oldWorkerID, newWorkerID string) error {
	r.add(workerEvent{"replaced", oldWorkerID, newWorkerID})
	return nil
}

func (r *fakeRecorder) add(e workerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *fakeRecorder) ofKind(kind string) []workerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []workerEvent
	for _, e := range r.events {
		if e.kind == kind {
			ret = append(ret, e)
		}
	}
	return ret
}

func startSupervisor(t *testing.T, count int) (*Supervisor, *fakeSpawner, *fakeRecorder) {
	t.Helper()
	spawner := newFakeSpawner()
	rec := &fakeRecorder{}
	sup, err := NewSupervisor(Config{WorkerCount: count, Spawner: spawner, Audit: rec, Secret: "test-secret"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	t.Cleanup(func() {
		sup.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})

	for i := 0; i < count; i++ {
		waitSpawn(t, spawner)
	}
	return sup, spawner, rec
}

func waitSpawn(t *testing.T, s *fakeSpawner) *fakeProcess {
	t.Helper()
	select {
	case p := <-s.spawned:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a worker to be spawned")
		return nil
	}
}

func assertNoSpawn(t *testing.T, s *fakeSpawner) {
	t.Helper()
	select {
	case p := <-s.spawned:
		t.Fatalf("unexpected extra worker %s", p.workerID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSupervisorStartsWorkerCount(t *testing.T) {
	sup, spawner, rec := startSupervisor(t, 3)

	assert.Eventually(t, func() bool { return len(sup.Workers()) == 3 }, 5*time.Second, 10*time.Millisecond)
	for _, w := range sup.Workers() {
		assert.Equal(t, StateRunning, w.State)
		assert.NotZero(t, w.PID)
	}
	assertNoSpawn(t, spawner)
	assert.Len(t, rec.ofKind("started"), 3)
}

func TestSupervisorDefaultsToOneWorker(t *testing.T) {
	sup, spawner, _ := startSupervisor(t, 0)
	assert.Eventually(t, func() bool { return len(sup.Workers()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assertNoSpawn(t, spawner)
}

func TestSupervisorReplacesDisconnectedWorkers(t *testing.T) {
	tests := []struct {
		name       string
		disconnect func(t *testing.T, p *fakeProcess)
		reason     string
	}{
		{
			name: "withdrawal notice then exit",
			disconnect: func(t *testing.T, p *fakeProcess) {
				require.NoError(t, p.channel().Withdraw("request fault"))
				p.exit()
			},
			reason: "withdrawn: request fault",
		},
		{
			name: "process exit",
			disconnect: func(t *testing.T, p *fakeProcess) {
				p.exit()
			},
		},
		{
			name: "control pipe closed",
			disconnect: func(t *testing.T, p *fakeProcess) {
				p.controlW.Close()
			},
			reason: "control channel closed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, spawner, rec := startSupervisor(t, 2)
			victim := spawner.procs[0]

			tt.disconnect(t, victim)

			replacement := waitSpawn(t, spawner)
			assert.NotEqual(t, victim.workerID, replacement.workerID)
			assertNoSpawn(t, spawner)
			assert.Equal(t, 3, spawner.count())

			assert.Eventually(t, func() bool {
				workers := sup.Workers()
				if len(workers) != 2 {
					return false
				}
				for _, w := range workers {
					if w.ID == victim.workerID {
						return false
					}
				}
				return true
			}, 5*time.Second, 10*time.Millisecond)

			disconnected := rec.ofKind("disconnected")
			require.Len(t, disconnected, 1)
			assert.Equal(t, victim.workerID, disconnected[0].workerID)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, disconnected[0].detail)
			}
			assert.Eventually(t, func() bool { return len(rec.ofKind("replaced")) == 1 }, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, replacement.workerID, rec.ofKind("replaced")[0].detail)
		})
	}
}

func TestSupervisorIgnoresForgedNotices(t *testing.T) {
	sup, spawner, _ := startSupervisor(t, 1)
	victim := spawner.procs[0]

	forged := NewChannel(victim.workerID, "wrong-secret", nopCloser{victim.controlW})
	require.NoError(t, forged.Withdraw("forged"))
	_, err := io.WriteString(victim.controlW, "garbage\n")
	require.NoError(t, err)

	assertNoSpawn(t, spawner)
	assert.Len(t, sup.Workers(), 1)

	victim.exit()
	waitSpawn(t, spawner)
}

func TestSupervisorReplacesEveryDisconnect(t *testing.T) {
	_, spawner, _ := startSupervisor(t, 1)

	current := spawner.procs[0]
	for i := 0; i < 5; i++ {
		current.exit()
		current = waitSpawn(t, spawner)
	}
	assertNoSpawn(t, spawner)
	assert.Equal(t, 6, spawner.count())
}

func TestSupervisorStopKillsWorkers(t *testing.T) {
	spawner := newFakeSpawner()
	sup, err := NewSupervisor(Config{WorkerCount: 2, Spawner: spawner})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	waitSpawn(t, spawner)
	waitSpawn(t, spawner)

	cancel()
	require.NoError(t, <-done)
	for _, p := range spawner.procs {
		select {
		case <-p.exited:
		default:
			t.Errorf("worker %s was not killed", p.workerID)
		}
	}
	assertNoSpawn(t, spawner)
	assert.Empty(t, sup.Workers())
}

func TestSupervisorFailsWhenInitialSpawnFails(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.fail = errors.New("exec format error")
	sup, err := NewSupervisor(Config{WorkerCount: 2, Spawner: spawner})
	require.NoError(t, err)

	err = sup.Run(context.Background())
	assert.ErrorContains(t, err, "exec format error")
}

func TestNewSupervisorRequiresSpawner(t *testing.T) {
	_, err := NewSupervisor(Config{})
	assert.Error(t, err)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestNotice(t *testing.T) {
	token, err := SignNotice("secret", "worker-1", "bye")
	require.NoError(t, err)

	claims, err := ParseNotice("secret", "worker-1", token)
	require.NoError(t, err)
	assert.Equal(t, "bye", claims.Reason)

	_, err = ParseNotice("other", "worker-1", token)
	assert.ErrorIs(t, err, ErrInvalidNotice)
	_, err = ParseNotice("secret", "worker-2", token)
	assert.ErrorIs(t, err, ErrInvalidNotice)
	_, err = ParseNotice("secret", "worker-1", "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidNotice)
}

func TestWithdrawOnlyOnce(t *testing.T) {
	r, w := io.Pipe()
	ch := NewChannel("worker-1", "secret", w)

	lines := make(chan string, 2)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	require.NoError(t, ch.Withdraw("first"))
	require.NoError(t, ch.Withdraw("second"))

	var got []string
	for line := range lines {
		got = append(got, line)
	}
	require.Len(t, got, 1)
	claims, err := ParseNotice("secret", "worker-1", got[0])
	require.NoError(t, err)
	assert.Equal(t, "first", claims.Reason)
}

// TestHelperProcess is not a real test. It is the worker body started by
// TestExecSpawner.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("SHELLHOST_HELPER_PROCESS")
	if mode == "" {
		return
	}
	ch, ok := Connect()
	if !ok {
		os.Exit(2)
	}
	switch mode {
	case "serve":
		for _, f := range InheritedSockets() {
			ln, err := net.FileListener(f)
			if err != nil {
				os.Exit(4)
			}
			go http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, ch.WorkerID())
			}))
		}
		time.Sleep(time.Hour)
	default:
		os.Stdout.WriteString("helper running as " + ch.WorkerID() + "\n")
		if err := ch.Withdraw("helper done"); err != nil {
			os.Exit(3)
		}
	}
	os.Exit(0)
}

func TestExecSpawner(t *testing.T) {
	spawner := &ExecSpawner{
		Path: os.Args[0],
		Args: []string{"-test.run=^TestHelperProcess$"},
		Env:  []string{"SHELLHOST_HELPER_PROCESS=1"},
	}
	proc, err := spawner.Spawn(context.Background(), "worker-42", "exec-secret")
	require.NoError(t, err)
	assert.NotZero(t, proc.PID())

	scanner := bufio.NewScanner(proc.Control())
	require.True(t, scanner.Scan(), "expected a notice on the control pipe")
	claims, err := ParseNotice("exec-secret", "worker-42", scanner.Text())
	require.NoError(t, err)
	assert.Equal(t, "helper done", claims.Reason)
	assert.False(t, scanner.Scan(), "control pipe should be closed after withdrawal")

	assert.NoError(t, proc.Wait())
}

func TestOpenSockets(t *testing.T) {
	set, err := OpenSockets([]string{"127.0.0.1:0", "127.0.0.1:0"})
	require.NoError(t, err)
	require.Len(t, set.Sockets(), 1)

	sock := set.Sockets()[0]
	assert.Equal(t, "127.0.0.1:0", sock.Addr)
	assert.NotNil(t, sock.Local)

	// The socket keeps listening with only the shared descriptor open.
	conn, err := net.DialTimeout("tcp", sock.Local.String(), time.Second)
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, set.Close())
	assert.Empty(t, set.Sockets())
}

func TestOpenSocketsFailsOnBusyAddress(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()

	_, err = OpenSockets([]string{held.Addr().String()})
	assert.Error(t, err)
}

func TestExecWorkersShareSockets(t *testing.T) {
	sockets, err := OpenSockets([]string{"127.0.0.1:0"})
	require.NoError(t, err)
	defer sockets.Close()

	rec := &fakeRecorder{}
	sup, err := NewSupervisor(Config{
		WorkerCount: 2,
		Spawner: &ExecSpawner{
			Path:    os.Args[0],
			Args:    []string{"-test.run=^TestHelperProcess$"},
			Env:     []string{"SHELLHOST_HELPER_PROCESS=serve"},
			Sockets: sockets.Sockets(),
		},
		Audit:  rec,
		Secret: "exec-secret",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	defer func() {
		sup.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	}()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: time.Second}
	url := "http://" + sockets.Sockets()[0].Local.String() + "/"
	served := make(map[string]bool)
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		served[string(body)] = true
		return len(sup.Workers()) == 2
	}, 10*time.Second, 20*time.Millisecond)

	// Workers that could not bind would exit and be replaced by now.
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.ofKind("disconnected"))

	workers := sup.Workers()
	require.Len(t, workers, 2)
	ids := make(map[string]bool)
	for _, w := range workers {
		ids[w.ID] = true
	}
	for id := range served {
		assert.True(t, ids[id], "response from unknown worker %q", id)
	}
}
