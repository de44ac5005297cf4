package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// Conn is the client's end of one worker.
type Conn struct {
	// ID names the worker.
	ID string
	// Stdin carries frames to the worker. Closing it makes the worker
	// cancel its tasks and exit.
	Stdin io.WriteCloser
	// Stdout carries frames from the worker.
	Stdout io.Reader
	// Wait blocks until the worker has exited.
	Wait func() (*ExitResult, error)
	// Kill stops the worker immediately.
	Kill func() error
}

// ExitResult describes how a worker ended.
type ExitResult struct {
	// ExitCode is the process exit code; -1 when killed by a signal.
	ExitCode int
	// Stderr is the tail of the worker's diagnostic output.
	Stderr []byte
}

// WorkerFactory starts one worker.
type WorkerFactory func(ctx context.Context, id string) (*Conn, error)

// maxStderr bounds the diagnostic output kept per worker.
const maxStderr = 64 * 1024

// CommandFactory starts workers as child processes running argv plus
// "--id <worker id>". Frames travel over the child's stdin and stdout.
func CommandFactory(argv []string, env []string) WorkerFactory {
	return func(_ context.Context, id string) (*Conn, error) {
		if len(argv) == 0 {
			return nil, errors.New("worker command is empty")
		}
		m := &WorkerManager{argv: append(append([]string(nil), argv...), "--id", id), env: env}
		if err := m.Start(); err != nil {
			return nil, err
		}
		return &Conn{ID: id, Stdin: m.stdin, Stdout: m.stdout, Wait: m.Wait, Kill: m.Kill}, nil
	}
}

// WorkerManager manages one worker process.
type WorkerManager struct {
	argv []string
	env  []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu     sync.Mutex
	stderr bytes.Buffer
}

// Start starts the worker process. Stdout is reserved for frames; stderr
// is kept for diagnostics.
func (m *WorkerManager) Start() error {
	m.cmd = exec.Command(m.argv[0], m.argv[1:]...)
	if len(m.env) > 0 {
		m.cmd.Env = m.env
	}

	stdin, err := m.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	m.stdin = stdin

	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	m.stdout = stdout

	m.cmd.Stderr = &tailWriter{m: m}

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Wait waits for the worker to exit.
func (m *WorkerManager) Wait() (*ExitResult, error) {
	if m.cmd == nil {
		return nil, errors.New("worker not started")
	}
	err := m.cmd.Wait()

	m.mu.Lock()
	result := &ExitResult{Stderr: append([]byte(nil), m.stderr.Bytes()...)}
	m.mu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("worker wait failed: %w", err)
		}
		result.ExitCode = -1
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			result.ExitCode = status.ExitStatus()
		}
	}
	return result, nil
}

// Kill terminates the worker process.
func (m *WorkerManager) Kill() error {
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Kill()
	}
	return nil
}

// tailWriter keeps the last maxStderr bytes written.
type tailWriter struct{ m *WorkerManager }

func (w *tailWriter) Write(p []byte) (int, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.stderr.Write(p)
	if over := w.m.stderr.Len() - maxStderr; over > 0 {
		w.m.stderr.Next(over)
	}
	return len(p), nil
}

// PipeFactory runs workers as goroutines serving cfg over in-memory pipes.
// Killing such a worker closes both pipes, which the client sees as a
// crash.
func PipeFactory(cfg WorkerConfig) WorkerFactory {
	return func(_ context.Context, id string) (*Conn, error) {
		toWorkerR, toWorkerW := io.Pipe()
		fromWorkerR, fromWorkerW := io.Pipe()

		wcfg := cfg
		wcfg.ID = id
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			err := Serve(ctx, toWorkerR, fromWorkerW, wcfg)
			_ = fromWorkerW.Close()
			done <- err
		}()

		var once sync.Once
		var result *ExitResult
		var serveErr error
		wait := func() (*ExitResult, error) {
			once.Do(func() {
				serveErr = <-done
				result = &ExitResult{}
				if serveErr != nil {
					result.ExitCode = 1
					result.Stderr = []byte(serveErr.Error())
				}
			})
			return result, nil
		}
		kill := func() error {
			cancel()
			_ = toWorkerR.CloseWithError(errKilled)
			_ = fromWorkerW.CloseWithError(errKilled)
			return nil
		}
		return &Conn{ID: id, Stdin: toWorkerW, Stdout: fromWorkerR, Wait: wait, Kill: kill}, nil
	}
}

var errKilled = errors.New("worker killed")
