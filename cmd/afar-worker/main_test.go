package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/executor/process"
	"github.com/justapithecus/afar/ipc"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/remote"
	"github.com/justapithecus/afar/types"
)

func runWorker(in io.Reader, out, errOut io.Writer, args ...string) error {
	app := newApp(in, out, errOut)
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app.Run(append([]string{"afar-worker"}, args...))
}

func TestWorker_ReadyThenExitOnEOF(t *testing.T) {
	var out, errOut bytes.Buffer
	err := runWorker(bytes.NewReader(nil), &out, &errOut,
		"--store", "fs", "--store-path", t.TempDir(), "--id", "w-7", "--verbose")
	if err != nil {
		t.Fatalf("worker: %v (%s)", err, errOut.String())
	}

	frame, err := ipc.NewFrameDecoder(&out).Next()
	if err != nil {
		t.Fatalf("read ready frame: %v", err)
	}
	ready, ok := frame.(*ipc.Ready)
	if !ok {
		t.Fatalf("first frame = %T, want *ipc.Ready", frame)
	}
	if ready.WorkerID != "w-7" || ready.Protocol != types.ProtocolVersion {
		t.Errorf("ready = %+v", ready)
	}
	if !bytes.Contains(errOut.Bytes(), []byte(`"worker_id":"w-7"`)) {
		t.Errorf("logs missing worker id: %s", errOut.String())
	}
}

func TestWorker_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"memory store", []string{"--store", "memory"}},
		{"fs without path", []string{"--store", "fs"}},
		{"unknown backend", []string{"--store", "ftp", "--store-path", "x"}},
		{"negative parallel", []string{"--store", "fs", "--store-path", "x", "--parallel", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runWorker(bytes.NewReader(nil), &out, io.Discard, tt.args...)
			var ec cli.ExitCoder
			if !errors.As(err, &ec) || ec.ExitCode() != 2 {
				t.Fatalf("err = %v, want exit code 2", err)
			}
			if out.Len() != 0 {
				t.Error("ready frame written despite a usage error")
			}
		})
	}
}

// appFactory starts workers as in-process afar-worker apps over pipes,
// the way the process executor starts the binary.
func appFactory(storePath string) process.WorkerFactory {
	return func(_ context.Context, id string) (*process.Conn, error) {
		toWorkerR, toWorkerW := io.Pipe()
		fromWorkerR, fromWorkerW := io.Pipe()
		done := make(chan error, 1)
		go func() {
			err := runWorker(toWorkerR, fromWorkerW, io.Discard, "--store", "fs", "--store-path", storePath, "--id", id)
			_ = fromWorkerW.Close()
			done <- err
		}()
		return &process.Conn{
			ID:     id,
			Stdin:  toWorkerW,
			Stdout: fromWorkerR,
			Wait: func() (*process.ExitResult, error) {
				if err := <-done; err != nil {
					return &process.ExitResult{ExitCode: 1, Stderr: []byte(err.Error())}, nil
				}
				return &process.ExitResult{}, nil
			},
			Kill: func() error {
				_ = toWorkerR.Close()
				return fromWorkerW.Close()
			},
		}, nil
	}
}

func TestWorker_ServesSharedStore(t *testing.T) {
	dir := t.TempDir()
	factory, err := lode.NewFactory(t.Context(), lode.StoreConfig{Backend: lode.BackendFS, Path: dir})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	e, err := process.New(t.Context(), process.Config{
		Workers: 1,
		Factory: appFactory(dir),
		Blobs:   lode.NewBlobStore(factory, ""),
		Codec:   remote.Codec{},
	})
	if err != nil {
		t.Fatalf("process.New: %v", err)
	}
	defer func() { _ = e.Close() }()

	scattered, err := e.Scatter(t.Context(), []any{map[string]any{"y": int64(7)}})
	if err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	f, err := e.Submit(t.Context(), executor.Task{Func: remote.TaskGet, Args: []any{scattered[0], "y"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v, err := f.Result(t.Context())
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if fmt.Sprint(v) != "7" {
		t.Errorf("result = %v (%T), want 7", v, v)
	}
}
