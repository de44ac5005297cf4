// Package main provides the afar-worker entrypoint.
//
// A process executor starts one afar-worker per worker slot and speaks
// length-prefixed frames with it over stdin and stdout. The worker reads
// scattered values from, and writes results to, the blob store named by
// its flags, which must be the store of the executor that started it.
//
// Usage:
//
//	afar-worker --store fs --store-path /var/lib/afar --id w-1
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/executor/process"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/remote"
	"github.com/justapithecus/afar/types"
)

func main() {
	app := newApp(os.Stdin, os.Stdout, os.Stderr)
	app.ExitErrHandler = func(_ *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitCoder cli.ExitCoder
		if errors.As(err, &exitCoder) {
			if msg := exitCoder.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(exitCoder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(2)
	}
}

// newApp builds the worker app. Frames are read from in and written to
// out; logs go to errOut, which the executor keeps a tail of.
func newApp(in io.Reader, out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:      "afar-worker",
		Usage:     "Run afar tasks received as frames on stdin",
		Version:   fmt.Sprintf("%s (protocol %s)", types.Version, types.ProtocolVersion),
		Reader:    in,
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "store",
				Usage:    "Blob store backend: fs or s3",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "store-path",
				Usage: "Store root (fs: directory, s3: bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Key prefix of blobs within the store",
			},
			&cli.StringFlag{
				Name:  "s3-region",
				Usage: "S3 region (default: from the AWS environment)",
			},
			&cli.StringFlag{
				Name:  "s3-endpoint",
				Usage: "S3-compatible endpoint URL",
			},
			&cli.BoolFlag{
				Name:  "s3-path-style",
				Usage: "Use path-style S3 addressing",
			},
			&cli.StringFlag{
				Name:    "id",
				Usage:   "Worker ID reported in the ready frame",
				EnvVars: []string{"AFAR_WORKER_ID"},
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "Tasks run at once (default: number of CPUs)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Write structured logs to stderr",
				EnvVars: []string{"AFAR_WORKER_VERBOSE"},
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	backend := c.String("store")
	if backend == lode.BackendMemory {
		return cli.Exit("a worker cannot share a memory store with its client: use fs or s3", 2)
	}
	if c.Int("parallel") < 0 {
		return cli.Exit("--parallel must not be negative", 2)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, err := lode.NewFactory(ctx, lode.StoreConfig{
		Backend:      backend,
		Path:         c.String("store-path"),
		Region:       c.String("s3-region"),
		Endpoint:     c.String("s3-endpoint"),
		UsePathStyle: c.Bool("s3-path-style"),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("store: %v", err), 2)
	}

	id := c.String("id")
	logger := log.NewNop()
	if c.Bool("verbose") {
		logger = log.NewLogger(&types.SessionMeta{WorkerID: &id}).WithOutput(c.App.ErrWriter)
		defer func() { _ = logger.Sync() }()
	}
	logger.Info("worker starting", map[string]any{"store": backend, "pid": os.Getpid()})

	err = process.Serve(ctx, c.App.Reader, c.App.Writer, process.WorkerConfig{
		ID:       id,
		Blobs:    lode.NewBlobStore(factory, c.String("prefix")),
		Codec:    remote.Codec{},
		Parallel: c.Int("parallel"),
		Logger:   logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", map[string]any{"error": err.Error()})
		return cli.Exit(err.Error(), 1)
	}
	logger.Info("worker stopped", nil)
	return nil
}
