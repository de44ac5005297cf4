package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/cli/config"
	"github.com/justapithecus/afar/cli/render"
	"github.com/justapithecus/afar/cli/tui"
	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/session"
	"github.com/justapithecus/afar/span"
)

// RunCommand returns the run command: execute cell files in one session.
func RunCommand() *cli.Command {
	flags := append(StackFlags(), OutputFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:  "stats",
			Usage: "Render session metrics after the last cell",
		},
		&cli.BoolFlag{
			Name:  "tui",
			Usage: "Show output in a full-screen terminal UI",
		},
		&cli.BoolFlag{
			Name:  "async",
			Usage: "Relay remote output per block as it arrives",
		},
		&cli.BoolFlag{
			Name:  "keep-going",
			Usage: "Run the remaining cells after a cell fails",
		},
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "Run cell files (cells separated by '# %%' lines) in one session",
		ArgsUsage: "CELLFILE...",
		Flags:     flags,
		Action:    runAction,
	}
}

// cellFile is one input file split into cells.
type cellFile struct {
	name  string
	cells []string
}

func runAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("run requires at least one cell file", exitUsage)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		cfg.Frontend.Mode = config.FrontendTUI
	}
	if c.IsSet("async") {
		cfg.Frontend.Async = c.Bool("async")
	}

	files, err := readCellFiles(c.Args().Slice(), c.App.Reader)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := stackOptions{executor: true, journal: true}
	var ui *tui.Frontend
	if cfg.Frontend.Mode == config.FrontendTUI {
		ui = tui.New()
		// Log lines would tear the screen.
		opts.logTo = io.Discard
	}
	st, err := openStack(ctx, c.Bool(VerboseFlag.Name), cfg, opts)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	restore := executor.SetDefault(st.exec)
	defer restore()

	fe := frontend(cfg.Frontend, ui, c.App.Writer, c.App.ErrWriter)
	if ui != nil {
		ui.Start()
	}
	sess := session.New(session.Config{
		Frontend:  fe,
		Executors: st.executors(),
		SessionID: cfg.SessionID,
		Journal:   st.journal,
		Notifier:  st.notifier,
		Logger:    st.logger,
		Metrics:   st.metrics,
	})
	code := runCells(ctx, sess, files, errWriter(fe, c.App.ErrWriter), c.Bool("keep-going"))
	sess.Close()

	if ui != nil {
		state := "finished"
		if code != exitSuccess {
			state = "failed"
		}
		ui.Finish(state, "press q to exit")
		if err := ui.Wait(); err != nil {
			st.logger.Warn("tui exited with an error", map[string]any{"error": err.Error()})
		}
	}

	if c.Bool("stats") {
		if err := r.Render(newStatsView(st.metrics.Snapshot())); err != nil {
			return err
		}
	}
	if code != exitSuccess {
		return cli.Exit("", code)
	}
	return nil
}

// runCells runs every cell in order and returns the exit code. The first
// failure stops the run unless keepGoing is set; a usage error anywhere
// makes the code exitUsage.
func runCells(ctx context.Context, sess *session.Session, files []cellFile, stderr io.Writer, keepGoing bool) int {
	code := exitSuccess
	for _, f := range files {
		for i, cell := range f.cells {
			if ctx.Err() != nil {
				fmt.Fprintln(stderr, "interrupted")
				return exitBlockFailed
			}
			err := sess.RunCell(ctx, cell)
			if err == nil {
				continue
			}
			fmt.Fprintf(stderr, "%s, cell %d: %v\n", f.name, i+1, err)
			var usage *span.UsageError
			if errors.As(err, &usage) {
				code = exitUsage
			} else if code == exitSuccess {
				code = exitBlockFailed
			}
			if !keepGoing {
				return code
			}
		}
	}
	return code
}

func readCellFiles(paths []string, stdin io.Reader) ([]cellFile, error) {
	files := make([]cellFile, 0, len(paths))
	for _, p := range paths {
		var (
			data []byte
			err  error
		)
		if p == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(p)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, cellFile{name: p, cells: session.SplitCells(string(data))})
	}
	return files, nil
}

// frontend builds the display front-end selected by cfg. ui is the TUI
// when that mode is selected.
func frontend(cfg config.FrontendConfig, ui *tui.Frontend, out, errOut io.Writer) display.Frontend {
	switch cfg.Mode {
	case config.FrontendNone:
		return nil
	case config.FrontendTUI:
		return ui
	default:
		t := display.NewTerminal(out, errOut)
		t.Async = cfg.Async
		return t
	}
}

func errWriter(fe display.Frontend, fallback io.Writer) io.Writer {
	if fe == nil {
		return fallback
	}
	return fe.Stderr()
}
