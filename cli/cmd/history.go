package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	lodestore "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/cli/render"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/types"
)

// HistoryCommand returns the history command: list journaled blocks.
func HistoryCommand() *cli.Command {
	flags := append(StackFlags(), OutputFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "location",
			Usage: "Only blocks run at this location: locally, remotely or later",
		},
		&cli.StringFlag{
			Name:  "status",
			Usage: "Only blocks with this status: finished, submitted, deferred or failed",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum records to show (0 for all)",
			Value: 50,
		},
		&cli.BoolFlag{
			Name:  "source",
			Usage: "Include block source",
		},
	)
	return &cli.Command{
		Name:   "history",
		Usage:  "List blocks recorded in the journal, newest first",
		Flags:  flags,
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	filter := lode.HistoryFilter{
		Location: c.String("location"),
		Status:   c.String("status"),
		Limit:    c.Int("limit"),
	}
	if filter.Location != "" {
		if _, err := types.ParseLocation(filter.Location); err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}
	}
	if filter.Limit < 0 {
		return cli.Exit("--limit must not be negative", exitUsage)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if storeBackend(cfg) == lode.BackendMemory {
		return cli.Exit("history needs a persistent store: use --store fs or s3", exitUsage)
	}
	// The session flag filters; it does not name this invocation.
	filter.SessionID = cfg.SessionID

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, c.Bool(VerboseFlag.Name), cfg, stackOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	recs, err := queryHistory(ctx, st.factory, cfg.Journal.Dataset, filter)
	if err != nil {
		return err
	}
	return r.Render(newHistoryView(recs, c.Bool("source")))
}

func queryHistory(ctx context.Context, factory lodestore.StoreFactory, dataset string, filter lode.HistoryFilter) ([]lode.BlockRecord, error) {
	if dataset == "" {
		dataset = lode.DefaultDataset
	}
	ds, err := lode.OpenDataset(dataset, factory)
	if err != nil {
		return nil, err
	}
	return lode.History(ctx, ds, filter)
}
