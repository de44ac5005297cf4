package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/cli/config"
	"github.com/justapithecus/afar/cli/render"
	"github.com/justapithecus/afar/types"
)

// TailCommand returns the tail command: follow a session's relay events.
func TailCommand() *cli.Command {
	flags := append(StackFlags(), OutputFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "topic",
			Usage: "Relay topic to follow (default: the session's topic)",
		},
		&cli.IntFlag{
			Name:  "count",
			Usage: "Exit after this many events (0 follows until interrupted)",
		},
	)
	return &cli.Command{
		Name:   "tail",
		Usage:  "Print relay events published by remote blocks as they arrive",
		Flags:  flags,
		Action: tailAction,
	}
}

func tailAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Bus.Type == "" || cfg.Bus.Type == config.BusMemory {
		return cli.Exit("tail needs a shared bus (redis or kafka)", exitUsage)
	}
	topic := c.String("topic")
	if topic == "" {
		if cfg.SessionID == "" {
			return cli.Exit("tail requires --session or --topic", exitUsage)
		}
		topic = types.RelayTopic(cfg.SessionID)
	}
	count := c.Int("count")
	if count < 0 {
		return cli.Exit("--count must not be negative", exitUsage)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, c.Bool(VerboseFlag.Name), cfg, stackOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	err = tailEvents(ctx, st.bus, topic, count, func(v eventView) error { return r.Stream(v) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tailEvents passes every event on topic to emit, in arrival order, until
// ctx ends or count events were emitted. A count of zero never stops.
func tailEvents(ctx context.Context, bus adapter.Bus, topic string, count int, emit func(eventView) error) error {
	events := make(chan types.RelayEvent, 64)
	sub, err := bus.Subscribe(ctx, topic, func(ev types.RelayEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	for n := 0; count == 0 || n < count; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if err := emit(eventView{Topic: topic, Key: ev.Key, Action: ev.Action, Payload: ev.Payload, Seq: ev.Seq}); err != nil {
				return err
			}
		}
	}
	return nil
}
