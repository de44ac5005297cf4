// Package cmd provides the afar CLI commands.
package cmd

import (
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/cli/config"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitBlockFailed = 1
	exitUsage       = 2
)

// Output flags shared by every command that renders a result.
var (
	// FormatFlag selects the output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables styled table headers.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}
)

// Stack flags override afar.yaml values when given.
var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the config file (default ./" + config.DefaultPath + " when present)",
		EnvVars: []string{"AFAR_CONFIG"},
	}
	SessionFlag = &cli.StringFlag{
		Name:    "session",
		Usage:   "Session ID naming relay topics and journal records (default: random)",
		EnvVars: []string{"AFAR_SESSION"},
	}
	ExecutorFlag = &cli.StringFlag{
		Name:  "executor",
		Usage: "Default executor: local, process or none",
	}
	WorkersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Worker processes, or local parallelism",
	}
	WorkerCommandFlag = &cli.StringFlag{
		Name:  "worker-cmd",
		Usage: "Command starting one process worker, split on spaces",
	}
	StoreFlag = &cli.StringFlag{
		Name:  "store",
		Usage: "Blob store backend: memory, fs or s3",
	}
	StorePathFlag = &cli.StringFlag{
		Name:  "store-path",
		Usage: "Store root (fs: directory, s3: bucket/prefix)",
	}
	BusFlag = &cli.StringFlag{
		Name:  "bus",
		Usage: "Relay bus: memory, redis or kafka",
	}
	BusURLFlag = &cli.StringFlag{
		Name:  "bus-url",
		Usage: "Redis URL for the redis bus",
	}
	BrokersFlag = &cli.StringSliceFlag{
		Name:  "brokers",
		Usage: "Kafka brokers for the kafka bus",
	}
	JournalFlag = &cli.BoolFlag{
		Name:  "journal",
		Usage: "Record dispatched blocks in the store",
	}
	NotifyURLFlag = &cli.StringFlag{
		Name:  "notify-url",
		Usage: "POST a JSON event per dispatched block to this URL",
	}
	VerboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "Write structured logs to stderr",
	}
)

// OutputFlags returns the shared rendering flags.
func OutputFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag}
}

// StackFlags returns the flags that locate the executor, store and bus.
func StackFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		SessionFlag,
		ExecutorFlag,
		WorkersFlag,
		WorkerCommandFlag,
		StoreFlag,
		StorePathFlag,
		BusFlag,
		BusURLFlag,
		BrokersFlag,
		JournalFlag,
		NotifyURLFlag,
		VerboseFlag,
	}
}

// applyFlags overrides cfg with every stack flag set on c.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(SessionFlag.Name) {
		cfg.SessionID = c.String(SessionFlag.Name)
	}
	if c.IsSet(ExecutorFlag.Name) {
		cfg.Executor.Kind = c.String(ExecutorFlag.Name)
	}
	if c.IsSet(WorkersFlag.Name) {
		cfg.Executor.Workers = c.Int(WorkersFlag.Name)
	}
	if c.IsSet(WorkerCommandFlag.Name) {
		cfg.Executor.Command = strings.Fields(c.String(WorkerCommandFlag.Name))
	}
	if c.IsSet(StoreFlag.Name) {
		cfg.Store.Backend = c.String(StoreFlag.Name)
	}
	if c.IsSet(StorePathFlag.Name) {
		cfg.Store.Path = c.String(StorePathFlag.Name)
	}
	if c.IsSet(BusFlag.Name) {
		cfg.Bus.Type = c.String(BusFlag.Name)
	}
	if c.IsSet(BusURLFlag.Name) {
		cfg.Bus.URL = c.String(BusURLFlag.Name)
	}
	if c.IsSet(BrokersFlag.Name) {
		cfg.Bus.Brokers = c.StringSlice(BrokersFlag.Name)
	}
	if c.IsSet(JournalFlag.Name) {
		cfg.Journal.Enabled = c.Bool(JournalFlag.Name)
	}
	if c.IsSet(NotifyURLFlag.Name) {
		cfg.Notify.URL = c.String(NotifyURLFlag.Name)
	}
}

// loadConfig reads the config file named by --config, applies flag
// overrides and validates the result.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOptional(c.String(ConfigFlag.Name))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	return cfg, nil
}
