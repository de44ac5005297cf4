package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	lodestore "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/adapter/kafka"
	"github.com/justapithecus/afar/adapter/memory"
	"github.com/justapithecus/afar/adapter/redis"
	"github.com/justapithecus/afar/adapter/webhook"
	"github.com/justapithecus/afar/cli/config"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/executor/local"
	"github.com/justapithecus/afar/executor/process"
	"github.com/justapithecus/afar/iox"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/remote"
	"github.com/justapithecus/afar/types"
)

// stack is the infrastructure one command invocation runs on. Parts the
// configuration leaves out are nil.
type stack struct {
	config   *config.Config
	logger   *log.Logger
	metrics  *metrics.Collector
	factory  lodestore.StoreFactory
	bus      adapter.Bus
	exec     executor.Executor
	journal  *lode.Journal
	notifier adapter.Notifier

	closers iox.Closers
}

// stackOptions selects which parts openStack builds.
type stackOptions struct {
	executor bool
	journal  bool
	// logTo receives logs when --verbose is set; stderr when nil.
	logTo io.Writer
}

// openStack builds the parts of cfg that opts asks for. On error every
// part already opened is closed.
func openStack(ctx context.Context, verbose bool, cfg *config.Config, opts stackOptions) (_ *stack, err error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	s := &stack{
		config:  cfg,
		logger:  log.NewNop(),
		metrics: metrics.NewCollector(executorKind(cfg), storeBackend(cfg), cfg.SessionID),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if verbose {
		s.logger = log.NewLogger(&types.SessionMeta{SessionID: cfg.SessionID})
		if opts.logTo != nil {
			s.logger = s.logger.WithOutput(opts.logTo)
		}
		// Sync reports EINVAL on terminals.
		s.closers.Add(func() error { _ = s.logger.Sync(); return nil })
	}

	s.factory, err = lode.NewFactory(ctx, lode.StoreConfig{
		Backend:      cfg.Store.Backend,
		Path:         cfg.Store.Path,
		Region:       cfg.Store.Region,
		Endpoint:     cfg.Store.Endpoint,
		UsePathStyle: cfg.Store.S3PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	if s.bus, err = openBus(cfg.Bus); err != nil {
		return nil, err
	}
	s.closers.Add(s.bus.Close)

	if opts.journal && cfg.Journal.Enabled {
		s.journal, err = lode.NewJournal(lode.JournalConfig{
			Dataset:   cfg.Journal.Dataset,
			SessionID: cfg.SessionID,
		}, s.factory, s.logger, s.metrics)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Notify.URL != "" {
		retries := webhook.DefaultRetries
		if cfg.Notify.Retries != nil {
			retries = *cfg.Notify.Retries
		}
		n, err := webhook.New(webhook.Config{
			URL:     cfg.Notify.URL,
			Headers: cfg.Notify.Headers,
			Timeout: cfg.Notify.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		s.notifier = n
		s.closers.Add(n.Close)
	}

	if opts.executor {
		if err := s.openExecutor(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func openBus(cfg config.BusConfig) (adapter.Bus, error) {
	switch cfg.Type {
	case "", config.BusMemory:
		return memory.New(), nil
	case config.BusRedis:
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		b, err := redis.New(redis.Config{
			URL:     cfg.URL,
			Prefix:  cfg.Prefix,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BusKafka:
		b, err := kafka.New(kafka.Config{
			Brokers:     cfg.Brokers,
			TopicPrefix: cfg.Prefix,
			MaxWait:     cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
}

// openExecutor starts the configured default executor.
func (s *stack) openExecutor(ctx context.Context) error {
	ec := s.config.Executor
	switch ec.Kind {
	case config.ExecutorNone:
		return nil
	case "", config.ExecutorLocal:
		s.exec = local.New(local.Config{
			Name:     ec.Name,
			Parallel: ec.Workers,
			Codec:    remote.Codec{},
			Bus:      s.bus,
			WorkerID: "local",
			Logger:   s.logger,
			Metrics:  s.metrics,
		})
	case config.ExecutorProcess:
		if s.config.Store.Backend == "" || s.config.Store.Backend == lode.BackendMemory {
			return cli.Exit("the process executor needs a store its workers share: use --store fs or s3", exitUsage)
		}
		exec, err := process.New(ctx, process.Config{
			Name:         ec.Name,
			Workers:      ec.Workers,
			Factory:      process.CommandFactory(workerArgv(s.config), append(os.Environ(), ec.Env...)),
			Blobs:        lode.NewBlobStore(s.factory, s.config.Store.Prefix),
			Codec:        remote.Codec{},
			Bus:          s.bus,
			ReadyTimeout: ec.ReadyTimeout.Duration,
			Respawn:      ec.Respawn,
			Logger:       s.logger,
			Metrics:      s.metrics,
		})
		if err != nil {
			return fmt.Errorf("start process executor: %w", err)
		}
		s.exec = exec
	default:
		return fmt.Errorf("unknown executor kind %q", ec.Kind)
	}
	s.closers.Add(s.exec.Close)
	return nil
}

// workerArgv is the worker command with the store flags appended, so a
// worker reads and writes the blobs its client does.
func workerArgv(cfg *config.Config) []string {
	argv := append([]string(nil), cfg.Executor.Command...)
	st := cfg.Store
	argv = append(argv, "--store", st.Backend, "--store-path", st.Path)
	if st.Prefix != "" {
		argv = append(argv, "--prefix", st.Prefix)
	}
	if st.Region != "" {
		argv = append(argv, "--s3-region", st.Region)
	}
	if st.Endpoint != "" {
		argv = append(argv, "--s3-endpoint", st.Endpoint)
	}
	if st.S3PathStyle {
		argv = append(argv, "--s3-path-style")
	}
	return argv
}

// executors returns the globals the session binds executors under.
func (s *stack) executors() map[string]executor.Executor {
	if s.exec == nil {
		return nil
	}
	return map[string]executor.Executor{s.exec.Name(): s.exec}
}

// Close closes every opened part, last opened first.
func (s *stack) Close() error { return s.closers.Close() }

func executorKind(cfg *config.Config) string {
	if cfg.Executor.Kind == "" {
		return config.ExecutorLocal
	}
	return cfg.Executor.Kind
}

func storeBackend(cfg *config.Config) string {
	if cfg.Store.Backend == "" {
		return lode.BackendMemory
	}
	return cfg.Store.Backend
}
