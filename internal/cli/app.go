package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/conflict"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/intercept"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/status"
	"github.com/roach88/fieldsync/internal/store"
)

// app is everything a command needs, wired from the configuration.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *store.Store
	remote    *remote.Client
	prober    *connectivity.HTTPProber
	monitor   *connectivity.Monitor
	validator *schema.Validator
	engine    *engine.Engine
	icpt      *intercept.Interceptor
	out       *OutputFormatter
}

func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openApp loads the configuration and opens the queue. A nil logger logs
// warnings and errors to stderr. The caller must Close the app.
func openApp(cmd *cobra.Command, opts *RootOptions, logger *slog.Logger) (*app, error) {
	out := newFormatter(opts, cmd)
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if logger == nil {
		logger = newLogger(opts, cmd.ErrOrStderr())
	}

	validator, err := schema.Load(cfg.Schemas)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	policy, err := conflict.ParsePolicy(cfg.Conflict.Policy)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid conflict policy", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	out.VerboseLog("database ready: %s", cfg.Database)

	client := remote.New(cfg.Remote.BaseURL,
		remote.WithRequestTimeout(cfg.Remote.RequestTimeout),
		remote.WithIdempotencyHeader(cfg.Remote.IdempotencyHeader),
		remote.WithLogger(logger),
	)
	prober := connectivity.NewHTTPProber(cfg.Remote.HealthURL())
	monitor := connectivity.NewMonitor(prober,
		connectivity.WithConfirmations(cfg.Connectivity.Confirmations),
		connectivity.WithInterval(cfg.Connectivity.ProbeInterval),
		connectivity.WithProbeTimeout(cfg.Connectivity.ProbeTimeout),
		connectivity.WithLogger(logger),
	)

	eng := engine.New(st, client, monitor,
		engine.WithMaxConcurrency(cfg.Sync.MaxConcurrency),
		engine.WithMaxAttempts(cfg.Sync.MaxAttempts),
		engine.WithMaxRebases(cfg.Sync.MaxRebases),
		engine.WithMaxPassDuration(cfg.Sync.MaxPassDuration),
		engine.WithBackoff(engine.BackoffPolicy{
			Initial:    cfg.Backoff.Initial,
			Max:        cfg.Backoff.Max,
			Multiplier: cfg.Backoff.Multiplier,
		}),
		engine.WithInterval(cfg.Sync.Interval),
		engine.WithSettleDelay(cfg.Sync.SettleDelay),
		engine.WithRetention(cfg.Sync.ResolvedRetention),
		engine.WithPull(cfg.Sync.Pull, cfg.Sync.PullLimit),
		engine.WithResolver(conflict.NewResolver(policy)),
		engine.WithValidator(validator),
		engine.WithLogger(logger),
	)

	icpt, err := intercept.New(commandContext(cmd), st, client, monitor,
		intercept.WithValidator(validator),
		intercept.WithTrigger(eng),
		intercept.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to read queue", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		remote:    client,
		prober:    prober,
		monitor:   monitor,
		validator: validator,
		engine:    eng,
		icpt:      icpt,
		out:       out,
	}, nil
}

// Close closes the queue database.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// connect probes the remote once and records the result as authoritative.
// One-shot commands use it instead of the debounced monitor loop.
func (a *app) connect(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.Connectivity.ProbeTimeout)
	defer cancel()
	if err := a.prober.Probe(pctx); err != nil {
		a.out.VerboseLog("remote unreachable: %v", err)
		a.monitor.Set(connectivity.Offline)
		return false
	}
	a.monitor.Set(connectivity.Online)
	return true
}

func (a *app) projector() *status.Projector {
	return status.NewProjector(a.store, a.monitor, a.engine)
}
