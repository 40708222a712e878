package core

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/chaos"
	"github.com/IggyIkenna/basis-strategy-v1/internal/execution"
	"github.com/IggyIkenna/basis-strategy-v1/internal/exposure"
	"github.com/IggyIkenna/basis-strategy-v1/internal/journal"
	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/obs"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/IggyIkenna/basis-strategy-v1/internal/pnl"
	"github.com/IggyIkenna/basis-strategy-v1/internal/risk"
	"github.com/IggyIkenna/basis-strategy-v1/internal/sink"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/IggyIkenna/basis-strategy-v1/internal/strategy"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/conn"
	"github.com/yanun0323/logs"
)

const defaultQueueSize = 4

// Runtime is an engine with the resources built for it.
type Runtime struct {
	Engine  *Engine
	Config  ops.Loaded
	Metrics *obs.Metrics
	// Memory keeps every record of the run in process.
	Memory *sink.Memory
	// SQLite is set when sink.sqlitePath is configured.
	SQLite *sink.SQLite

	sinks []sink.Sink
}

// BuildOption customizes Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	provider marketdata.Provider
	client   *http.Client
	now      func() time.Time
}

// WithProvider replaces the configured market data source.
func WithProvider(p marketdata.Provider) BuildOption {
	return func(o *buildOptions) { o.provider = p }
}

// WithHTTPClient sets the client of live venues and the live provider.
func WithHTTPClient(c *http.Client) BuildOption {
	return func(o *buildOptions) { o.client = c }
}

// WithClock sets the wall clock of the live loop.
func WithClock(now func() time.Time) BuildOption {
	return func(o *buildOptions) { o.now = now }
}

// Build wires one engine from a loaded configuration. The caller closes the
// runtime once the run is over.
func Build(ctx context.Context, cfg ops.Loaded, opts ...BuildOption) (rt *Runtime, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt = &Runtime{Config: cfg, Metrics: obs.NewMetrics(), Memory: sink.NewMemory()}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	provider := o.provider
	if provider == nil {
		if provider, err = buildProvider(cfg, o.client); err != nil {
			return rt, err
		}
	}

	tracker := state.NewTracker(cfg.Registry)
	decisions, err := strategy.NewEngine(cfg.Decision, cfg.Planner)
	if err != nil {
		return rt, err
	}
	pnlEngine, err := pnl.NewEngine(cfg.PnL, cfg.Registry, cfg.Components...)
	if err != nil {
		return rt, err
	}

	venues, err := buildVenues(cfg, provider, o.client)
	if err != nil {
		return rt, err
	}
	orchestrator, err := execution.NewOrchestrator(cfg.Execution, tracker, venues...)
	if err != nil {
		return rt, err
	}

	journalSink, err := rt.openSinks(ctx, cfg)
	if err != nil {
		return rt, err
	}

	now := o.now
	if now == nil {
		now = time.Now
	}
	queueSize := cfg.Live.QueueSize
	if queueSize == 0 {
		queueSize = defaultQueueSize
	}
	rt.Engine, err = NewEngine(Config{
		StrategyID:   cfg.Strategy.ID,
		Mode:         cfg.Strategy.Mode,
		Capital:      cfg.Strategy.Capital,
		SeedVenue:    cfg.Strategy.SeedVenue,
		Start:        cfg.Backtest.Start,
		End:          cfg.Backtest.End,
		Step:         time.Duration(cfg.Backtest.Step),
		Interval:     time.Duration(cfg.Live.Interval),
		QueueSize:    queueSize,
		SyncBalances: cfg.Live.SyncBalances,
		SnapshotPath: cfg.Sink.SnapshotPath,
		Now:          now,
	}, Deps{
		Registry:     cfg.Registry,
		Provider:     provider,
		Tracker:      tracker,
		Exposure:     exposure.NewCalculator(cfg.Registry),
		Risk:         risk.NewAssessor(cfg.Risk, cfg.Registry),
		Strategy:     decisions,
		Orchestrator: orchestrator,
		PnL:          pnlEngine,
		Sink:         sink.FanOut(rt.sinks),
		Journal:      journalSink,
		Metrics:      rt.Metrics,
	})
	if err != nil {
		return rt, err
	}
	logs.Infof("engine built, strategy: %s, mode: %s, instruments: %d, venues: %d, sinks: %d",
		cfg.Strategy.ID, cfg.Strategy.Mode, cfg.Registry.Count(), len(venues), len(rt.sinks))
	return rt, nil
}

// Recover restores the engine from the configured journal and snapshot.
func (rt *Runtime) Recover(ctx context.Context) (state.RecoverResult, error) {
	return rt.Engine.Recover(ctx, state.RecoverConfig{
		JournalDir:   rt.Config.Sink.JournalDir,
		SnapshotPath: rt.Config.Sink.SnapshotPath,
	})
}

// Close releases every sink in reverse opening order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.sinks) - 1; i >= 0; i-- {
		if err := rt.sinks[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.sinks = nil
	return errors.Join(errs...)
}

func buildProvider(cfg ops.Loaded, client *http.Client) (marketdata.Provider, error) {
	switch cfg.Strategy.Mode {
	case ops.ModeLive:
		return marketdata.NewHTTPProvider(client, cfg.Live.DataURL, time.Duration(cfg.Live.DataTimeout)), nil
	default:
		store, err := marketdata.LoadHistorical(cfg.Backtest.DataDir, time.Duration(cfg.Backtest.MaxAge))
		if err != nil {
			return nil, err
		}
		if from, to, ok := store.Span(); ok {
			logs.Infof("historical data loaded, dir: %s, span: %s - %s", cfg.Backtest.DataDir, from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		return store, nil
	}
}

func buildVenues(cfg ops.Loaded, provider marketdata.Provider, client *http.Client) ([]execution.Venue, error) {
	venues := make([]execution.Venue, 0, len(cfg.Venues))
	for _, spec := range cfg.Venues {
		var venue execution.Venue
		switch spec.Type {
		case "http":
			c := client
			if c == nil {
				c = &http.Client{Timeout: spec.Timeout}
			}
			v, err := execution.NewHTTPVenue(spec.HTTP, c)
			if err != nil {
				return nil, err
			}
			venue = v
		default:
			venue = execution.NewSimulated(spec.Name, spec.Fees, cfg.Registry, provider)
		}
		if spec.Chaos != nil {
			v, err := chaos.Wrap(venue, *spec.Chaos)
			if err != nil {
				return nil, err
			}
			logs.Warnf("venue %s wrapped with fault injection, seed: %d", spec.Name, spec.Chaos.Seed)
			venue = v
		}
		venues = append(venues, venue)
	}
	return venues, nil
}

// openSinks opens the configured result sinks. The in-process memory sink is
// always first.
func (rt *Runtime) openSinks(ctx context.Context, cfg ops.Loaded) (*sink.Journal, error) {
	rt.sinks = append(rt.sinks, rt.Memory)

	var journalSink *sink.Journal
	if dir := cfg.Sink.JournalDir; dir != "" {
		jcfg := journal.DefaultConfig(dir)
		jcfg.SyncEveryRecord = cfg.Sink.SyncEveryRecord
		j, err := sink.OpenJournal(ctx, jcfg)
		if err != nil {
			return nil, err
		}
		rt.sinks = append(rt.sinks, j)
		journalSink = j
	}
	if path := cfg.Sink.SQLitePath; path != "" {
		s, err := sink.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		rt.sinks = append(rt.sinks, s)
		rt.SQLite = s
	}
	if dsn := cfg.Sink.PostgresDSN; dsn != "" {
		p, err := sink.OpenPostgres(ctx, conn.Option{ConnString: dsn})
		if err != nil {
			return nil, err
		}
		rt.sinks = append(rt.sinks, p)
	}
	return journalSink, nil
}
