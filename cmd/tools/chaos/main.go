package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/IggyIkenna/basis-strategy-v1/internal/chaos"
	"github.com/IggyIkenna/basis-strategy-v1/internal/codec"
	"github.com/IggyIkenna/basis-strategy-v1/internal/core"
	"github.com/IggyIkenna/basis-strategy-v1/internal/journal"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

func main() {
	configPath := flag.String("config", "configs/btc_basis.json", "Path to JSON backtest config")
	envFile := flag.String("env", ".env", "Env file (missing file is ignored)")
	outDir := flag.String("output-dir", "var/chaos", "Directory for the drill journal, snapshot and results")
	venues := flag.String("venues", "", "Comma separated venues to wrap (default: all)")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	rejectRate := flag.Float64("reject-rate", 0, "Rejection probability [0-1]")
	unavailableRate := flag.Float64("unavailable-rate", 0, "Transient outage probability [0-1]")
	maxDelay := flag.Duration("max-delay", 0, "Max injected venue latency")
	failKinds := flag.String("fail-kinds", "", "Comma separated instruction kinds that always fail (e.g. DERIVATIVE_TRADE)")
	fundingMul := flag.String("funding-multiplier", "", "Scale settled funding by this factor")
	flag.Parse()

	loaded, err := ops.Load(*configPath, *envFile)
	if err != nil {
		logs.Errorf("load config failed, err: %+v", err)
		os.Exit(1)
	}

	cfg := chaos.Config{
		Seed:            *seed,
		RejectRate:      *rejectRate,
		UnavailableRate: *unavailableRate,
		MaxDelay:        *maxDelay,
	}
	if cfg.FailKinds, err = parseKinds(*failKinds); err != nil {
		logs.Errorf("invalid -fail-kinds, err: %+v", err)
		os.Exit(1)
	}
	if *fundingMul != "" {
		if cfg.FundingMultiplier, err = decimal.NewFromString(*fundingMul); err != nil {
			logs.Errorf("invalid -funding-multiplier, err: %+v", err)
			os.Exit(1)
		}
	}

	rep, err := drill(context.Background(), loaded, cfg, splitList(*venues), *outDir)
	if err != nil {
		logs.Errorf("drill failed, err: %+v", err)
		os.Exit(1)
	}
	rep.print()
	if !rep.Verified {
		os.Exit(2)
	}
}

// report summarizes one drill.
type report struct {
	Wrapped     []schema.Venue
	RunErr      string
	Ticks       int
	Failed      int
	Partial     int
	RolledBack  int
	Warnings    int
	Verified    bool
	VerifyError string
}

func (r report) print() {
	fmt.Printf("drill wrapped=%v ticks=%d failed=%d partial=%d rolled_back=%d reconciliation_warnings=%d verified=%t\n",
		r.Wrapped, r.Ticks, r.Failed, r.Partial, r.RolledBack, r.Warnings, r.Verified)
	if r.RunErr != "" {
		fmt.Printf("  run ended early: %s\n", r.RunErr)
	}
	if r.VerifyError != "" {
		fmt.Printf("  verification: %s\n", r.VerifyError)
	}
}

// drill runs the configured backtest with fault-injecting venues and checks
// that the journal still reproduces the written position snapshot. A failing
// run is an expected drill outcome, not an error.
func drill(ctx context.Context, loaded ops.Loaded, cfg chaos.Config, only []string, dir string) (report, error) {
	var rep report
	if loaded.Strategy.Mode != ops.ModeBacktest {
		return rep, fmt.Errorf("drills run in backtest mode, config is %s", loaded.Strategy.Mode)
	}
	if err := cfg.Validate(); err != nil {
		return rep, err
	}

	loaded.Venues = append([]ops.VenueSpec(nil), loaded.Venues...)
	wrap := make(map[string]struct{}, len(only))
	for _, name := range only {
		wrap[name] = struct{}{}
	}
	for i := range loaded.Venues {
		spec := &loaded.Venues[i]
		if _, ok := wrap[string(spec.Name)]; len(wrap) > 0 && !ok {
			continue
		}
		vc := cfg
		if vc.Seed != 0 {
			vc.Seed += int64(i)
		}
		spec.Chaos = &vc
		rep.Wrapped = append(rep.Wrapped, spec.Name)
	}
	if len(rep.Wrapped) == 0 {
		return rep, fmt.Errorf("no configured venue matches %v", only)
	}

	loaded.Sink = ops.SinkConfig{
		JournalDir:      filepath.Join(dir, "journal"),
		SyncEveryRecord: true,
		SnapshotPath:    filepath.Join(dir, "positions.json"),
		SQLitePath:      filepath.Join(dir, "results.db"),
	}
	if err := os.RemoveAll(loaded.Sink.JournalDir); err != nil {
		return rep, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rep, err
	}

	rt, err := core.Build(ctx, loaded)
	if err != nil {
		return rep, err
	}
	_, runErr := rt.Engine.RunBacktest(ctx)
	if runErr != nil {
		rep.RunErr = runErr.Error()
	}
	if err := rt.Close(); err != nil {
		return rep, err
	}

	last, err := rep.scan(ctx, loaded.Sink.JournalDir)
	if err != nil {
		return rep, err
	}
	snap, err := state.ReadSnapshot(loaded.Sink.SnapshotPath)
	if err != nil {
		return rep, err
	}
	if err := state.CompareSnapshots(snap, last); err != nil {
		rep.VerifyError = err.Error()
		return rep, nil
	}
	rep.Verified = true
	return rep, nil
}

// scan walks the journal, counts outcomes and returns the positions of the
// last tick, or the seed when no tick was written.
func (r *report) scan(ctx context.Context, dir string) (schema.PositionSnapshot, error) {
	var last schema.PositionSnapshot
	pb, err := journal.NewPlayback(journal.PlaybackConfig{Dir: dir})
	if err != nil {
		return last, err
	}
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		switch header.Type {
		case schema.EventSeed:
			snap, err := codec.DecodeSnapshot(payload)
			if err != nil {
				return err
			}
			last = snap
		case schema.EventTick:
			rec, err := codec.DecodeTick(payload)
			if err != nil {
				return err
			}
			r.Ticks++
			last = rec.Positions
			if rec.Error != "" {
				r.Failed++
			}
			if !rec.PnL.WithinTolerance {
				r.Warnings++
			}
			if res := rec.Execution; res != nil {
				if res.Partial {
					r.Partial++
				}
				if res.RolledBack != "" {
					r.RolledBack++
				}
			}
		}
		return nil
	})
	return last, err
}

func parseKinds(s string) ([]schema.InstructionKind, error) {
	var kinds []schema.InstructionKind
	for _, name := range splitList(s) {
		var k schema.InstructionKind
		if err := k.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
