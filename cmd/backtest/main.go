package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/IggyIkenna/basis-strategy-v1/internal/core"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("backtest: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON strategy config")
	envFile := flag.String("env", ".env", "Env file with secrets and DSNs (missing file is ignored)")
	recoverRun := flag.Bool("recover", false, "Continue from the configured journal and snapshot")
	flag.Parse()

	if *configPath == "" {
		return errors.New("missing config; use -config")
	}
	loaded, err := ops.Load(*configPath, *envFile)
	if err != nil {
		return err
	}
	if loaded.Strategy.Mode != ops.ModeBacktest {
		return fmt.Errorf("config %s is in %s mode; use the trader binary", *configPath, loaded.Strategy.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := core.Build(ctx, loaded)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logs.Errorf("close sinks, err: %+v", err)
		}
	}()

	if *recoverRun {
		if _, err := rt.Recover(ctx); err != nil {
			return err
		}
	}

	st, runErr := rt.Engine.RunBacktest(ctx)
	if err := report(ctx, rt, st); err != nil {
		logs.Warnf("report failed, err: %+v", err)
	}
	return runErr
}

func report(ctx context.Context, rt *core.Runtime, st core.Status) error {
	out, err := sonic.ConfigStd.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	snap := rt.Metrics.Snapshot()
	logs.Infof("ticks: %d, skipped: %d, executions: %d, failed: %d, reconciliation warnings: %d, tick latency avg: %s max: %s",
		snap.Ticks, snap.TicksSkipped, snap.Executions, snap.ExecutionErrors, snap.ReconWarnings, snap.TickLatency.Avg, snap.TickLatency.Max)

	if rt.SQLite == nil {
		return nil
	}
	attr, err := rt.SQLite.Attribution(ctx, st.RunID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(attr))
	for name := range attr {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-20s %s\n", name, attr[name].StringFixed(4))
	}
	return nil
}
