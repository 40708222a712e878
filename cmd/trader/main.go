package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/core"
	"github.com/IggyIkenna/basis-strategy-v1/internal/obs"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/bytedance/sonic"
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON strategy config")
	envFile := flag.String("env", ".env", "Env file with secrets and DSNs (missing file is ignored)")
	recoverRun := flag.Bool("recover", false, "Restore positions, strategy state and P&L from the journal")
	addr := flag.String("http-addr", ":9091", "Address of the metrics and control endpoints")
	profiler := flag.String("pyroscope", "", "Pyroscope server address (empty disables profiling)")
	statusEvery := flag.Duration("status-interval", time.Minute, "Status log interval (0=disable)")
	flag.Parse()

	if *configPath == "" {
		return errors.New("missing config; use -config")
	}
	loaded, err := ops.Load(*configPath, *envFile)
	if err != nil {
		return err
	}
	if loaded.Strategy.Mode != ops.ModeLive {
		return fmt.Errorf("config %s is in %s mode; use the backtest binary", *configPath, loaded.Strategy.Mode)
	}

	if *profiler != "" {
		p, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "basis.trader",
			ServerAddress:   *profiler,
			Tags:            map[string]string{"strategy": loaded.Strategy.ID},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("pyroscope start: %w", err)
		}
		defer func() { _ = p.Stop() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		obs.NewCollector(rt.Metrics, loaded.Strategy.ID),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	server := &http.Server{
		Addr:              *addr,
		Handler:           routes(rt.Engine, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logs.Infof("control surface listening on %s", *addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := rt.Engine.Start(ctx); err != nil {
		return err
	}

	var statusTick <-chan time.Time
	if *statusEvery > 0 {
		ticker := time.NewTicker(*statusEvery)
		defer ticker.Stop()
		statusTick = ticker.C
	}

	var runErr error
loop:
	for {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown signal received")
			break loop
		case err := <-serveErr:
			runErr = fmt.Errorf("control surface: %w", err)
			break loop
		case <-statusTick:
			st := rt.Engine.Status()
			logs.Infof("run %s state %s strategy %s ticks %d last %s cumulative pnl %s",
				st.RunID, st.State, st.StrategyState, st.Ticks, st.LastTick.Format(time.RFC3339), st.LastPnL.CumulativePnL)
		}
	}

	if err := rt.Engine.Stop(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func routes(engine *core.Engine, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, engine.Status())
	})
	mux.HandleFunc("POST /resume", func(w http.ResponseWriter, _ *http.Request) {
		if err := engine.Resume(); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		logs.Infof("run %s resumed by operator", engine.RunID())
		writeJSON(w, http.StatusOK, engine.Status())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
