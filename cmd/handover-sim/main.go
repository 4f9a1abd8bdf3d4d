package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/control"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
	"github.com/signalsfoundry/handover-simulator/internal/sim"
	"github.com/signalsfoundry/handover-simulator/internal/sim/scenario"
	"github.com/signalsfoundry/handover-simulator/timectrl"
)

// Config holds the command-line settings of one run.
type Config struct {
	ScenarioPath   string
	Duration       time.Duration
	MetricsAddress string
	ControlAddress string
	RealTime       bool
	Tick           time.Duration
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ScenarioPath, "scenario", "scenarios/dual-connectivity.yaml", "path to a YAML scenario file")
	flag.DurationVar(&cfg.Duration, "duration", 0, "simulated duration (default: last scripted event plus one second)")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	flag.StringVar(&cfg.ControlAddress, "control-addr", "", "TCP address of the gRPC health endpoint (disabled when empty)")
	flag.BoolVar(&cfg.RealTime, "realtime", false, "pace simulated time against the wall clock")
	flag.DurationVar(&cfg.Tick, "tick", 10*time.Millisecond, "pacing tick in real-time mode")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	if err := run(ctx, cfg, log, os.Stdout); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log logging.Logger, out io.Writer) error {
	sc, err := scenario.LoadFile(cfg.ScenarioPath)
	if err != nil {
		return err
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = sc.Duration() + time.Second
	}

	handovers, err := observability.NewHandoverCollector(nil)
	if err != nil {
		return fmt.Errorf("handover metrics: %w", err)
	}
	forwarding, err := observability.NewForwardingCollector(nil)
	if err != nil {
		return fmt.Errorf("forwarding metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, handovers, log)
	controlSrv, err := serveControl(cfg.ControlAddress, log)
	if err != nil {
		return err
	}
	if controlSrv != nil {
		defer controlSrv.Stop()
	}

	ctx, runLog := logging.WithRunLogger(ctx, log)
	s, err := sim.New(sc, sim.Options{
		Logger:     log,
		Handover:   handovers,
		Forwarding: forwarding,
		Start:      time.Now().UTC(),
		RunID:      logging.RunIDFromContext(ctx),
	})
	if err != nil {
		return err
	}
	runLog.Info(ctx, "running scenario",
		logging.String("scenario", sc.Name),
		logging.Duration("duration", duration),
		logging.Any("realtime", cfg.RealTime),
	)

	if controlSrv != nil {
		controlSrv.SetRunning(true)
	}
	if cfg.RealTime {
		err = pace(ctx, s, duration, cfg.Tick)
	} else {
		err = s.Run(ctx, duration)
	}
	s.Close()
	if controlSrv != nil {
		controlSrv.SetRunning(false)
	}

	printReport(out, s.Report())

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err != nil && ctx.Err() != nil {
		runLog.Info(context.Background(), "run interrupted", logging.Err(err))
		return nil
	}
	return err
}

// pace drives the simulation from a real-time TimeController. The
// simulation is only touched by the controller goroutine until it finishes.
func pace(ctx context.Context, s *sim.Simulation, duration, tick time.Duration) error {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	tc := timectrl.NewTimeController(s.Start(), tick, timectrl.RealTime)
	tc.AddListener(func(simTime time.Time) {
		s.AdvanceTo(simTime)
	})

	stopCh := make(chan struct{})
	done := tc.Start(duration, stopCh)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(stopCh)
		<-done
		return ctx.Err()
	}
}

func serveMetrics(addr string, collector *observability.HandoverCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func serveControl(addr string, log logging.Logger) (*control.Server, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control listener: %w", err)
	}
	srv := control.NewServer(log)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Warn(context.Background(), "control server exited", logging.Err(err))
		}
	}()
	return srv, nil
}

func printReport(w io.Writer, r sim.Report) {
	fmt.Fprintf(w, "run %s (%s): %s simulated\n", r.RunID, r.Scenario, r.Elapsed)
	fmt.Fprintf(w, "handovers: %d triggered, %d completed, %d deferred\n",
		r.Handovers.Triggered, r.Handovers.Completed, r.Handovers.Deferred)
	for _, reason := range sortedKeys(r.Handovers.Cancelled) {
		fmt.Fprintf(w, "  cancelled %s: %d\n", reason, r.Handovers.Cancelled[reason])
	}
	for _, st := range r.Stacks {
		fmt.Fprintf(w, "stack %s: %s on %s\n", st.Key, st.State, st.Serving)
	}
	for _, f := range r.Flows {
		fmt.Fprintf(w, "flow %d %s %s: sent=%d delivered=%d lost=%d dup=%d reordered=%d\n",
			f.Index, f.UE, f.Direction, f.Sent, f.Delivered, f.Lost(), f.Duplicates, f.OutOfOrder)
	}
	for _, reason := range sortedKeys(r.Drops) {
		fmt.Fprintf(w, "dropped %s: %d\n", reason, r.Drops[reason])
	}
	if r.NodesDown > 0 {
		fmt.Fprintf(w, "nodes down: %d\n", r.NodesDown)
	}
	if r.ModeSwitches > 0 || r.DirectDeliveries > 0 {
		fmt.Fprintf(w, "d2d: %d direct deliveries, %d mode switches\n", r.DirectDeliveries, r.ModeSwitches)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
