package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/petalproc/core"
	petalotel "github.com/petal-labs/petalproc/otel"
	"github.com/petal-labs/petalproc/runtime"
	"github.com/petal-labs/petalproc/sched"
	"github.com/petal-labs/petalproc/store"
)

// NewSweepCmd creates the "sweep" subcommand, the long-running scheduler
// process. With --once it performs a single sweep and exits.
func NewSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the background sweeper over all running instances",
		RunE:  runSweep,
	}

	cmd.Flags().Duration("interval", 0, "Sweep interval (default from config)")
	cmd.Flags().String("schedule", "", "Five-field UTC cron expression overriding --interval")
	cmd.Flags().Bool("once", false, "Sweep once and exit")

	return cmd
}

func runSweep(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return exitError(exitValidation, "loading config: %v", err)
	}

	storePath, _ := cmd.Flags().GetString("store-path")
	dbPath, err := resolveStorePath(storePath, cfg)
	if err != nil {
		return exitError(exitRuntime, "resolving store path: %v", err)
	}
	s, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dbPath})
	if err != nil {
		return exitError(exitRuntime, "opening store: %v", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Traces and metrics attach through the engine's event handler, so the
	// sweeper observes every instance it advances.
	handler, shutdown := buildEventHandler(ctx, cfg, cmd)
	defer shutdown()
	engine := runtime.NewEngine(s, handler)

	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = cfg.SweepInterval
	}
	schedule, _ := cmd.Flags().GetString("schedule")
	if schedule == "" {
		schedule = cfg.SweepSchedule
	}

	var sweeper *sched.Sweeper
	if schedule != "" {
		sweeper, err = sched.NewCronSweeper(engine, schedule)
	} else {
		sweeper, err = sched.NewSweeper(engine, interval)
	}
	if err != nil {
		return exitError(exitValidation, "creating sweeper: %v", err)
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		if err := sweeper.SweepOnce(ctx); err != nil {
			return exitError(exitRuntime, "sweeping: %v", err)
		}
		return nil
	}

	if err := sweeper.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting sweeper: %v", err)
	}
	if schedule != "" {
		next, err := sched.NextCronRunUTC(schedule, time.Now())
		if err != nil {
			return exitError(exitValidation, "parsing schedule: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sweeping on %q, next run %s (store: %s)\n",
			schedule, next.Format(time.RFC3339), dbPath)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Sweeping every %s (store: %s)\n", interval, dbPath)
	}

	<-ctx.Done()
	sweeper.Stop()
	return nil
}

// buildEventHandler wires tracing and metrics over engine events when an
// OTLP endpoint is configured. The returned shutdown flushes the exporter.
func buildEventHandler(ctx context.Context, cfg Config, cmd *cobra.Command) (core.EventHandler, func()) {
	if cfg.OTLPEndpoint == "" {
		return nil, func() {}
	}

	tracerShutdown, err := petalotel.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "tracing disabled: %v\n", err)
		return nil, func() {}
	}

	tracing := petalotel.NewTracingHandler(otelapi.Tracer("petalproc"))
	handlers := []core.EventHandler{tracing.Handle}

	// Metrics need their own provider installed before otelapi.Meter hands
	// out usable instruments.
	meterShutdown := func(context.Context) error { return nil }
	if ms, err := petalotel.SetupMetrics(ctx, cfg.ServiceName, cfg.OTLPEndpoint); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "metrics disabled: %v\n", err)
	} else {
		meterShutdown = ms
		metrics, err := petalotel.NewMetricsHandler(otelapi.Meter("petalproc"))
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "metrics disabled: %v\n", err)
		} else {
			handlers = append(handlers, metrics.Handle)
		}
	}

	shutdown := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(flushCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "flushing traces: %v\n", err)
		}
		if err := meterShutdown(flushCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "flushing metrics: %v\n", err)
		}
	}
	return core.MultiEventHandler(handlers...), shutdown
}
