// Command amqptrigger consumes an AMQP queue and writes one JSON execution
// per record (realtime mode) or per batch (polling mode) to stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"
	"github.com/illmade-knight/go-amqptrigger/pkg/cache"
	"github.com/illmade-knight/go-amqptrigger/pkg/microservice"
	"github.com/illmade-knight/go-amqptrigger/pkg/trigger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flags := pflag.NewFlagSet("amqptrigger", pflag.ExitOnError)
	AddFlags(flags)
	_ = flags.Parse(os.Args[1:])

	cfg, err := LoadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := amqpconsumer.NewDialerFactory(cfg.AMQP, logger)
	if err := run(ctx, cfg, factory, logger, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("Trigger exited with error.")
		stop()
		os.Exit(1)
	}
	logger.Info().Msg("Trigger exited.")
}

func newLogger(cfg *Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("trigger_id", cfg.TriggerID).
		Logger()
}

// setupTracing installs the global tracer provider. Spans are exported only
// when an OTLP endpoint is configured.
func setupTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var opts []sdktrace.TracerProviderOption
	if endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newLedger(ctx context.Context, cfg *Config, logger zerolog.Logger) (cache.Ledger, error) {
	switch cfg.Ledger {
	case LedgerMemory:
		return cache.NewInMemoryLedger(cfg.LedgerSize)
	case LedgerRedis:
		return cache.NewRedisLedger(ctx, &cfg.Redis, logger)
	}
	return nil, nil
}

// jsonLineHandler writes each execution as one JSON line.
func jsonLineHandler(w io.Writer) trigger.ExecutionHandler {
	var mu sync.Mutex
	return func(_ context.Context, exec trigger.Execution) error {
		line, err := sonic.Marshal(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution %s: %w", exec.ID, err)
		}
		mu.Lock()
		defer mu.Unlock()
		_, err = w.Write(append(line, '\n'))
		return err
	}
}

// run wires the trigger and the operational server and blocks until ctx is
// done or the trigger ends.
func run(ctx context.Context, cfg *Config, factory amqpconsumer.ConnectionFactory, logger zerolog.Logger, out io.Writer) error {
	shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces.")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []amqpconsumer.Option{amqpconsumer.WithMetrics(amqpconsumer.NewMetrics(reg, ""))}

	ledger, err := newLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if ledger != nil {
		defer func() { _ = ledger.Close() }()
		opts = append(opts, amqpconsumer.WithLedger(ledger))
	}

	handler := jsonLineHandler(out)

	var ready atomic.Bool
	server := microservice.NewBaseServer(logger, cfg.HTTPPort, reg)
	server.SetReadiness(func(context.Context) error {
		if !ready.Load() {
			return errors.New("trigger not running")
		}
		return nil
	})
	if err := server.Start(); err != nil {
		return err
	}

	runTrigger, err := newTriggerRunner(cfg, factory, handler, logger, opts)
	if err != nil {
		_ = server.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	triggerCtx, cancelTrigger := context.WithCancel(gctx)
	defer cancelTrigger()

	g.Go(func() error {
		defer cancelTrigger()
		ready.Store(true)
		defer ready.Store(false)
		return runTrigger(triggerCtx)
	})
	g.Go(func() error {
		<-triggerCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newTriggerRunner(
	cfg *Config,
	factory amqpconsumer.ConnectionFactory,
	handler trigger.ExecutionHandler,
	logger zerolog.Logger,
	opts []amqpconsumer.Option,
) (func(context.Context) error, error) {
	switch cfg.Mode {
	case ModePolling:
		poller, err := amqpconsumer.NewBatchPoller(cfg.AMQP, factory, logger, opts...)
		if err != nil {
			return nil, err
		}
		t, err := trigger.NewPollingTrigger(trigger.PollingTriggerConfig{
			ID:       cfg.TriggerID,
			Interval: cfg.AMQP.PollInterval,
			Request:  poller.RequestFromConfig(),
		}, poller, handler, logger)
		if err != nil {
			return nil, err
		}
		return t.Run, nil
	default:
		bridge, err := amqpconsumer.NewStreamingBridge(cfg.AMQP, factory, nil, logger, opts...)
		if err != nil {
			return nil, err
		}
		t, err := trigger.NewRealtimeTrigger(cfg.TriggerID, bridge, handler, logger)
		if err != nil {
			return nil, err
		}
		return t.Run, nil
	}
}
