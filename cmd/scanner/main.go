package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/sensiscan/internal/app/scanning"
	"github.com/ahrav/sensiscan/internal/config"
	"github.com/ahrav/sensiscan/internal/config/fileloader"
	"github.com/ahrav/sensiscan/internal/debug"
	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/internal/infra/engine"
	"github.com/ahrav/sensiscan/internal/infra/engine/gitleaks"
	"github.com/ahrav/sensiscan/internal/infra/engine/regex"
	"github.com/ahrav/sensiscan/internal/infra/engine/remote"
	"github.com/ahrav/sensiscan/internal/infra/extract"
	"github.com/ahrav/sensiscan/internal/infra/output/csvout"
	"github.com/ahrav/sensiscan/internal/infra/output/jsonl"
	"github.com/ahrav/sensiscan/internal/infra/output/kafka"
	"github.com/ahrav/sensiscan/internal/infra/output/postgres"
	"github.com/ahrav/sensiscan/pkg/common/logger"
	"github.com/ahrav/sensiscan/pkg/common/otel"
)

var build = "develop"

const serviceType = "scanner"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SCANNER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"build":    build,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stderr, logLevel(), svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	code, err := run(ctx, log, hostname)
	if err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func logLevel() logger.Level {
	if os.Getenv("LOG_LEVEL") == "debug" {
		return logger.LevelDebug
	}
	return logger.LevelInfo
}

func run(ctx context.Context, log *logger.Logger, hostname string) (int, error) {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	var (
		configPath = flag.String("config", "scanner.yaml", "path to the scan configuration file")
		root       = flag.String("root", "", "override the configured scan root")
	)
	flag.Parse()

	cfg, err := fileloader.NewFileLoader(*configPath).Load(ctx)
	if err != nil {
		return 1, fmt.Errorf("loading config: %w", err)
	}
	if *root != "" {
		cfg.Root = *root
	}
	if err := cfg.Validate(); err != nil {
		return 1, err
	}

	// -------------------------------------------------------------------------
	// Telemetry

	tracer := noop.NewTracerProvider().Tracer(serviceType)
	metrics := scanning.NoopMetrics()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		prob := 0.05
		if v := os.Getenv("OTEL_SAMPLING_RATIO"); v != "" {
			prob, err = strconv.ParseFloat(v, 64)
			if err != nil {
				return 1, fmt.Errorf("parsing sampling ratio: %w", err)
			}
		}

		traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: endpoint,
			Probability:      prob,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"hostname":         hostname,
			},
			InsecureExporter: true,
		})
		if err != nil {
			return 1, fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(ctx)
		tracer = traceProvider.Tracer(serviceType)

		mp, err := otel.NewMeterProvider(serviceType)
		if err != nil {
			return 1, fmt.Errorf("starting metrics: %w", err)
		}
		metrics, err = scanning.NewScanMetrics(mp)
		if err != nil {
			return 1, fmt.Errorf("building scan metrics: %w", err)
		}
	}

	// -------------------------------------------------------------------------
	// Debug Service

	if debugHost := os.Getenv("DEBUG_HOST"); debugHost != "" {
		mux, err := debug.Mux()
		if err != nil {
			return 1, fmt.Errorf("building debug mux: %w", err)
		}
		go func() {
			log.Info(ctx, "debug service starting", "host", debugHost)
			if err := http.ListenAndServe(debugHost, mux); err != nil {
				log.Error(ctx, "debug service ended", "host", debugHost, "err", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Engines

	stats := detection.NewScanStatistics()
	registry := engine.NewRegistry(stats, log, tracer)

	for _, ec := range cfg.Engines {
		if !ec.Enabled {
			continue
		}
		eng, err := buildEngine(ec)
		if err != nil {
			return 1, fmt.Errorf("building engine %q: %w", ec.Name, err)
		}
		desc := ec.Descriptor()
		if desc.MaxConcurrentCalls == 0 {
			desc.MaxConcurrentCalls = cfg.Workers
		}
		if err := registry.Register(desc, eng); err != nil {
			return 1, fmt.Errorf("registering engine %q: %w", ec.Name, err)
		}
	}

	// -------------------------------------------------------------------------
	// Output

	writer, err := buildWriter(ctx, cfg, log, tracer)
	if err != nil {
		return 1, fmt.Errorf("building output writer: %w", err)
	}

	// -------------------------------------------------------------------------
	// Session

	handle, err := scanning.Start(ctx, cfg, scanning.Deps{
		Extractor: extract.NewPlainText(cfg.ChunkSizeBytes),
		Engines:   registry,
		Writer:    writer,
		Stats:     stats,
		Metrics:   metrics,
		Logger:    log,
		Tracer:    tracer,
	})
	if err != nil {
		writer.Close()
		return 1, err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info(ctx, "shutdown signal received", "signal", sig.String())
			handle.Cancel()
		case <-handle.Done():
		}
	}()

	summary, fatal := handle.Wait()
	if fatal != nil {
		log.Error(ctx, "scan aborted", "session_id", summary.SessionID.String(), "err", fatal)
		return 1, nil
	}

	switch summary.Outcome {
	case scanning.OutcomeClean:
		return 0, nil
	default:
		return 2, nil
	}
}

// buildEngine constructs one detection engine from its config entry.
func buildEngine(ec config.EngineConfig) (detection.Engine, error) {
	switch ec.Name {
	case regex.EngineName:
		return regex.New(ec.Patterns)
	case gitleaks.EngineName:
		return gitleaks.New()
	default:
		// Anything else is a remote model-backed engine.
		var apiKey string
		if ec.APIKeyEnv != "" {
			apiKey = os.Getenv(ec.APIKeyEnv)
			if apiKey == "" {
				return nil, fmt.Errorf("environment variable %s is not set", ec.APIKeyEnv)
			}
		}
		return remote.New(remote.Config{
			Name:     ec.Name,
			Endpoint: ec.Endpoint,
			APIKey:   apiKey,
			Model:    ec.Model,
		})
	}
}

// buildWriter constructs the output destination selected by the config.
func buildWriter(ctx context.Context, cfg *config.Config, log *logger.Logger, tracer trace.Tracer) (scanning.FindingWriter, error) {
	switch cfg.Output.Format {
	case "jsonl", "":
		if cfg.Output.Path == "" {
			return jsonl.New(os.Stdout), nil
		}
		return jsonl.NewFile(cfg.Output.Path)

	case "csv":
		if cfg.Output.Path == "" {
			return nil, errors.New("csv output requires output.path")
		}
		return csvout.New(cfg.Output.Path)

	case "kafka":
		kcfg := &kafka.Config{
			Brokers:       cfg.Output.Kafka.Brokers,
			ClientID:      fmt.Sprintf("%s-%s", cfg.Output.Kafka.ClientID, uuid.NewString()[:8]),
			FindingsTopic: cfg.Output.Kafka.FindingsTopic,
			SummaryTopic:  cfg.Output.Kafka.SummaryTopic,
		}
		client, err := kafka.NewClient(kcfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to kafka: %w", err)
		}
		return kafka.NewPublisher(client, kcfg, log, tracer)

	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Output.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(pool, uuid.New(), tracer), nil

	default:
		return nil, fmt.Errorf("unknown output format %q", cfg.Output.Format)
	}
}
