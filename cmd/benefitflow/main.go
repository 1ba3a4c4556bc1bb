// Command benefitflow runs the eligibility workflow service: HTTP
// surface, queue workers and the stores behind them, wired from a
// YAML configuration with environment overrides.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/civistack/benefitflow/auth"
	"github.com/civistack/benefitflow/config"
	"github.com/civistack/benefitflow/httpapi"
	"github.com/civistack/benefitflow/storage"
	"github.com/civistack/benefitflow/upstream"
	"github.com/civistack/benefitflow/upstream/anthropic"
	"github.com/civistack/benefitflow/upstream/google"
	"github.com/civistack/benefitflow/upstream/mock"
	"github.com/civistack/benefitflow/upstream/openai"
	"github.com/civistack/benefitflow/workflow"
	"github.com/civistack/benefitflow/workflow/emit"
	"github.com/civistack/benefitflow/workflow/queue"
	"github.com/civistack/benefitflow/workflow/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "benefitflow:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, err := newBlobStore(cfg.Storage)
	if err != nil {
		return err
	}

	// The dead-letter callback closes over the engine, which does not
	// exist yet when the queue is built.
	var eng *workflow.Engine
	deadLetter := func(job queue.Job) {
		if eng != nil {
			eng.DeadLetter(job)
		}
	}
	q, err := newQueue(ctx, cfg.Queue, deadLetter)
	if err != nil {
		return err
	}
	defer q.Close()

	ups, err := newUpstreams(ctx, cfg.Upstream)
	if err != nil {
		return err
	}

	emitter, shutdownTracing := newEmitter(cfg, logger)
	defer shutdownTracing(context.Background())

	eng = workflow.New(st, q, blobs, ups,
		workflow.WithConfig(cfg.EngineConfig()),
		workflow.WithEmitter(emitter),
		workflow.WithMetrics(workflow.NewMetrics(nil)),
		workflow.WithLogger(logger),
	)
	if err := eng.RegisterHandlers(); err != nil {
		return fmt.Errorf("register queue handlers: %w", err)
	}

	authn := newAuthenticator()
	api := httpapi.NewServer(eng, blobs, authn, httpapi.WithLogger(logger))

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Listen,
			"store", cfg.Store.Backend, "queue", cfg.Queue.Backend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath)
	case "mysql":
		return store.NewMySQLStore(cfg.MySQLDSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func newBlobStore(cfg config.StorageConfig) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemStore(), nil
	case "local":
		return storage.NewLocalStore(cfg.Root)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func newQueue(ctx context.Context, cfg config.QueueConfig, deadLetter queue.DeadLetterFunc) (queue.Queue, error) {
	switch cfg.Backend {
	case "memory":
		return queue.NewMemQueue(
			queue.WithWorkers(cfg.Workers),
			queue.WithDeadLetter(deadLetter),
		), nil
	case "nats":
		return queue.NewNATSQueue(ctx, cfg.NATSURL, queue.WithNATSDeadLetter(deadLetter))
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
}

func newUpstreams(ctx context.Context, cfg config.UpstreamConfig) (workflow.Upstreams, error) {
	var ups workflow.Upstreams

	switch cfg.OCRProvider {
	case "google":
		ocr, err := google.NewOCR(ctx, cfg.GoogleAPIKey, "")
		if err != nil {
			return ups, fmt.Errorf("google ocr: %w", err)
		}
		ups.OCR = ocr
	case "mock":
		ups.OCR = &mock.OCR{}
	default:
		return ups, fmt.Errorf("provider %q does not offer OCR", cfg.OCRProvider)
	}

	extract, err := textProvider(cfg, cfg.ExtractProvider)
	if err != nil {
		return ups, fmt.Errorf("extract provider: %w", err)
	}
	if c, ok := extract.(upstream.ExtractClient); ok {
		ups.Extract = c
	} else {
		return ups, fmt.Errorf("provider %q does not offer extraction", cfg.ExtractProvider)
	}

	decide, err := textProvider(cfg, cfg.DecisionProvider)
	if err != nil {
		return ups, fmt.Errorf("decision provider: %w", err)
	}
	if c, ok := decide.(upstream.DecisionClient); ok {
		ups.Decision = c
	} else {
		return ups, fmt.Errorf("provider %q does not offer decisions", cfg.DecisionProvider)
	}
	return ups, nil
}

// textProvider builds the client for the extraction and decision
// stages, which share provider implementations.
func textProvider(cfg config.UpstreamConfig, name string) (interface{}, error) {
	switch name {
	case "anthropic":
		return anthropic.New(cfg.AnthropicAPIKey, ""), nil
	case "openai":
		return openai.New(cfg.OpenAIAPIKey, ""), nil
	case "mock":
		return &struct {
			*mock.Extract
			*mock.Decision
		}{&mock.Extract{}, &mock.Decision{}}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

func newEmitter(cfg *config.Config, logger *slog.Logger) (emit.Emitter, func(context.Context) error) {
	if !cfg.Tracing.Enabled {
		jsonMode := cfg.Log.Format == "json"
		return emit.NewLogEmitter(os.Stdout, jsonMode), func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled")
	return emit.NewOTelEmitter(tp.Tracer("benefitflow")), tp.Shutdown
}

// newAuthenticator builds the development authenticator. Production
// deployments front the service with the identity collaborator and
// plug its validator in here.
func newAuthenticator() auth.Authenticator {
	token := os.Getenv("BENEFITFLOW_DEV_TOKEN")
	if token == "" {
		token = "dev-token"
	}
	return auth.NewStaticAuthenticator(map[string]auth.Identity{
		token: {OwnerID: "dev-user", Admin: true},
	})
}
