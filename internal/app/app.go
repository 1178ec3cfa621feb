// Package app wires configuration into the running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"servicecert/internal/certificate"
	"servicecert/internal/config"
	"servicecert/internal/extraction"
	"servicecert/internal/fetch"
	"servicecert/internal/httpx"
	"servicecert/internal/integrations/llm"
	slackbot "servicecert/internal/integrations/slack"
	"servicecert/internal/integrations/workshop"
	"servicecert/internal/logging"
	"servicecert/internal/metrics"
	"servicecert/internal/poller"
	"servicecert/internal/processing"
	"servicecert/internal/resilience"
	"servicecert/internal/storage/files"
	"servicecert/internal/storage/sqlite"
)

// App holds the wired components. Close releases the limiters and the
// database.
type App struct {
	cfg       config.Config
	log       *zap.Logger
	store     *sqlite.Store
	workshop  *workshop.Client
	llm       *llm.Client
	extractor *extraction.Engine
	processor *processing.Processor
	runner    *fetch.Runner
	limiters  []*resilience.RateLimiter
}

// New builds every component from cfg. Nothing is contacted until a
// command runs, apart from opening and migrating the database.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	log = logging.OrNop(log)
	httpClient := httpx.NewExternalClient(cfg.ExternalHTTPTimeoutSeconds)

	log.Info("config loaded",
		zap.String("workshop_api", cfg.WorkshopAPIBaseURL),
		zap.String("workshop_client_id", cfg.WorkshopClientID),
		logging.Redacted("workshop_client_secret", cfg.WorkshopClientSecret),
		zap.Int("workshop_max_requests", cfg.WorkshopMaxRequests),
		zap.Duration("workshop_window", cfg.WorkshopWindow()),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.Int("llm_max_requests", cfg.LLMMaxRequests),
		zap.Int("llm_max_tokens", cfg.LLMMaxTokensPerWindow),
		zap.Int("process_concurrency", cfg.ProcessConcurrency),
		zap.String("timezone", cfg.Timezone),
		zap.Duration("external_http_timeout", httpClient.Timeout),
		zap.Bool("slack", cfg.SlackConfigured()),
	)

	workshopLimiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		Name:        "workshop",
		MaxRequests: cfg.WorkshopMaxRequests,
		Window:      cfg.WorkshopWindow(),
	})
	llmLimiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		Name:        "llm",
		MaxRequests: cfg.LLMMaxRequests,
		MaxTokens:   cfg.LLMMaxTokensPerWindow,
		Window:      cfg.LLMWindow(),
	})
	a := &App{cfg: cfg, log: log, limiters: []*resilience.RateLimiter{workshopLimiter, llmLimiter}}

	a.workshop = workshop.New(workshop.Config{
		BaseURL:      cfg.WorkshopAPIBaseURL,
		TokenURL:     cfg.WorkshopTokenURL,
		ClientID:     cfg.WorkshopClientID,
		ClientSecret: cfg.WorkshopClientSecret,
		Limiter:      workshopLimiter,
		HTTPClient:   httpClient,
		Logger:       log,
	})

	apiKey := cfg.AnthropicAPIKey
	if cfg.LLMProvider == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	llmClient, err := llm.New(llm.Config{
		Provider:   cfg.LLMProvider,
		Model:      cfg.LLMModel,
		APIKey:     apiKey,
		BaseURL:    cfg.LLMBaseURL,
		Limiter:    llmLimiter,
		HTTPClient: httpClient,
		Logger:     log,
	})
	if err != nil {
		a.closeLimiters()
		return nil, fmt.Errorf("llm client: %w", err)
	}
	a.llm = llmClient

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		a.closeLimiters()
		return nil, err
	}
	a.store = store
	log.Info("database ready", zap.String("path", cfg.DBPath))

	if err := os.MkdirAll(cfg.CertificateOutputDir, 0o755); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("creating certificate output dir: %w", err)
	}
	publicBase := cfg.CertificatePublicBaseURL
	if publicBase == "" {
		publicBase, err = fileBaseURL(cfg.CertificateOutputDir)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.extractor = extraction.NewEngine(a.workshop, a.llm, log)
	builder := certificate.NewBuilder(a.workshop, a.extractor, cfg.Location, log)
	a.processor = processing.New(processing.Deps{
		Store:    store,
		Tickets:  a.workshop,
		Builder:  builder,
		Render:   certificate.Render,
		Uploader: files.NewPublisher(cfg.CertificateOutputDir, publicBase),
		Logger:   log,
	})

	var notifier fetch.Notifier
	if cfg.SlackConfigured() {
		notifier = slackbot.NewNotifier(cfg.SlackBotToken, cfg.SlackChannelID, log)
	}
	events := poller.New(a.workshop,
		poller.WithEventType(cfg.WorkshopEventType),
		poller.WithLogger(log))
	a.runner = fetch.NewRunner(events, a.processor, store, notifier, fetch.Options{
		CheckpointName:  cfg.WorkshopEventType,
		Lookback:        cfg.PollLookback(),
		UnprocessedOnly: cfg.WorkshopUnprocessedOnly,
		Concurrency:     cfg.ProcessConcurrency,
		Location:        cfg.Location,
		Logger:          log,
	})
	return a, nil
}

func (a *App) Close() error {
	a.closeLimiters()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *App) closeLimiters() {
	for _, l := range a.limiters {
		l.Close()
	}
}

// Process runs one ticket through the orchestrator.
func (a *App) Process(ctx context.Context, ticketID string) (processing.Outcome, error) {
	return a.processor.Process(ctx, ticketID)
}

// Extract runs extraction for one ticket without writing anything.
func (a *App) Extract(ctx context.Context, ticketID string) (extraction.Result, error) {
	return a.extractor.Extract(ctx, ticketID, nil)
}

// PollOnce runs a single poll-and-process cycle and posts its summary.
func (a *App) PollOnce(ctx context.Context) (fetch.RunSummary, error) {
	return a.runner.RunAndNotify(ctx)
}

// Serve starts the metrics endpoint and the poll scheduler, and blocks
// until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if a.cfg.PollSchedule == "" {
		return errors.New("poll_schedule is not set")
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.log.Info("metrics server listening", zap.String("addr", a.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.runner.Start(runCtx, a.cfg.PollSchedule) }()

	var err error
	select {
	case err = <-runErr:
	case err = <-serveErr:
		err = fmt.Errorf("metrics server: %w", err)
		cancel()
		<-runErr
	}

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}
	a.log.Info("service stopped")
	return err
}

// fileBaseURL turns the output directory into an absolute file:// URL.
func fileBaseURL(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving certificate output dir: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
