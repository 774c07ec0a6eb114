// Package main implements a service that watches video channels and
// mails each subscriber a daily digest of new uploads with summaries.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/pflag"

	"channel-digest/config"
	"channel-digest/email"
	"channel-digest/poll"
	"channel-digest/scheduler"
	"channel-digest/scraper"
	"channel-digest/server"
	store "channel-digest/storage"
	"channel-digest/summarizer"
)

const (
	fetchTimeout = 30 * time.Second // Captions, feeds, mail APIs
	llmTimeout   = 5 * time.Minute  // Long transcripts on local models are slow
)

func main() {
	runOnce := pflag.Bool("run-once", false, "run a single check cycle and exit")
	port := pflag.String("port", "", "HTTP port (overrides PORT)")
	envFile := pflag.String("env-file", ".env", "dotenv file to load if present")
	pflag.Parse()

	if err := run(*runOnce, *port, *envFile); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(runOnce bool, port, envFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port != "" {
		cfg.Port = port
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	subs, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	httpClient := &http.Client{Timeout: fetchTimeout}

	llm, err := summarizer.New(cfg, &http.Client{Timeout: llmTimeout}, logger.With("component", "summarizer"))
	if err != nil {
		return fmt.Errorf("init summarizer: %w", err)
	}
	logger.Info("Language model configured", "service", llm.Info().Backend, "model", llm.Info().Model)

	provider, err := newMailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	feed := newScraper(cfg, httpClient, logger.With("component", "scraper"))
	summaries := summarizer.VideoSummarizer{Summarizer: llm}
	sender := email.New(provider, cfg.Location, cfg.BaseURL, logger.With("component", "email"))
	monitor := poll.New(feed, subs, sender, summaries, cfg.Location, logger.With("component", "poll"))

	if runOnce {
		logger.Info("Running single check cycle")
		stats, err := monitor.CheckAll(ctx)
		if err != nil {
			return fmt.Errorf("check cycle: %w", err)
		}
		logger.Info("Check cycle finished", "stats", stats)
		return nil
	}

	sched, err := scheduler.New(monitor, cfg.ScheduleTimes, cfg.Location, logger.With("component", "scheduler"))
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	srv := server.New(&server.Config{
		Analyzer: feed,
		LLM:      summaries,
		Store:    subs,
		Poller:   monitor,
		Logger:   logger.With("component", "server"),
		Location: cfg.Location,
	})

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	err = srv.ListenAndServe(ctx, cfg.Port)
	stop()
	<-done
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newStore opens the subscription store: a Cloud Storage object when a
// bucket is configured, otherwise a local file.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, func(), error) {
	l := logger.With("component", "storage")

	if cfg.Bucket == "" {
		path := cfg.SubscriptionsFile()
		logger.Info("No STORAGE_BUCKET set, using local storage", "path", path)
		s, err := store.NewLocal(path, l)
		if err != nil {
			return nil, nil, fmt.Errorf("open local storage: %w", err)
		}
		return s, func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}

	s := store.NewCloud(client, cfg.Bucket, l)
	found, err := s.Check(ctx)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("check bucket: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", cfg.Bucket, "existing_file", found)
	return s, closeFn, nil
}

// newMailProvider builds the configured mail transport. Missing
// credentials fall back to the mock provider, which only logs.
func newMailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	l := logger.With("component", "email")
	name := cfg.MailProvider()

	switch name {
	case "smtp":
		if !cfg.SMTPConfigured() {
			logger.Warn("EMAIL_PROVIDER=smtp without EMAIL_USER/EMAIL_PASSWORD, using mock email")
			return email.NewMockProvider(l), nil
		}
		logger.Info("Using SMTP email provider", "server", cfg.SMTPServer, "port", cfg.SMTPPort)
		return email.NewSMTPProvider(cfg.SMTPServer, cfg.SMTPPort, cfg.EmailUser, cfg.EmailPassword, cfg.FromEmail, cfg.FromName, l), nil

	case "gmail":
		// Without explicit credentials, use Application Default Credentials on GCP.
		if cfg.GoogleCredsJSON == "" && !isCloudRun(ctx) {
			logger.Warn("EMAIL_PROVIDER=gmail needs GOOGLE_CREDENTIALS_JSON outside Cloud Run, using mock email")
			return email.NewMockProvider(l), nil
		}
		svc, err := email.NewGmailService(ctx, cfg.GoogleCredsJSON)
		if err != nil {
			return nil, fmt.Errorf("init gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, l), nil

	case "brevo":
		if cfg.BrevoAPIKey == "" {
			logger.Warn("EMAIL_PROVIDER=brevo without BREVO_API_KEY, using mock email")
			return email.NewMockProvider(l), nil
		}
		logger.Info("Using Brevo email provider")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromEmail, cfg.FromName, l), nil

	default:
		logger.Info("Mock email mode enabled (no mail credentials configured)")
		return email.NewMockProvider(l), nil
	}
}

func newScraper(cfg *config.Config, client *http.Client, logger *slog.Logger) *scraper.Scraper {
	ytdlp := scraper.NewYTDLP(cfg.YTDLPPath, scraper.NewTranscripts(client, logger), logger)

	var lister scraper.Lister = ytdlp
	if cfg.FeedLister == "rss" {
		lister = scraper.NewRSSLister(client, logger)
	}
	logger.Info("Feed lister configured", "lister", cfg.FeedLister, "ytdlp", cfg.YTDLPPath)
	return scraper.New(lister, ytdlp, cfg.Location, logger)
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
