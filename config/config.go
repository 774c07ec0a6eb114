// Package config builds the service configuration from the environment.
// It is read once at startup and passed explicitly to every component.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	Location *time.Location

	TimezoneName string
	LogLevel     slog.Level

	// Storage
	DataDir string
	Bucket  string

	// Feed
	FeedLister string // "ytdlp" or "rss"
	YTDLPPath  string

	// Language model
	LLMService    string // "ollama" or "openai"
	OllamaHost    string
	OllamaModel   string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	// Email
	EmailProvider   string // "", "smtp", "gmail", "brevo", "mock"
	SMTPServer      string
	SMTPPort        int
	EmailUser       string
	EmailPassword   string
	FromEmail       string
	FromName        string
	GoogleCredsJSON string
	BrevoAPIKey     string

	// Scheduling
	ScheduleTimes []string

	// HTTP
	Port    string
	BaseURL string
}

// LoadEnvFile loads variables from a dotenv file without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config using getenv to look up variables.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		TimezoneName:    get("TIMEZONE", "UTC"),
		DataDir:         get("DATA_DIR", "data"),
		Bucket:          get("STORAGE_BUCKET", ""),
		FeedLister:      strings.ToLower(get("FEED_LISTER", "ytdlp")),
		YTDLPPath:       get("YTDLP_PATH", "yt-dlp"),
		LLMService:      strings.ToLower(get("LLM_SERVICE", "ollama")),
		OllamaHost:      get("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:     get("OLLAMA_MODEL", "llama3.2"),
		OpenAIAPIKey:    get("OPENAI_API_KEY", ""),
		OpenAIModel:     get("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:   get("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		EmailProvider:   strings.ToLower(get("EMAIL_PROVIDER", "")),
		SMTPServer:      get("SMTP_SERVER", "smtp.gmail.com"),
		EmailUser:       get("EMAIL_USER", ""),
		EmailPassword:   get("EMAIL_PASSWORD", ""),
		FromName:        get("FROM_NAME", "Channel Digest"),
		GoogleCredsJSON: get("GOOGLE_CREDENTIALS_JSON", ""),
		BrevoAPIKey:     get("BREVO_API_KEY", ""),
		Port:            get("PORT", "8000"),
		BaseURL:         strings.TrimSuffix(get("BASE_URL", ""), "/"),
	}
	cfg.FromEmail = get("FROM_EMAIL", cfg.EmailUser)

	loc, err := time.LoadLocation(cfg.TimezoneName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.TimezoneName, err)
	}
	cfg.Location = loc

	port, err := strconv.Atoi(get("SMTP_PORT", "587"))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid SMTP_PORT %q", getenv("SMTP_PORT"))
	}
	cfg.SMTPPort = port

	level, err := parseLevel(get("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	times := get("SCHEDULE_TIMES", get("SCHEDULE_TIME", "09:00"))
	for _, t := range strings.Split(times, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.ScheduleTimes = append(cfg.ScheduleTimes, t)
		}
	}

	switch cfg.FeedLister {
	case "ytdlp", "rss":
	default:
		return nil, fmt.Errorf("unsupported FEED_LISTER %q (want ytdlp or rss)", cfg.FeedLister)
	}

	switch cfg.EmailProvider {
	case "", "smtp", "gmail", "brevo", "mock":
	default:
		return nil, fmt.Errorf("unsupported EMAIL_PROVIDER %q", cfg.EmailProvider)
	}

	return cfg, nil
}

// SubscriptionsFile returns the path of the local subscriptions file.
func (c *Config) SubscriptionsFile() string {
	return filepath.Join(c.DataDir, "subscriptions.json")
}

// SMTPConfigured reports whether SMTP credentials are present.
func (c *Config) SMTPConfigured() bool {
	return c.EmailUser != "" && c.EmailPassword != ""
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// MailProvider returns the mail transport to use: EMAIL_PROVIDER when
// set, else the first of smtp, gmail, brevo with credentials, else mock.
func (c *Config) MailProvider() string {
	switch {
	case c.EmailProvider != "":
		return c.EmailProvider
	case c.SMTPConfigured():
		return "smtp"
	case c.GoogleCredsJSON != "":
		return "gmail"
	case c.BrevoAPIKey != "":
		return "brevo"
	default:
		return "mock"
	}
}
