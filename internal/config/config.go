package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
)

type InboxBackend string

const (
	InboxGmail   InboxBackend = "gmail"
	InboxMCP     InboxBackend = "mcp"
	// InboxSandbox serves an in-process mailbox, for local runs without Gmail.
	InboxSandbox InboxBackend = "sandbox"
)

type DraftCacheBackend string

const (
	DraftCacheMemory DraftCacheBackend = "memory"
	DraftCacheRedis  DraftCacheBackend = "redis"
)

type Config struct {
	// Transports
	HTTPAddr         string  `env:"HTTP_ADDR" envDefault:":8001"`
	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN"`
	// Telegram account ids that act as the mailbox owner
	TelegramAllowed  []int64 `env:"TELEGRAM_ALLOWED_USERS" envSeparator:","`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// LLM settings
	LLMProvider      LLMProvider   `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `env:"OPENAI_BASE_URL"`
	InteractionModel string        `env:"INTERACTION_MODEL" envDefault:"gemini-2.0-flash"`
	ExecutionModel   string        `env:"EXECUTION_MODEL" envDefault:"gemini-2.0-flash"`
	SummarizerModel  string        `env:"SUMMARIZER_MODEL" envDefault:"gemini-2.0-flash"`
	ClassifierModel  string        `env:"CLASSIFIER_MODEL" envDefault:"gemini-2.0-flash"`
	YandexOAuthToken string        `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string        `env:"YANDEX_FOLDER_ID"`
	LLMTimeout       time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`

	// Execution agents
	WorkerTimeout       time.Duration `env:"WORKER_TIMEOUT" envDefault:"90s"`
	WorkerMaxIterations int           `env:"WORKER_MAX_ITERATIONS" envDefault:"8"`

	// Working memory
	SummaryThreshold int `env:"SUMMARY_THRESHOLD" envDefault:"100"`
	SummaryTailSize  int `env:"SUMMARY_TAIL_SIZE" envDefault:"50"`

	// Important email poller
	PollInterval time.Duration `env:"IMPORTANT_POLL_INTERVAL" envDefault:"10m"`
	PollLookback time.Duration `env:"IMPORTANT_LOOKBACK" envDefault:"10m"`
	SeenLimit    int           `env:"IMPORTANT_SEEN_LIMIT" envDefault:"300"`

	// Storage
	DBPath        string            `env:"DB_PATH" envDefault:"data/assistant.db"`
	DraftCache    DraftCacheBackend `env:"DRAFT_CACHE" envDefault:"memory"`
	RedisAddr     string            `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string            `env:"REDIS_PASSWORD"`
	RedisDraftTTL time.Duration     `env:"REDIS_DRAFT_TTL" envDefault:"72h"`

	// Inbox
	InboxBackend         InboxBackend `env:"INBOX_BACKEND" envDefault:"gmail"`
	InboxUserID          string       `env:"INBOX_USER_ID" envDefault:"default"`
	GmailCredentialsJSON string       `env:"GMAIL_CREDENTIALS_JSON"`
	GmailCredentialsPath string       `env:"GMAIL_CREDENTIALS_JSON_PATH"`
	GmailRefreshToken    string       `env:"GMAIL_REFRESH_TOKEN"`
	GmailMCPServerPath   string       `env:"GMAIL_MCP_SERVER_PATH" envDefault:"./gmail-mcp-server"`
}

// New parses the environment and validates the result.
func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load reads the optional dotenv files into the environment, then calls New.
// Variables already set in the environment win over file values.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			log.Debug().Str("file", f).Err(err).Msg(".env file not loaded")
		}
	}
	return New()
}

// SummarizationEnabled reports whether working-memory compaction is active.
func (c *Config) SummarizationEnabled() bool {
	return c.SummaryThreshold > 0
}

func (c *Config) Validate() error {
	if c.SummarizationEnabled() {
		if c.SummaryTailSize < 1 {
			return fmt.Errorf("SUMMARY_TAIL_SIZE must be >= 1")
		}
		if c.SummaryTailSize >= c.SummaryThreshold {
			return fmt.Errorf("SUMMARY_TAIL_SIZE (%d) must be smaller than SUMMARY_THRESHOLD (%d)", c.SummaryTailSize, c.SummaryThreshold)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("IMPORTANT_POLL_INTERVAL must be > 0")
	}
	if c.PollLookback <= 0 {
		return fmt.Errorf("IMPORTANT_LOOKBACK must be > 0")
	}
	if c.LLMTimeout <= 0 || c.WorkerTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT and WORKER_TIMEOUT must be > 0")
	}
	if c.WorkerMaxIterations < 1 {
		return fmt.Errorf("WORKER_MAX_ITERATIONS must be >= 1")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.DraftCache {
	case DraftCacheMemory, DraftCacheRedis:
	default:
		return fmt.Errorf("unknown DRAFT_CACHE %q", c.DraftCache)
	}
	switch c.InboxBackend {
	case InboxGmail, InboxMCP, InboxSandbox:
	default:
		return fmt.Errorf("unknown INBOX_BACKEND %q", c.InboxBackend)
	}
	return nil
}
