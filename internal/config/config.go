package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aprudkin/whisper-bot/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const (
	DefaultLanguage = "ru"
	DefaultTempDir  = "/tmp/whisper-bot"

	DefaultHealthAddr = "127.0.0.1:8081"
)

// WhisperModels lists the transcription models the bot accepts
var WhisperModels = []string{
	"whisper-large-v3",
	"whisper-large-v3-turbo",
	"distil-whisper-large-v3-en",
}

// Config is resolved once at startup and treated as read-only afterwards.
type Config struct {
	Telegram struct {
		Token string `yaml:"token" env:"BOT_TOKEN" validate:"required"`
	} `yaml:"telegram"`

	Groq struct {
		APIKey       string `yaml:"api_key" env:"GROQ_API_KEY"`
		BaseURL      string `yaml:"base_url" env:"GROQ_BASE_URL" env-default:"https://api.groq.com/openai/v1" validate:"required,url"`
		WhisperModel string `yaml:"whisper_model" env:"WHISPER_MODEL" env-default:"whisper-large-v3" validate:"oneof=whisper-large-v3 whisper-large-v3-turbo distil-whisper-large-v3-en"`
		LLMModel     string `yaml:"llm_model" env:"LLM_MODEL" env-default:"llama-3.3-70b-versatile" validate:"required"`
	} `yaml:"groq"`

	Whisper struct {
		Language string `yaml:"language" env:"WHISPER_LANGUAGE" env-default:"ru" validate:"required"`
	} `yaml:"whisper"`

	Postprocess struct {
		Enabled string `yaml:"enabled" env:"ENABLE_POSTPROCESS"`
	} `yaml:"postprocess"`

	AllowedChats string `yaml:"allowed_chats" env:"ALLOWED_CHATS"`
	TempDir      string `yaml:"temp_dir" env:"TEMP_DIR" env-default:"/tmp/whisper-bot" validate:"required"`

	Worker struct {
		Concurrency  int           `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"4" validate:"min=1"`
		QueueTimeout time.Duration `yaml:"queue_timeout" env:"WORKER_QUEUE_TIMEOUT" env-default:"2m"`
	} `yaml:"worker"`

	Health HealthConfig `yaml:"health"`

	Debug bool `yaml:"debug" env:"DEBUG"`

	allowedChats map[int64]struct{}
	postprocess  bool
}

// HealthConfig locates the health server. An empty Addr disables it.
type HealthConfig struct {
	Addr string `yaml:"addr" env:"HEALTH_ADDR" env-default:"127.0.0.1:8081"`
}

// Error reports a missing or invalid configuration field
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// LoadConfig reads the environment (and the YAML file named by CONFIG_PATH,
// if set) and returns a validated configuration.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := read(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return &cfg, nil
}

// LoadHealthConfig reads only the health section, from the same sources as
// LoadConfig. The rest of the configuration is neither required nor validated.
func LoadHealthConfig() (*HealthConfig, error) {
	var cfg struct {
		Health HealthConfig `yaml:"health"`
	}
	if err := read(&cfg); err != nil {
		return nil, err
	}
	return &cfg.Health, nil
}

// read fills dst from .env and the environment, or from the YAML file named
// by CONFIG_PATH
func read(dst any) error {
	// Load .env file
	_ = godotenv.Load()

	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		if err := cleanenv.ReadConfig(path, dst); err != nil {
			return &Error{Field: "CONFIG_PATH", Reason: err.Error()}
		}
		return nil
	}

	if err := cleanenv.ReadEnv(dst); err != nil {
		return &Error{Field: "environment", Reason: err.Error()}
	}
	return nil
}

// finalize validates the raw fields and derives the parsed ones
func (c *Config) finalize() error {
	if err := validate.Struct(c); err != nil {
		return translate(err)
	}

	chats, err := ParseChatIDs(c.AllowedChats)
	if err != nil {
		return err
	}
	c.allowedChats = chats
	c.postprocess = parseFlag(c.Postprocess.Enabled)

	return nil
}

// IsChatAllowed reports whether chatID is in the allow-list
func (c *Config) IsChatAllowed(chatID int64) bool {
	_, ok := c.allowedChats[chatID]
	return ok
}

// AllowedChatIDs returns the allow-list in ascending order
func (c *Config) AllowedChatIDs() []int64 {
	ids := lo.Keys(c.allowedChats)
	slices.Sort(ids)
	return ids
}

// HasAPIKey reports whether a Groq credential is configured
func (c *Config) HasAPIKey() bool {
	return c.Groq.APIKey != ""
}

// PostprocessEnabled reports whether LLM correction should run: the flag is
// on and there is a credential to call the API with.
func (c *Config) PostprocessEnabled() bool {
	return c.postprocess && c.HasAPIKey()
}

// ParseChatIDs parses a comma-separated list of chat ids. An empty list is
// an error: the bot must not start without an allow-list.
func ParseChatIDs(raw string) (map[int64]struct{}, error) {
	parts := lo.Filter(
		lo.Map(strings.Split(raw, ","), func(s string, _ int) string { return strings.TrimSpace(s) }),
		func(s string, _ int) bool { return s != "" },
	)
	if len(parts) == 0 {
		return nil, &Error{
			Field:  "ALLOWED_CHATS",
			Reason: "is required, specify comma-separated chat IDs (e.g. -1001234567890,-1009876543210)",
		}
	}

	chats := make(map[int64]struct{}, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, &Error{
				Field:  "ALLOWED_CHATS",
				Reason: fmt.Sprintf("invalid chat id %q, use comma-separated integers", p),
			}
		}
		chats[id] = struct{}{}
	}

	return chats, nil
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their environment variable name
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("env")
	})
	return v
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &Error{Field: "config", Reason: err.Error()}
	}

	fe := verrs[0]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "oneof":
		reason = fmt.Sprintf("invalid value %q, valid values: %s",
			fmt.Sprint(fe.Value()), strings.Join(strings.Fields(fe.Param()), ", "))
	case "url":
		reason = fmt.Sprintf("invalid URL %q", fmt.Sprint(fe.Value()))
	case "min":
		reason = fmt.Sprintf("must be at least %s", fe.Param())
	default:
		reason = fmt.Sprintf("failed %q validation", fe.Tag())
	}

	return &Error{Field: fe.Field(), Reason: reason}
}
