package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rand/gamemaster/internal/budget"
	"github.com/rand/gamemaster/internal/model"
	"github.com/rand/gamemaster/internal/rlm/schedule"
)

// DefaultFile is the config file looked up in the working directory when
// no path is given.
const DefaultFile = "gamemaster.yaml"

// Config is the effective configuration of a Game Master process.
type Config struct {
	Budget    budget.Policy   `yaml:"budget" json:"budget"`
	Knowledge Knowledge       `yaml:"knowledge" json:"knowledge"`
	Model     Model           `yaml:"model" json:"model"`
	State     State           `yaml:"state" json:"state"`
	Scheduler schedule.Config `yaml:"scheduler" json:"scheduler"`
	Voice     Voice           `yaml:"voice" json:"voice"`
	Events    Events          `yaml:"events" json:"events"`
	Log       Log             `yaml:"log" json:"log"`
	Prompts   model.Prompts   `yaml:"prompts" json:"prompts"`
}

// Knowledge configures retrieval.
type Knowledge struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"GM_KNOWLEDGE_ENABLED"`
	Path    string `yaml:"db_path" json:"db_path" env:"GM_KNOWLEDGE_DB"`
	TopK    int    `yaml:"top_k" json:"top_k" env:"GM_KNOWLEDGE_TOP_K"`
	Ruleset string `yaml:"ruleset" json:"ruleset" env:"GM_KNOWLEDGE_RULESET"`

	// ActiveDocIDs are glob patterns restricting which documents answer.
	ActiveDocIDs []string `yaml:"active_doc_ids" json:"active_doc_ids" env:"GM_KNOWLEDGE_DOC_IDS" envSeparator:","`

	ChunkMaxChars int           `yaml:"chunk_max_chars" json:"chunk_max_chars" env:"GM_KNOWLEDGE_CHUNK_MAX_CHARS"`
	ChunkOverlap  int           `yaml:"chunk_overlap" json:"chunk_overlap" env:"GM_KNOWLEDGE_CHUNK_OVERLAP"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" env:"GM_KNOWLEDGE_TIMEOUT"`

	Embedding Embedding `yaml:"embedding" json:"embedding"`
}

// Embedding configures the embedding provider used by the index.
type Embedding struct {
	// Provider is "hashing" (offline) or "openai".
	Provider   string `yaml:"provider" json:"provider" env:"GM_EMBEDDING_PROVIDER"`
	Model      string `yaml:"model" json:"model" env:"GM_EMBEDDING_MODEL"`
	Dimensions int    `yaml:"dimensions" json:"dimensions" env:"GM_EMBEDDING_DIMENSIONS"`
	APIKey     string `yaml:"api_key" json:"-" env:"GM_EMBEDDING_API_KEY"`
	BaseURL    string `yaml:"base_url" json:"base_url" env:"GM_EMBEDDING_BASE_URL"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size" env:"GM_EMBEDDING_CACHE_SIZE"`
}

// Model configures the language model gateway.
type Model struct {
	// Provider is "anthropic", "openrouter", "openai" or "disabled".
	Provider string `yaml:"provider" json:"provider" env:"GM_MODEL_PROVIDER"`
	APIKey   string `yaml:"api_key" json:"-" env:"GM_MODEL_API_KEY"`
	BaseURL  string `yaml:"base_url" json:"base_url" env:"GM_MODEL_BASE_URL"`

	// Model is used for every sub-task without its own entry.
	Model    string `yaml:"model" json:"model" env:"GM_MODEL"`
	Classify string `yaml:"intent_classify_model" json:"intent_classify_model" env:"GM_MODEL_CLASSIFY"`
	Resolve  string `yaml:"resolve_ambiguity_model" json:"resolve_ambiguity_model" env:"GM_MODEL_RESOLVE"`
	Narrate  string `yaml:"narrate_model" json:"narrate_model" env:"GM_MODEL_NARRATE"`

	Timeout       time.Duration `yaml:"timeout" json:"timeout" env:"GM_MODEL_TIMEOUT"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second" env:"GM_MODEL_RATE"`
	Burst         int           `yaml:"burst" json:"burst" env:"GM_MODEL_BURST"`

	BreakerThreshold int           `yaml:"breaker_threshold" json:"breaker_threshold" env:"GM_MODEL_BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown" env:"GM_MODEL_BREAKER_COOLDOWN"`

	Pricing map[string]model.Pricing `yaml:"pricing" json:"pricing,omitempty"`
}

// Models returns the per sub-task model overrides.
func (m Model) Models() map[model.SubTask]string {
	out := make(map[model.SubTask]string, 3)
	for task, id := range map[model.SubTask]string{
		model.SubTaskIntentClassify:   m.Classify,
		model.SubTaskResolveAmbiguity: m.Resolve,
		model.SubTaskNarrate:          m.Narrate,
	} {
		if id != "" {
			out[task] = id
		}
	}
	return out
}

// Guard returns the timeout, rate and breaker settings for model.NewGuard.
func (m Model) Guard() model.GuardConfig {
	return model.GuardConfig{
		Timeout:       m.Timeout,
		RatePerSecond: m.RatePerSecond,
		Burst:         m.Burst,
		Breaker: model.BreakerConfig{
			FailureThreshold: m.BreakerThreshold,
			Cooldown:         m.BreakerCooldown,
		},
	}
}

// State configures the world state database.
type State struct {
	Path string `yaml:"db_path" json:"db_path" env:"GM_STATE_DB"`
}

// Voice configures the voice adapter websocket server.
type Voice struct {
	Addr string `yaml:"listen_addr" json:"listen_addr" env:"GM_VOICE_ADDR"`
	Path string `yaml:"path" json:"path" env:"GM_VOICE_PATH"`

	// AllowedOrigins lists browser origins allowed to connect. Empty
	// allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" env:"GM_VOICE_ORIGINS" envSeparator:","`

	MinSentenceRunes int `yaml:"min_sentence_runes" json:"min_sentence_runes" env:"GM_VOICE_MIN_SENTENCE_RUNES"`
}

// Events configures the operator event log.
type Events struct {
	Dir    string `yaml:"dir" json:"dir" env:"GM_EVENTS_DIR"`
	Prefix string `yaml:"prefix" json:"prefix" env:"GM_EVENTS_PREFIX"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Budget: budget.DefaultPolicy(),
		Knowledge: Knowledge{
			Enabled:       true,
			Path:          filepath.Join("data", "knowledge.db"),
			TopK:          5,
			ChunkMaxChars: 1200,
			ChunkOverlap:  120,
			Timeout:       800 * time.Millisecond,
			Embedding: Embedding{
				Provider:   "hashing",
				Dimensions: 256,
				CacheSize:  1000,
			},
		},
		Model: Model{
			Provider:         "anthropic",
			Model:            "claude-3-5-haiku-latest",
			Timeout:          8 * time.Second,
			RatePerSecond:    5,
			Burst:            4,
			BreakerThreshold: 3,
			BreakerCooldown:  20 * time.Second,
		},
		State: State{Path: filepath.Join("data", "world.db")},
		Scheduler: schedule.Config{
			TickInterval: 5 * time.Second,
			MaxAttempts:  3,
		},
		Voice: Voice{
			Addr:             "127.0.0.1:8088",
			Path:             "/voice",
			MinSentenceRunes: 12,
		},
		Events:  Events{Dir: filepath.Join("data", "events"), Prefix: "events"},
		Log:     Log{Level: "info", File: filepath.Join("data", "logs", "gamemaster.log"), MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 30},
		Prompts: model.DefaultPrompts(),
	}
}

// Load reads the configuration. Values come from the defaults, then the
// YAML file at path, then the environment (after loading .env files).
// An empty path uses DefaultFile when it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads .env and .env.local from the working directory. Values
// already in the environment win.
func loadDotEnv() error {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if err := c.Budget.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("budget: %w", err))
	}
	switch c.Model.Provider {
	case "anthropic", "openrouter", "openai", "disabled":
	default:
		errs = append(errs, fmt.Errorf("model: unknown provider %q", c.Model.Provider))
	}
	if c.Model.Provider != "disabled" && c.Model.Model == "" {
		errs = append(errs, errors.New("model: model is required"))
	}
	switch c.Knowledge.Embedding.Provider {
	case "hashing", "openai":
	default:
		errs = append(errs, fmt.Errorf("knowledge: unknown embedding provider %q", c.Knowledge.Embedding.Provider))
	}
	if c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkMaxChars {
		errs = append(errs, fmt.Errorf("knowledge: chunk_overlap %d must be below chunk_max_chars %d",
			c.Knowledge.ChunkOverlap, c.Knowledge.ChunkMaxChars))
	}
	switch c.Prompts.LanguageMode {
	case "player", "locale":
	default:
		errs = append(errs, fmt.Errorf("prompts: unknown response_language_mode %q", c.Prompts.LanguageMode))
	}
	if c.State.Path == "" {
		errs = append(errs, errors.New("state: db_path is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}
