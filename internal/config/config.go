package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all callsense environment variables.
const EnvPrefix = "CALLSENSE_"

type Preset struct {
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
	UserTemplate string `yaml:"user_template"`
	Model        string `yaml:"model"`
}

type Summarization struct {
	Model   string            `yaml:"model"`
	Presets map[string]Preset `yaml:"presets"`
}

// Classifier selects how transcript windows are labeled. Backend is "http"
// for the hosted emotion model or "llm" to prompt Model instead.
type Classifier struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr     string `yaml:"listen_addr"`
	DBPath         string `yaml:"db_path"`
	RecordingsDir  string `yaml:"recordings_dir"`
	TranscriptsDir string `yaml:"transcripts_dir"`
	AudioDir       string `yaml:"audio_dir"`

	PollInterval      string `yaml:"poll_interval"`
	SettleDelay       string `yaml:"settle_delay"`
	ScanExisting      bool   `yaml:"scan_existing"`
	PairTimeout       string `yaml:"pair_timeout"`
	TranscribeTimeout string `yaml:"transcribe_timeout"`
	MaxInFlight       int    `yaml:"max_in_flight"`
	WindowSize        int    `yaml:"window_size"`
	AggregationDelay  string `yaml:"aggregation_delay"`
	IdleTimeout       string `yaml:"idle_timeout"`
	SampleRate        int    `yaml:"sample_rate"`

	DeepgramModel    string `yaml:"deepgram_model"`
	DeepgramLanguage string `yaml:"deepgram_language"`

	Classifier    Classifier    `yaml:"classifier"`
	Summarization Summarization `yaml:"summarization"`
	AnalysisModel string        `yaml:"analysis_model"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	Log Log `yaml:"log"`

	// Secrets, env vars only.
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

const defaultSystemPrompt = `You summarize sales and coaching calls between a Host and a Client. Write concise markdown with the key topics, the Client's concerns, commitments made by either side, and action items.`

const defaultUserTemplate = `Call transcript ({{date}}):

{{transcript}}`

func defaults() Config {
	return Config{
		ListenAddr:        ":8000",
		DBPath:            "data/callsense.db",
		RecordingsDir:     "recordings",
		TranscriptsDir:    "transcripts",
		AudioDir:          "data/audio",
		PollInterval:      "0s",
		SettleDelay:       "250ms",
		PairTimeout:       "5s",
		TranscribeTimeout: "30s",
		MaxInFlight:       8,
		WindowSize:        4,
		AggregationDelay:  "12s",
		IdleTimeout:       "2m",
		SampleRate:        32000,
		DeepgramModel:     "nova-2",
		DeepgramLanguage:  "en-US",
		Classifier: Classifier{
			Backend: "http",
			URL:     "https://tomsoderlund-emoroberta.hf.space/api/predict",
		},
		Summarization: Summarization{
			Model: "openai/gpt-4o-mini",
			Presets: map[string]Preset{
				"default": {
					Description:  "General call summary",
					SystemPrompt: defaultSystemPrompt,
					UserTemplate: defaultUserTemplate,
				},
			},
		},
		AnalysisModel:         "openai/gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
		Log:                   Log{Level: "info", Format: "console"},
	}
}

// LoadDotEnv loads a .env file from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func (c *Config) ParsedPollInterval() time.Duration {
	return parseDuration(c.PollInterval, 0)
}

func (c *Config) ParsedSettleDelay() time.Duration {
	return parseDuration(c.SettleDelay, 250*time.Millisecond)
}

func (c *Config) ParsedPairTimeout() time.Duration {
	return parseDuration(c.PairTimeout, 5*time.Second)
}

func (c *Config) ParsedTranscribeTimeout() time.Duration {
	return parseDuration(c.TranscribeTimeout, 30*time.Second)
}

func (c *Config) ParsedAggregationDelay() time.Duration {
	return parseDuration(c.AggregationDelay, 12*time.Second)
}

func (c *Config) ParsedIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 2*time.Minute)
}

// APIKey returns the secret for an LLM provider name.
func (c *Config) APIKey(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"DB_PATH":                 &cfg.DBPath,
		"RECORDINGS_DIR":          &cfg.RecordingsDir,
		"TRANSCRIPTS_DIR":         &cfg.TranscriptsDir,
		"AUDIO_DIR":               &cfg.AudioDir,
		"POLL_INTERVAL":           &cfg.PollInterval,
		"SETTLE_DELAY":            &cfg.SettleDelay,
		"PAIR_TIMEOUT":            &cfg.PairTimeout,
		"TRANSCRIBE_TIMEOUT":      &cfg.TranscribeTimeout,
		"AGGREGATION_DELAY":       &cfg.AggregationDelay,
		"IDLE_TIMEOUT":            &cfg.IdleTimeout,
		"DEEPGRAM_MODEL":          &cfg.DeepgramModel,
		"DEEPGRAM_LANGUAGE":       &cfg.DeepgramLanguage,
		"CLASSIFIER_BACKEND":      &cfg.Classifier.Backend,
		"CLASSIFIER_URL":          &cfg.Classifier.URL,
		"CLASSIFIER_MODEL":        &cfg.Classifier.Model,
		"SUMMARY_MODEL":           &cfg.Summarization.Model,
		"ANALYSIS_MODEL":          &cfg.AnalysisModel,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
		"LOG_LEVEL":               &cfg.Log.Level,
		"LOG_FORMAT":              &cfg.Log.Format,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_IN_FLIGHT": &cfg.MaxInFlight,
		"WINDOW_SIZE":   &cfg.WindowSize,
		"SAMPLE_RATE":   &cfg.SampleRate,
	}
	for key, dst := range ints {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	if v := os.Getenv(EnvPrefix + "SCAN_EXISTING"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.ScanExisting = b
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured, segments will not be transcribed. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}

	if provider, _, ok := strings.Cut(cfg.Summarization.Model, "/"); !ok {
		warnings = append(warnings, fmt.Sprintf("Invalid summarization model %q, expected provider/model.", cfg.Summarization.Model))
	} else if cfg.APIKey(provider) == "" {
		warnings = append(warnings, fmt.Sprintf("No API key for %s, call summaries are disabled.", provider))
	}

	switch cfg.Classifier.Backend {
	case "http":
	case "llm":
		if _, _, ok := strings.Cut(cfg.Classifier.Model, "/"); !ok {
			warnings = append(warnings, fmt.Sprintf("Invalid classifier model %q, sentiment classification is disabled.", cfg.Classifier.Model))
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown classifier backend %q, using http.", cfg.Classifier.Backend))
		cfg.Classifier.Backend = "http"
	}

	if len(cfg.Summarization.Presets) == 0 {
		warnings = append(warnings, "No summarization presets configured, using the built-in default.")
		cfg.Summarization.Presets = defaults().Summarization.Presets
	}

	durations := []struct {
		name, value, fallback string
	}{
		{"poll_interval", cfg.PollInterval, "0s"},
		{"settle_delay", cfg.SettleDelay, "250ms"},
		{"pair_timeout", cfg.PairTimeout, "5s"},
		{"transcribe_timeout", cfg.TranscribeTimeout, "30s"},
		{"aggregation_delay", cfg.AggregationDelay, "12s"},
		{"idle_timeout", cfg.IdleTimeout, "2m"},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q, using default %s.", d.name, d.value, d.fallback))
		}
	}

	return warnings
}
