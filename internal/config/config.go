package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatcher.  It is built once in
// main and handed to each component explicitly.
type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string
	JWTSecret   string
	// NotifyChannel is the Postgres channel used to announce new assignments.
	NotifyChannel string
	// ValidateWebhook enables X-Twilio-Signature checking on inbound requests.
	ValidateWebhook bool
	// PublicURL is the externally visible base URL Twilio signs against.
	PublicURL string

	Redis  RedisConfig
	LLM    LLMConfig
	Twilio TwilioConfig
	Triage TriageConfig
}

// RedisConfig holds the distributed lock backend.  An empty Addr disables
// distributed locking and leaves only the in-process per-session locks.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// LLMConfig configures the OpenAI-compatible completion service.
type LLMConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	SummaryModel     string
	Timeout          time.Duration
	MaxTokens        int
	SummaryMaxTokens int
}

// TwilioConfig configures the outbound WhatsApp sender.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Timeout    time.Duration
}

// Configured reports whether real credentials are present.
func (t TwilioConfig) Configured() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

// TriageConfig carries dialogue tuning and the keyword rules.
type TriageConfig struct {
	MaxFollowupQuestions int
	Rules                Rules
}

// Rules are the keyword lists used by the classifier and dialogue.  Any list
// left empty falls back to the built-in defaults.
type Rules struct {
	UrgentKeywords           []string `yaml:"urgent_keywords"`
	HighKeywords             []string `yaml:"high_keywords"`
	PregnancyKeywords        []string `yaml:"pregnancy_keywords"`
	ClinicianRequestKeywords []string `yaml:"clinician_request_keywords"`
	AffirmativeKeywords      []string `yaml:"affirmative_keywords"`
}

// LoadDotEnv loads a .env file if one is present.  A missing file is not an
// error; a malformed one is.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	lockTTL, err := getDuration("LOCK_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	llmTimeout, err := getDuration("LLM_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, err
	}
	maxTokens, err := getInt("LLM_MAX_TOKENS", 1000)
	if err != nil {
		return nil, err
	}
	summaryTokens, err := getInt("LLM_SUMMARY_MAX_TOKENS", 2000)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := getDuration("SEND_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	maxQuestions, err := getInt("MAX_FOLLOWUP_QUESTIONS", 5)
	if err != nil {
		return nil, err
	}
	validate, err := getBool("VALIDATE_WEBHOOK", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		NotifyChannel:   getEnv("NOTIFY_CHANNEL", "clinician_assignments"),
		ValidateWebhook: validate,
		PublicURL:       getEnv("PUBLIC_URL", ""),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			LockTTL:  lockTTL,
		},
		LLM: LLMConfig{
			APIKey:           getEnv("OPENAI_API_KEY", ""),
			BaseURL:          getEnv("OPENAI_BASE_URL", ""),
			Model:            getEnv("OPENAI_MODEL_CHAT", "gpt-4o-mini"),
			SummaryModel:     getEnv("OPENAI_MODEL_SUMMARY", ""),
			Timeout:          llmTimeout,
			MaxTokens:        maxTokens,
			SummaryMaxTokens: summaryTokens,
		},
		Twilio: TwilioConfig{
			AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber: getEnv("TWILIO_WHATSAPP_NUMBER", ""),
			Timeout:    sendTimeout,
		},
		Triage: TriageConfig{
			MaxFollowupQuestions: maxQuestions,
		},
	}

	if path := getEnv("TRIAGE_RULES_FILE", ""); path != "" {
		rules, err := LoadRules(path)
		if err != nil {
			return nil, err
		}
		cfg.Triage.Rules = *rules
	}
	return cfg, nil
}

// LoadRules reads keyword overrides from a YAML file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return &r, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
