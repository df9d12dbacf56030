package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/events"
	"github.com/25x8/reclamations/internal/reclamations/inference"
	"github.com/25x8/reclamations/internal/reclamations/loyalty"
	"github.com/25x8/reclamations/internal/reclamations/service"
	"github.com/25x8/reclamations/internal/reclamations/triage"
	"github.com/25x8/reclamations/internal/reclamations/utils"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config contains application configuration
type Config struct {
	RunAddress  string
	DatabaseURI string
	JWTSecret   string
	UploadsDir  string

	// Backends
	Labeler           string
	LabelerAddress    string
	VisionCredentials string
	Completer         string
	Model             string
	GeminiAPIKey      string
	OpenAIAPIKey      string
	AnthropicAPIKey   string
	BackendTimeout    time.Duration
	ProbeBackends     bool

	// Triage task processor
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration

	// Outcome events
	KafkaBrokers []string
	KafkaTopic   string

	// Scoring and ledger tuning; nil point amounts keep the policy file value
	PolicyFile     string
	ValidReward    *int
	InvalidPenalty *int
}

// envBindings maps config keys to the environment variables that override them.
// Keys not listed here are read from their upper-cased, underscored form.
var envBindings = map[string]string{
	"vision-credentials": "GOOGLE_APPLICATION_CREDENTIALS",
	"valid-reward":       "LOYALTY_POINTS_VALID_RECLAMATION",
	"invalid-penalty":    "LOYALTY_POINTS_INVALID_RECLAMATION",
}

// BindFlags registers the server flags on fs and binds them, and the
// environment, to v. A flag given on the command line wins over the
// environment, which wins over flag defaults.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	procDefaults := service.DefaultProcessorConfig()
	rules := loyalty.DefaultRules()

	fs.StringP("run-address", "a", ":8080", "Server run address")
	fs.StringP("database-uri", "d", "", "Database URI, in-memory store when empty")
	fs.String("jwt-secret", "change-me", "Secret used to sign auth tokens")
	fs.String("uploads-dir", "uploads", "Directory holding uploaded photos")

	fs.String("labeler", inference.LabelerVision, "Image labeling backend: vision, http or none")
	fs.StringP("labeler-address", "r", "", "Address of the HTTP labeling service")
	fs.String("vision-credentials", "", "Google Cloud credentials file for the vision labeler")
	fs.String("completer", inference.CompleterGemini, "Completion backend: gemini, openai or anthropic")
	fs.String("model", "", "Completion model, backend default when empty")
	fs.String("gemini-api-key", "", "Gemini API key")
	fs.String("openai-api-key", "", "OpenAI API key")
	fs.String("anthropic-api-key", "", "Anthropic API key")
	fs.Duration("backend-timeout", 30*time.Second, "Timeout of a single backend call")
	fs.Bool("probe-backends", false, "Check the completion backend at startup and exit on failure")

	fs.Int("workers", procDefaults.Workers, "Number of concurrent triage workers")
	fs.Duration("poll-interval", procDefaults.Interval, "Interval between two scans of the task queue")
	fs.Duration("lease", procDefaults.Lease, "How long a claimed task is reserved for a worker")
	fs.Int("max-attempts", procDefaults.MaxAttempts, "Attempts before a triage task is given up")
	fs.Duration("backoff-base", procDefaults.BackoffBase, "Delay before the first retry, doubled for each further attempt")

	fs.String("kafka-brokers", "", "Comma separated Kafka brokers, events are logged when empty")
	fs.String("kafka-topic", events.DefaultTopic, "Kafka topic for outcome events")

	fs.String("policy-file", "", "YAML file overriding the scoring policy and ledger rules")
	fs.Int("valid-reward", rules.ValidReward, "Points for a valid reclamation")
	fs.Int("invalid-penalty", rules.InvalidPenalty, "Points for an invalid reclamation")

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		if env, ok := envBindings[f.Name]; ok {
			_ = v.BindEnv(f.Name, env)
		}
	})
}

// Load reads the configuration bound by BindFlags
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		RunAddress:  v.GetString("run-address"),
		DatabaseURI: v.GetString("database-uri"),
		JWTSecret:   v.GetString("jwt-secret"),
		UploadsDir:  v.GetString("uploads-dir"),

		Labeler:           v.GetString("labeler"),
		LabelerAddress:    v.GetString("labeler-address"),
		VisionCredentials: v.GetString("vision-credentials"),
		Completer:         v.GetString("completer"),
		Model:             v.GetString("model"),
		GeminiAPIKey:      v.GetString("gemini-api-key"),
		OpenAIAPIKey:      v.GetString("openai-api-key"),
		AnthropicAPIKey:   v.GetString("anthropic-api-key"),
		BackendTimeout:    v.GetDuration("backend-timeout"),
		ProbeBackends:     v.GetBool("probe-backends"),

		Workers:      v.GetInt("workers"),
		PollInterval: v.GetDuration("poll-interval"),
		Lease:        v.GetDuration("lease"),
		MaxAttempts:  v.GetInt("max-attempts"),
		BackoffBase:  v.GetDuration("backoff-base"),

		KafkaBrokers: splitList(v.GetString("kafka-brokers")),
		KafkaTopic:   v.GetString("kafka-topic"),

		PolicyFile: v.GetString("policy-file"),
	}

	if v.IsSet("valid-reward") {
		n := v.GetInt("valid-reward")
		if n < 0 {
			return nil, fmt.Errorf("valid-reward must not be negative, got %d", n)
		}
		cfg.ValidReward = &n
	}
	if v.IsSet("invalid-penalty") {
		n := v.GetInt("invalid-penalty")
		if n > 0 {
			return nil, fmt.Errorf("invalid-penalty must not be positive, got %d", n)
		}
		cfg.InvalidPenalty = &n
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = ":8080"
	}
	if cfg.BackendTimeout < 0 {
		return nil, fmt.Errorf("backend-timeout must not be negative")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// InferenceOptions returns the backend selection for the inference package
func (c *Config) InferenceOptions() inference.Options {
	return inference.Options{
		Labeler:               c.Labeler,
		LabelerAddress:        c.LabelerAddress,
		VisionCredentialsFile: c.VisionCredentials,
		Completer:             c.Completer,
		Model:                 c.Model,
		GeminiAPIKey:          c.GeminiAPIKey,
		OpenAIAPIKey:          c.OpenAIAPIKey,
		AnthropicAPIKey:       c.AnthropicAPIKey,
	}
}

// ProcessorConfig returns the task processor settings. The run timeout
// leaves room for every backend call of a reclamation with the most photos:
// a labeling and a multimodal call per photo plus the text analysis.
func (c *Config) ProcessorConfig() service.ProcessorConfig {
	var runTimeout time.Duration
	if c.BackendTimeout > 0 {
		runTimeout = time.Duration(2*utils.MaxPhotos+1)*c.BackendTimeout + time.Minute
	}
	return service.ProcessorConfig{
		Interval:    c.PollInterval,
		Workers:     c.Workers,
		Lease:       c.Lease,
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
		RunTimeout:  runTimeout,
	}
}

// Tuning returns the scoring policy and ledger rules: the defaults, then the
// policy file, then the point amounts from flags or environment.
func (c *Config) Tuning() (triage.Policy, loyalty.Rules, error) {
	policy, rules, err := LoadPolicy(c.PolicyFile)
	if err != nil {
		return policy, rules, err
	}
	if c.ValidReward != nil {
		rules.ValidReward = *c.ValidReward
	}
	if c.InvalidPenalty != nil {
		rules.InvalidPenalty = *c.InvalidPenalty
	}
	if err := rules.Validate(); err != nil {
		return policy, rules, fmt.Errorf("loyalty rules: %w", err)
	}
	return policy, rules, nil
}

// policyFile is the layout of the YAML tuning file
type policyFile struct {
	Scoring triage.Policy `yaml:"scoring"`
	Loyalty loyalty.Rules `yaml:"loyalty"`
}

// LoadPolicy reads a YAML tuning file over the built-in defaults. Keys absent
// from the file keep their default value. An empty path yields the defaults.
func LoadPolicy(path string) (triage.Policy, loyalty.Rules, error) {
	file := policyFile{Scoring: triage.DefaultPolicy(), Loyalty: loyalty.DefaultRules()}
	if path == "" {
		return file.Scoring, file.Loyalty, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return file.Scoring, file.Loyalty, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file.Scoring, file.Loyalty, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := file.Scoring.Validate(); err != nil {
		return file.Scoring, file.Loyalty, fmt.Errorf("policy file %s: scoring: %w", path, err)
	}
	if err := file.Loyalty.Validate(); err != nil {
		return file.Scoring, file.Loyalty, fmt.Errorf("policy file %s: loyalty: %w", path, err)
	}
	return file.Scoring, file.Loyalty, nil
}
