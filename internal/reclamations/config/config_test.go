package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func load(t *testing.T, args ...string) *Config {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := load(t)

	if cfg.RunAddress != ":8080" || cfg.DatabaseURI != "" || cfg.Completer != "gemini" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.BackendTimeout != 30*time.Second || cfg.Workers != 4 || cfg.KafkaTopic != "reclamation-events" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ValidReward != nil || cfg.InvalidPenalty != nil || cfg.KafkaBrokers != nil {
		t.Errorf("unexpected overrides in %+v", cfg)
	}
}

func TestLoad_FlagsAndEnv(t *testing.T) {
	t.Setenv("DATABASE_URI", "postgres://env")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/secrets/vision.json")
	t.Setenv("LOYALTY_POINTS_VALID_RECLAMATION", "60")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RUN_ADDRESS", ":7000")

	cfg := load(t, "-a", ":9090", "-r", "http://labels:8081", "--backend-timeout", "5s", "--invalid-penalty", "-20")

	if cfg.RunAddress != ":9090" {
		t.Errorf("RunAddress = %q, the explicit flag should win", cfg.RunAddress)
	}
	if cfg.DatabaseURI != "postgres://env" || cfg.GeminiAPIKey != "g-key" || cfg.VisionCredentials != "/secrets/vision.json" {
		t.Errorf("env values not picked up: %+v", cfg)
	}
	if cfg.LabelerAddress != "http://labels:8081" || cfg.BackendTimeout != 5*time.Second {
		t.Errorf("flag values not picked up: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.ValidReward == nil || *cfg.ValidReward != 60 || cfg.InvalidPenalty == nil || *cfg.InvalidPenalty != -20 {
		t.Errorf("point overrides = %v, %v", cfg.ValidReward, cfg.InvalidPenalty)
	}

	opts := cfg.InferenceOptions()
	if opts.GeminiAPIKey != "g-key" || opts.VisionCredentialsFile != "/secrets/vision.json" {
		t.Errorf("InferenceOptions = %+v", opts)
	}
}

func TestLoad_RejectsPositivePenalty(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	_ = fs.Parse([]string{"--invalid-penalty", "5"})
	if _, err := Load(v); err == nil {
		t.Error("expected an error for a positive penalty")
	}
}

func TestTuning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
scoring:
  valid_match_score: 70
  food_vocabulary: [pizza, burger]
loyalty:
  valid_reward: 40
  high_confidence_bonus: 30
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := load(t, "--policy-file", path, "--invalid-penalty", "-15")
	policy, rules, err := cfg.Tuning()
	if err != nil {
		t.Fatalf("Tuning: %v", err)
	}

	if policy.ValidMatchScore != 70 || len(policy.FoodVocabulary) != 2 || policy.BaseMatchScore != 50 {
		t.Errorf("policy = %+v", policy)
	}
	if rules.ValidReward != 40 || rules.HighConfidenceBonus != 30 || rules.InvalidPenalty != -15 || rules.LoyaltyBonusRatio != 0.5 {
		t.Errorf("rules = %+v", rules)
	}
}

func TestLoadPolicy_Errors(t *testing.T) {
	if _, _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("scoring: [not, a, map"), 0o600)
	if _, _, err := LoadPolicy(path); err == nil {
		t.Error("expected a parse error")
	}

	policy, rules, err := LoadPolicy("")
	if err != nil || policy.BaseMatchScore != 50 || rules.ValidReward != 50 {
		t.Errorf("defaults = %+v %+v %v", policy, rules, err)
	}
}

func TestLoadPolicy_RejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative fallback keywords", "scoring:\n  fallback_keywords: -1\n"},
		{"threshold above 100", "scoring:\n  valid_match_score: 120\n"},
		{"negative keyword weight", "scoring:\n  keyword_weight: -5\n"},
		{"unknown severity", "scoring:\n  blocked_severity: severe\n"},
		{"positive penalty", "loyalty:\n  invalid_penalty: 10\n"},
		{"negative bonus ratio", "loyalty:\n  loyalty_bonus_ratio: -0.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, _, err := LoadPolicy(path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
