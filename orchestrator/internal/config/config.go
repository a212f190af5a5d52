package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/alert"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/guardrail"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

type Config struct {
	Addr        string
	DatabaseURL string

	SLOThreshold   time.Duration
	HistoryLimit   int
	HandlerTimeout time.Duration
	MaxConcurrency int

	Alerts     []alert.Destination
	AlertRate  float64
	AlertBurst int

	A2ASecret string
	JWTSecret string

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	// TraceExporter is none, stdout or otlp-http.
	TraceExporter string
	OTLPEndpoint  string

	// Catalog holds extra C-Units and guardrails from ORCH_CONFIG_FILE.
	Catalog Catalog
}

// Catalog is the YAML document referenced by ORCH_CONFIG_FILE.
type Catalog struct {
	CUnits     []models.CUnit      `yaml:"c_units"`
	Guardrails []guardrail.Spec    `yaml:"guardrails"`
	Alerts     []alert.Destination `yaml:"alerts"`
}

const (
	defaultAddr           = ":8070"
	defaultHistoryLimit   = 100
	defaultHandlerTimeout = 5 * time.Second
	defaultMaxConcurrency = 8
	defaultAlertRate      = 1.0
	defaultAlertBurst     = 10
	defaultKafkaTopic     = "orchestrator.audit"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:           getEnv("ORCH_ADDR", defaultAddr),
		DatabaseURL:    firstNonEmpty(os.Getenv("ORCH_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		SLOThreshold:   getSeconds("SLO_JOB_SEC", 0),
		HistoryLimit:   getInt("ORCH_HISTORY_LIMIT", defaultHistoryLimit),
		HandlerTimeout: getSeconds("ORCH_HANDLER_TIMEOUT_SEC", defaultHandlerTimeout),
		MaxConcurrency: getInt("ORCH_MAX_CONCURRENT_JOBS", defaultMaxConcurrency),
		AlertRate:      getFloat("ORCH_ALERT_RATE", defaultAlertRate),
		AlertBurst:     getInt("ORCH_ALERT_BURST", defaultAlertBurst),
		A2ASecret:      os.Getenv("A2A_SECRET"),
		JWTSecret:      os.Getenv("ORCH_JWT_SECRET"),
		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Prefix:       os.Getenv("S3_PREFIX"),
		TraceExporter:  getEnv("ORCH_TRACE_EXPORTER", "none"),
		OTLPEndpoint:   firstNonEmpty(os.Getenv("ORCH_OTLP_ENDPOINT"), os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}
	if getBool("ORCH_TRACE_STDOUT", false) {
		cfg.TraceExporter = "stdout"
	}
	for _, d := range []alert.Destination{
		{Name: "telegram", URL: os.Getenv("TELEGRAM_WEBHOOK")},
		{Name: "slack", URL: os.Getenv("SLACK_WEBHOOK"), Format: "slack"},
		{Name: "webhook", URL: os.Getenv("ORCH_ALERT_WEBHOOK")},
	} {
		if d.URL != "" {
			cfg.Alerts = append(cfg.Alerts, d)
		}
	}

	if path := os.Getenv("ORCH_CONFIG_FILE"); path != "" {
		cat, err := LoadCatalog(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Catalog = cat
		cfg.Alerts = append(cfg.Alerts, cat.Alerts...)
	}

	if cfg.SLOThreshold < 0 {
		return Config{}, fmt.Errorf("SLO_JOB_SEC must not be negative")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("ORCH_HISTORY_LIMIT must be positive")
	}
	return cfg, nil
}

// LoadCatalog reads a YAML catalogue file.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i, d := range cat.Alerts {
		if d.URL == "" {
			return Catalog{}, fmt.Errorf("catalog %s: alert %d has no url", path, i)
		}
	}
	return cat, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getSeconds accepts fractional seconds.
func getSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
