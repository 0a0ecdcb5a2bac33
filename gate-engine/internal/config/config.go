package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/policy"
)

type ServiceConfig struct {
	Addr        string
	DatabaseURL string
	SQLitePath  string

	ProviderURL        string
	ProviderAPIKey     string
	ProviderTimeout    time.Duration
	CatalogTTL         time.Duration
	FallbackModel      string
	LowCarbonIntensity float64
	GridIntensity      float64
	DefaultGPU         string
	Preferences        map[string][]string

	Period        policy.Period
	DefaultPolicy models.BudgetPolicy
	SeedPolicies  []models.BudgetPolicy

	JWTSecret    string
	RateLimitRPS float64
	RateBurst    int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	OTLPEndpoint string
	OTLPInsecure bool
	LogLevel     string
	LogFormat    string
}

const (
	defaultAddr            = ":8070"
	defaultProviderURL     = "https://hackeurope.crusoecloud.com"
	defaultProviderTimeout = 3 * time.Second
	defaultCatalogTTL      = 60 * time.Second
	defaultLowCarbon       = 50.0
	defaultGrid            = 420.0
	defaultGPU             = "a100"
	defaultOrg             = "default"
	defaultBudgetKg        = 50.0
	defaultWarningPct      = 80.0
	defaultRateLimitRPS    = 20.0
	defaultRateBurst       = 40
)

// LoadService reads the service configuration from the environment and, when
// CARBON_GATE_CONFIG points at one, a YAML file. Environment values win over
// the file for scalar settings.
func LoadService() (ServiceConfig, error) {
	cfg := ServiceConfig{
		Addr:               getEnv("CARBON_GATE_ADDR", defaultAddr),
		DatabaseURL:        firstNonEmpty(os.Getenv("CARBON_GATE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		SQLitePath:         os.Getenv("CARBON_GATE_SQLITE_PATH"),
		ProviderURL:        getEnv("LOWCARBON_PROVIDER_URL", defaultProviderURL),
		ProviderAPIKey:     firstNonEmpty(os.Getenv("LOWCARBON_PROVIDER_API_KEY"), os.Getenv("CRUSOE_API_KEY")),
		ProviderTimeout:    getDuration("LOWCARBON_PROVIDER_TIMEOUT", defaultProviderTimeout),
		CatalogTTL:         getDuration("LOWCARBON_CATALOG_TTL", defaultCatalogTTL),
		FallbackModel:      os.Getenv("LOWCARBON_DEFAULT_MODEL"),
		LowCarbonIntensity: getFloat("LOWCARBON_INTENSITY_G_KWH", defaultLowCarbon),
		GridIntensity:      getFloat("GRID_INTENSITY_G_KWH", defaultGrid),
		DefaultGPU:         getEnv("CARBON_GATE_DEFAULT_GPU", defaultGPU),
		DefaultPolicy: models.BudgetPolicy{
			OrgID:      getEnv("CARBON_GATE_DEFAULT_ORG", defaultOrg),
			BudgetKg:   getFloat("CARBON_GATE_DEFAULT_BUDGET_KG", defaultBudgetKg),
			WarningPct: getFloat("CARBON_GATE_DEFAULT_WARNING_PCT", defaultWarningPct),
		},
		JWTSecret:     os.Getenv("CARBON_GATE_JWT_SECRET"),
		RateLimitRPS:  getFloat("CARBON_GATE_RATE_LIMIT_RPS", defaultRateLimitRPS),
		RateBurst:     getInt("CARBON_GATE_RATE_LIMIT_BURST", defaultRateBurst),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),
		KafkaBrokers:  parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "carbon-gate.events"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3Prefix:      os.Getenv("S3_PREFIX"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:  getBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
	}

	periodRaw := os.Getenv("CARBON_GATE_PERIOD")
	if path := os.Getenv("CARBON_GATE_CONFIG"); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return ServiceConfig{}, err
		}
		if err := cfg.applyFile(file); err != nil {
			return ServiceConfig{}, err
		}
		if periodRaw == "" {
			periodRaw = file.Period
		}
	}

	period, err := policy.ParsePeriod(periodRaw)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("CARBON_GATE_PERIOD: %w", err)
	}
	cfg.Period = period

	if err := policy.ValidatePolicy(cfg.DefaultPolicy); err != nil {
		return ServiceConfig{}, fmt.Errorf("default policy: %w", err)
	}
	return cfg, nil
}

// applyFile merges file settings that the environment left unset.
func (c *ServiceConfig) applyFile(f File) error {
	if f.DefaultGPU != "" && os.Getenv("CARBON_GATE_DEFAULT_GPU") == "" {
		c.DefaultGPU = f.DefaultGPU
	}
	if f.FallbackModel != "" && c.FallbackModel == "" {
		c.FallbackModel = f.FallbackModel
	}
	if len(f.Preferences) > 0 {
		c.Preferences = f.Preferences
	}
	if f.DefaultPolicy != nil {
		if os.Getenv("CARBON_GATE_DEFAULT_BUDGET_KG") == "" && f.DefaultPolicy.BudgetKg != 0 {
			c.DefaultPolicy.BudgetKg = f.DefaultPolicy.BudgetKg
		}
		if os.Getenv("CARBON_GATE_DEFAULT_WARNING_PCT") == "" && f.DefaultPolicy.WarningPct != 0 {
			c.DefaultPolicy.WarningPct = f.DefaultPolicy.WarningPct
		}
	}
	for _, p := range f.Policies {
		bp := models.BudgetPolicy{OrgID: p.Org, BudgetKg: p.BudgetKg, WarningPct: p.WarningPct}
		if bp.WarningPct == 0 {
			bp.WarningPct = defaultWarningPct
		}
		if strings.TrimSpace(bp.OrgID) == "" {
			return fmt.Errorf("config file: policy without org")
		}
		if err := policy.ValidatePolicy(bp); err != nil {
			return fmt.Errorf("config file: policy %q: %w", bp.OrgID, err)
		}
		c.SeedPolicies = append(c.SeedPolicies, bp)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
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
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
