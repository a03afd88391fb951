package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Order is a non-seasonal ARIMA order.
type Order struct {
	P, D, Q int
}

// SeasonalOrder is a seasonal ARIMA order with period S.
type SeasonalOrder struct {
	P, D, Q, S int
}

// MonthDay is a fixed calendar date that recurs every year.
type MonthDay struct {
	Month time.Month
	Day   int
}

// Config holds service configuration resolved from the environment.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	StoreBackend string // "memory" or "postgres"
	QueueBackend string // "memory" or "redis"

	MinHistoryDays        int
	ConfidenceLevel       float64
	SARIMAOrder           Order
	SARIMASeasonalOrder   SeasonalOrder
	ChangepointPriorScale float64
	SeasonalityPriorScale float64
	ForecastHorizonDays   int
	RetentionDays         int

	Holidays    []MonthDay
	LunarMonths []time.Month

	MemorySnapshot string
	FrameCacheSize int
	FrameCacheTTL  time.Duration

	ModelDir     string
	OTelEndpoint string
	JWTSecret    string
	TokenRate    int
	Workers      int
}

// DefaultHolidays is the fixed public-holiday calendar.
var DefaultHolidays = []MonthDay{
	{time.January, 1},
	{time.March, 20},
	{time.April, 9},
	{time.May, 1},
	{time.July, 25},
	{time.August, 13},
	{time.October, 15},
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                  "8002",
		RedisURL:              "redis://localhost:6379/0",
		StoreBackend:          "memory",
		QueueBackend:          "memory",
		MinHistoryDays:        365,
		ConfidenceLevel:       0.95,
		SARIMAOrder:           Order{1, 1, 1},
		SARIMASeasonalOrder:   SeasonalOrder{1, 1, 1, 12},
		ChangepointPriorScale: 0.05,
		SeasonalityPriorScale: 10.0,
		ForecastHorizonDays:   30,
		RetentionDays:         180,
		Holidays:              append([]MonthDay(nil), DefaultHolidays...),
		LunarMonths:           []time.Month{time.April, time.May},
		FrameCacheSize:        256,
		FrameCacheTTL:         10 * time.Minute,
		ModelDir:              "data/models",
		TokenRate:             10,
		Workers:               4,
	}
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: ignoring .env: %v", err)
	}

	cfg := Default()
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.QueueBackend = getEnv("QUEUE_BACKEND", cfg.QueueBackend)
	cfg.MinHistoryDays = getEnvInt("MIN_HISTORY_DAYS", cfg.MinHistoryDays)
	cfg.ConfidenceLevel = getEnvFloat("CONFIDENCE_LEVEL", cfg.ConfidenceLevel)
	cfg.ChangepointPriorScale = getEnvFloat("CHANGEPOINT_PRIOR_SCALE", cfg.ChangepointPriorScale)
	cfg.SeasonalityPriorScale = getEnvFloat("SEASONALITY_PRIOR_SCALE", cfg.SeasonalityPriorScale)
	cfg.ForecastHorizonDays = getEnvInt("FORECAST_HORIZON_DAYS", cfg.ForecastHorizonDays)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.MemorySnapshot = getEnv("ORION_MEMORY_SNAPSHOT", cfg.MemorySnapshot)
	cfg.FrameCacheSize = getEnvInt("FRAME_CACHE_SIZE", cfg.FrameCacheSize)
	cfg.ModelDir = getEnv("MODEL_DIR", cfg.ModelDir)
	cfg.OTelEndpoint = getEnv("OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenRate = getEnvInt("TOKEN_RATE", cfg.TokenRate)
	cfg.Workers = getEnvInt("WORKERS", cfg.Workers)

	if v := os.Getenv("FRAME_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("FRAME_CACHE_TTL: %w", err)
		}
		cfg.FrameCacheTTL = d
	}
	if v := os.Getenv("SARIMA_ORDER"); v != "" {
		n, err := parseInts(v, 3)
		if err != nil {
			return nil, fmt.Errorf("SARIMA_ORDER: %w", err)
		}
		cfg.SARIMAOrder = Order{n[0], n[1], n[2]}
	}
	if v := os.Getenv("SARIMA_SEASONAL_ORDER"); v != "" {
		n, err := parseInts(v, 4)
		if err != nil {
			return nil, fmt.Errorf("SARIMA_SEASONAL_ORDER: %w", err)
		}
		cfg.SARIMASeasonalOrder = SeasonalOrder{n[0], n[1], n[2], n[3]}
	}
	if v := os.Getenv("ORION_HOLIDAYS"); v != "" {
		days, err := ParseHolidays(v)
		if err != nil {
			return nil, fmt.Errorf("ORION_HOLIDAYS: %w", err)
		}
		cfg.Holidays = days
	}
	if v := os.Getenv("ORION_LUNAR_MONTHS"); v != "" {
		months, err := ParseMonths(v)
		if err != nil {
			return nil, fmt.Errorf("ORION_LUNAR_MONTHS: %w", err)
		}
		cfg.LunarMonths = months
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.MinHistoryDays < 1 {
		return fmt.Errorf("MIN_HISTORY_DAYS must be positive, got %d", c.MinHistoryDays)
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		return fmt.Errorf("CONFIDENCE_LEVEL must be in (0, 1), got %v", c.ConfidenceLevel)
	}
	if c.ForecastHorizonDays < 1 {
		return fmt.Errorf("FORECAST_HORIZON_DAYS must be positive, got %d", c.ForecastHorizonDays)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	if c.FrameCacheSize < 1 {
		return fmt.Errorf("FRAME_CACHE_SIZE must be positive, got %d", c.FrameCacheSize)
	}
	if c.SARIMASeasonalOrder.S < 1 {
		return fmt.Errorf("seasonal period must be positive, got %d", c.SARIMASeasonalOrder.S)
	}
	switch c.StoreBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown STORE_BACKEND: %s", c.StoreBackend)
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND: %s", c.QueueBackend)
	}
	return nil
}

// ParseHolidays parses "MM-DD,MM-DD,...".
func ParseHolidays(s string) ([]MonthDay, error) {
	var out []MonthDay
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := time.Parse("01-02", part)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", part, err)
		}
		out = append(out, MonthDay{t.Month(), t.Day()})
	}
	return out, nil
}

// ParseMonths parses "4,5" into months.
func ParseMonths(s string) ([]time.Month, error) {
	n, err := parseInts(s, -1)
	if err != nil {
		return nil, err
	}
	out := make([]time.Month, 0, len(n))
	for _, m := range n {
		if m < 1 || m > 12 {
			return nil, fmt.Errorf("month out of range: %d", m)
		}
		out = append(out, time.Month(m))
	}
	return out, nil
}

func parseInts(s string, want int) ([]int, error) {
	parts := strings.Split(s, ",")
	if want > 0 && len(parts) != want {
		return nil, fmt.Errorf("expected %d comma-separated integers, got %q", want, s)
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
		log.Printf("config: invalid %s=%q, using %d", key, val, defaultVal)
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		log.Printf("config: invalid %s=%q, using %v", key, val, defaultVal)
	}
	return defaultVal
}
