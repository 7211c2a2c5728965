package app

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Storage backends, поддерживаемые приложением.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	// HTTPAddr — адрес публичного HTTP API.
	HTTPAddr string
	// MetricsAddr — адрес служебного сервера (metrics + health).
	MetricsAddr string
	// StorageBackend — memory или postgres.
	StorageBackend string
	// PostgresDSN обязателен при StorageBackend == postgres.
	PostgresDSN string
	// KafkaBrokers — список брокеров через запятую; пустой отключает Kafka.
	KafkaBrokers string
	// RedisAddr — адрес Redis для кеша профилей; пустой отключает кеш.
	RedisAddr string
	// StripeAPIKey — секретный ключ Stripe API.
	StripeAPIKey string
	// DefaultTaxCountry используется как налоговый адрес, когда IP
	// не удалось сопоставить со страной. Пустой — без fallback.
	DefaultTaxCountry string
	// StaleCartAge — возраст, после которого processing-корзина считается
	// зависшей и финализируется janitor-воркером.
	StaleCartAge time.Duration
	// ShutdownTimeout — таймаут graceful shutdown для HTTP-серверов.
	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию для локальной разработки:
// in-memory storage без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		MetricsAddr:     ":9090",
		StorageBackend:  StorageMemory,
		StaleCartAge:    15 * time.Minute,
		ShutdownTimeout: 5 * time.Second,
	}
}

// LoadConfig читает конфигурацию из окружения поверх DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if addr := os.Getenv("SUBPLAT_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if addr := os.Getenv("SUBPLAT_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if backend := os.Getenv("SUBPLAT_STORAGE"); backend != "" {
		cfg.StorageBackend = strings.ToLower(backend)
	}
	cfg.PostgresDSN = os.Getenv("SUBPLAT_POSTGRES_DSN")
	cfg.KafkaBrokers = os.Getenv("KAFKA_BROKERS")
	cfg.RedisAddr = os.Getenv("SUBPLAT_REDIS_ADDR")
	cfg.StripeAPIKey = os.Getenv("SUBPLAT_STRIPE_API_KEY")
	cfg.DefaultTaxCountry = os.Getenv("SUBPLAT_DEFAULT_TAX_COUNTRY")

	if raw := os.Getenv("SUBPLAT_STALE_CART_AGE"); raw != "" {
		age, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SUBPLAT_STALE_CART_AGE: %w", err)
		}
		cfg.StaleCartAge = age
	}
	if raw := os.Getenv("SUBPLAT_SHUTDOWN_TIMEOUT"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SUBPLAT_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = timeout
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность конфигурации.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case StorageMemory:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres storage requires SUBPLAT_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	if c.HTTPAddr == "" {
		return fmt.Errorf("http addr must not be empty")
	}
	if c.MetricsAddr == "" {
		return fmt.Errorf("metrics addr must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	return nil
}
