package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreFile     = "file"
)

type Config struct {
	Server   ServerConfig
	Scraper  ScraperConfig
	Browser  BrowserConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Store    StoreConfig
	Images   ImagesConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type ScraperConfig struct {
	URLFile            string
	OverridesFile      string
	SourceSite         string
	URLShouldContain   string
	ReplaceQueryParams string
	PageQueryOption    string
	IncrementPageBy    int
	LocationURL        string
	StoreSelector      string
	PriceSelector      string
	PageDelay          time.Duration
	PageDelayJitter    time.Duration
	MaxRetries         int
	Reverse            bool
	DryRun             bool
	AlwaysUploadImages bool
}

type BrowserConfig struct {
	Headless  bool
	Timeout   time.Duration
	Locale    string
	Timezone  string
	Latitude  float64
	Longitude float64
	Proxy     string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Stream       string
	StreamMaxLen int64
	PollInterval time.Duration
}

type StoreConfig struct {
	Type string
	File string
}

type ImagesConfig struct {
	FunctionURL       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; real environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Scraper: ScraperConfig{
			URLFile:            getEnvOrDefault("SCRAPER_URL_FILE", "urls.txt"),
			OverridesFile:      getEnvOrDefault("SCRAPER_OVERRIDES_FILE", ""),
			SourceSite:         getEnvOrDefault("SCRAPER_SOURCE_SITE", "paknsave.co.nz"),
			URLShouldContain:   getEnvOrDefault("SCRAPER_URL_SHOULD_CONTAIN", "paknsave.co.nz"),
			ReplaceQueryParams: getEnvOrDefault("SCRAPER_REPLACE_QUERY_PARAMS", ""),
			PageQueryOption:    getEnvOrDefault("SCRAPER_PAGE_QUERY_OPTION", "pg="),
			IncrementPageBy:    getIntOrDefault("SCRAPER_INCREMENT_PAGE_BY", 1),
			LocationURL:        getEnvOrDefault("SCRAPER_LOCATION_URL", "https://www.paknsave.co.nz/shop/deals"),
			StoreSelector:      getEnvOrDefault("SCRAPER_STORE_SELECTOR", "span.fs-selected-store__name"),
			PriceSelector:      getEnvOrDefault("SCRAPER_PRICE_SELECTOR", "span.fs-price-lockup__cents"),
			PageDelay:          getDurationOrDefault("SCRAPER_PAGE_DELAY", 15*time.Second),
			PageDelayJitter:    getDurationOrDefault("SCRAPER_PAGE_DELAY_JITTER", 5*time.Second),
			MaxRetries:         getIntOrDefault("SCRAPER_MAX_RETRIES", 2),
			Reverse:            getBoolOrDefault("SCRAPER_REVERSE", false),
			DryRun:             getBoolOrDefault("SCRAPER_DRY_RUN", false),
			AlwaysUploadImages: getBoolOrDefault("SCRAPER_ALWAYS_UPLOAD_IMAGES", false),
		},
		Browser: BrowserConfig{
			Headless:  getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:   getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			Locale:    getEnvOrDefault("BROWSER_LOCALE", "en-NZ"),
			Timezone:  getEnvOrDefault("BROWSER_TIMEZONE", "Pacific/Auckland"),
			Latitude:  getFloatOrDefault("BROWSER_GEO_LATITUDE", -41.21),
			Longitude: getFloatOrDefault("BROWSER_GEO_LONGITUDE", 174.91),
			Proxy:     getEnvOrDefault("BROWSER_PROXY", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "grocery_prices"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:         getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:           getIntOrDefault("REDIS_DB", 0),
			Stream:       getEnvOrDefault("REDIS_STREAM", "stream:product_prices"),
			StreamMaxLen: int64(getIntOrDefault("REDIS_STREAM_MAX_LEN", 100000)),
			PollInterval: getDurationOrDefault("REDIS_RELAY_INTERVAL", 5*time.Second),
		},
		Store: StoreConfig{
			Type: getEnvOrDefault("STORE_TYPE", StorePostgres),
			File: getEnvOrDefault("STORE_FILE", "products.json"),
		},
		Images: ImagesConfig{
			FunctionURL:       getEnvOrDefault("IMAGE_UPLOAD_FUNC_URL", ""),
			RequestsPerSecond: getFloatOrDefault("IMAGE_UPLOAD_RPS", 2),
			Timeout:           getDurationOrDefault("IMAGE_UPLOAD_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Store.Type != StorePostgres && c.Store.Type != StoreFile {
		return fmt.Errorf("STORE_TYPE must be %q or %q, got %q", StorePostgres, StoreFile, c.Store.Type)
	}

	if c.Store.Type == StoreFile && c.Store.File == "" {
		return fmt.Errorf("STORE_FILE is required when STORE_TYPE is %q", StoreFile)
	}

	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES cannot be negative")
	}

	if c.Scraper.IncrementPageBy < 1 {
		return fmt.Errorf("SCRAPER_INCREMENT_PAGE_BY must be at least 1")
	}

	if c.Scraper.PageDelay < 0 || c.Scraper.PageDelayJitter < 0 {
		return fmt.Errorf("SCRAPER_PAGE_DELAY and SCRAPER_PAGE_DELAY_JITTER cannot be negative")
	}

	if c.Images.FunctionURL != "" && !strings.HasPrefix(c.Images.FunctionURL, "http") {
		return fmt.Errorf("IMAGE_UPLOAD_FUNC_URL must be an http(s) URL")
	}

	if c.Images.RequestsPerSecond <= 0 {
		return fmt.Errorf("IMAGE_UPLOAD_RPS must be positive")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
