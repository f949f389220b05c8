package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		App       App       `envPrefix:"APP_"`
		Render    Render    `envPrefix:"RENDER_"`
		EdgeCache EdgeCache `envPrefix:"EDGE_CACHE_"`
		Warmer    Warmer    `envPrefix:"WARMER_"`
		Runs      Runs      `envPrefix:"RUNS_"`
		Redis     Redis     `envPrefix:"REDIS_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		Vips      Vips      `envPrefix:"VIPS_"`

		AllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:""`
	}

	HTTP struct {
		Server Server `envPrefix:"SERVER_"`
	}

	Server struct {
		Port         int           `env:"PORT" envDefault:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"0s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level    string `env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		Encoding string `env:"ENCODING" envDefault:"json" validate:"oneof=json console"`
	}

	// App holds the public identity of this service, used when building
	// tile URL templates and when saving published files.
	App struct {
		Hostname string `env:"HOSTNAME" envDefault:"localhost:8080"`
		DestPath string `env:"DEST_PATH" envDefault:"/data"`
		Region   string `env:"REGION"`
		Provider string `env:"PROVIDER"`
	}

	Render struct {
		BaseURL       string        `env:"BASE_URL" envDefault:"http://localhost:8000" validate:"required,url"`
		AccessToken   string        `env:"ACCESS_TOKEN"`
		TileMatrixSet string        `env:"TILE_MATRIX_SET" envDefault:"WebMercatorQuad" validate:"required"`
		Timeout       time.Duration `env:"TIMEOUT" envDefault:"60s"`
		RateLimit     float64       `env:"RATE_LIMIT" envDefault:"0" validate:"gte=0"`
		Burst         int           `env:"BURST" envDefault:"1" validate:"gte=1"`
	}

	EdgeCache struct {
		Hostname string        `env:"HOSTNAME" validate:"required"`
		Scheme   string        `env:"SCHEME" envDefault:"https" validate:"oneof=http https"`
		Secret   string        `env:"SECRET"`
		Timeout  time.Duration `env:"TIMEOUT" envDefault:"30s"`
	}

	Warmer struct {
		Concurrency        int  `env:"CONCURRENCY" envDefault:"4" validate:"gte=1,lte=64"`
		SkipAfterFirstMiss bool `env:"SKIP_AFTER_FIRST_MISS" envDefault:"true"`
	}

	Runs struct {
		Store      string `env:"STORE" envDefault:"memory" validate:"oneof=memory redis disabled"`
		MemorySize int    `env:"MEMORY_SIZE" envDefault:"500" validate:"gte=1"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"tilewarm"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	}
)

func Load() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EdgeCacheBaseURL is the root URL of the remote edge cache service.
func (c *Config) EdgeCacheBaseURL() string {
	return c.EdgeCache.Scheme + "://" + strings.TrimSuffix(c.EdgeCache.Hostname, "/")
}

func (c *Config) PublicBaseURL() string {
	return "https://" + strings.TrimSuffix(c.App.Hostname, "/")
}
