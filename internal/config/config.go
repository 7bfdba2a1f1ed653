// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	DBDriver   string `mapstructure:"DB_DRIVER"`
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`
	DBPath     string `mapstructure:"DB_PATH"`

	RedisURL string `mapstructure:"REDIS_URL"`

	// Evolution API gateway
	EvolutionURL         string  `mapstructure:"EVOLUTION_URL"`
	EvolutionAPIKey      string  `mapstructure:"EVOLUTION_API_KEY"`
	InstanceName         string  `mapstructure:"INSTANCE_NAME"`
	DefaultDomainSuffix  string  `mapstructure:"DEFAULT_DOMAIN_SUFFIX"`
	GatewayTimeoutSecs   int     `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	GatewayRatePerSecond float64 `mapstructure:"GATEWAY_RATE_PER_SECOND"`
	GatewayBurst         int     `mapstructure:"GATEWAY_BURST"`
	WebhookToken         string  `mapstructure:"WEBHOOK_TOKEN"`

	PendingGraceSecs      int    `mapstructure:"PENDING_GRACE_SECONDS"`
	PendingStaleAfterSecs int    `mapstructure:"PENDING_STALE_AFTER_SECONDS"`
	PendingSweepCron      string `mapstructure:"PENDING_SWEEP_CRON"`
	UnreadCacheTTLSecs    int    `mapstructure:"UNREAD_CACHE_TTL_SECONDS"`

	MediaDir     string `mapstructure:"MEDIA_DIR"`
	MediaBaseURL string `mapstructure:"MEDIA_BASE_URL"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	TracingEnabled  bool   `mapstructure:"TRACING_ENABLED"`
	TracingExporter string `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint    string `mapstructure:"OTLP_ENDPOINT"`
}

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base config file is optional
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "3000")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")

	viper.SetDefault("DB_DRIVER", "postgres")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "lopeswhatsapp")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_PATH", "lopeswhatsapp.db")

	viper.SetDefault("REDIS_URL", "localhost:6379")

	viper.SetDefault("EVOLUTION_URL", "http://localhost:8080")
	viper.SetDefault("EVOLUTION_API_KEY", "")
	viper.SetDefault("INSTANCE_NAME", "LopesInstance")
	viper.SetDefault("DEFAULT_DOMAIN_SUFFIX", "@s.whatsapp.net")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 15)
	viper.SetDefault("GATEWAY_RATE_PER_SECOND", 5.0)
	viper.SetDefault("GATEWAY_BURST", 5)
	viper.SetDefault("WEBHOOK_TOKEN", "")

	viper.SetDefault("PENDING_GRACE_SECONDS", 120)
	viper.SetDefault("PENDING_STALE_AFTER_SECONDS", 300)
	viper.SetDefault("PENDING_SWEEP_CRON", "*/1 * * * *")
	viper.SetDefault("UNREAD_CACHE_TTL_SECONDS", 10)

	viper.SetDefault("MEDIA_DIR", "./media")
	viper.SetDefault("MEDIA_BASE_URL", "/media")

	viper.SetDefault("AMQP_URL", "")
	viper.SetDefault("AMQP_EXCHANGE", "wa.events")

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
}

func (c *Config) normalize() {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))
	c.EvolutionURL = strings.TrimRight(strings.TrimSpace(c.EvolutionURL), "/")
	if c.DefaultDomainSuffix != "" && !strings.HasPrefix(c.DefaultDomainSuffix, "@") {
		c.DefaultDomainSuffix = "@" + c.DefaultDomainSuffix
	}
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.InstanceName == "" {
		return errors.New("INSTANCE_NAME is required")
	}
	if c.GatewayTimeoutSecs <= 0 {
		return errors.New("GATEWAY_TIMEOUT_SECONDS must be positive")
	}
	if c.GatewayRatePerSecond <= 0 {
		return errors.New("GATEWAY_RATE_PER_SECOND must be positive")
	}
	if c.PendingGraceSecs < 0 || c.PendingStaleAfterSecs <= 0 {
		return errors.New("PENDING_GRACE_SECONDS must be >= 0 and PENDING_STALE_AFTER_SECONDS positive")
	}
	if !gronx.IsValid(c.PendingSweepCron) {
		return fmt.Errorf("invalid PENDING_SWEEP_CRON expression: %s", c.PendingSweepCron)
	}

	if c.IsProduction() {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBDriver == "postgres" && (c.DBPassword == "password" || c.DBPassword == "") {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBDriver == "postgres" && (c.DBSSLMode == "disable" || c.DBSSLMode == "") {
			return errors.New("DB_SSLMODE must not be disabled in production")
		}
		if c.EvolutionAPIKey == "" {
			return errors.New("EVOLUTION_API_KEY is required in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}

// IsProduction reports whether the app runs with a production profile.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// GatewayTimeout is the upper bound for a single gateway call.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSecs) * time.Second
}

// PendingGrace is how long an unresolved placeholder stays matchable by order.
func (c *Config) PendingGrace() time.Duration {
	return time.Duration(c.PendingGraceSecs) * time.Second
}

// PendingStaleAfter is the age after which an unresolved placeholder is reported.
func (c *Config) PendingStaleAfter() time.Duration {
	return time.Duration(c.PendingStaleAfterSecs) * time.Second
}

// UnreadCacheTTL bounds how long a cached unread summary is served.
func (c *Config) UnreadCacheTTL() time.Duration {
	return time.Duration(c.UnreadCacheTTLSecs) * time.Second
}
