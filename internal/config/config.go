package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const (
	RevocationRedis    = "redis"
	RevocationPostgres = "postgres"
)

type Config struct {
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8432"`
	HTTPBasePath string `env:"HTTP_BASE_PATH" envDefault:"/pitchfork-api-auth"`

	SnowflakeNode       int64  `env:"SNOWFLAKE_NODE" envDefault:"1"`
	PasswordHasher      string `env:"PASSWORD_HASHER" envDefault:"bcrypt"`
	BcryptCost          int    `env:"BCRYPT_COST" envDefault:"12"`
	RevocationBackend   string `env:"REVOCATION_BACKEND" envDefault:"redis"`
	RequireVerification bool   `env:"REQUIRE_VERIFICATION" envDefault:"true"`
	RotateRefresh       bool   `env:"ROTATE_REFRESH" envDefault:"true"`

	// DeliveryTimeout bounds one background email send, retries included.
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"2m"`

	Log      utilities.Config     `envPrefix:"LOG_"`
	Database database.Config      `envPrefix:"DATABASE_"`
	Redis    database.RedisConfig `envPrefix:"REDIS_"`
	JWT      auth.TokenConfig     `envPrefix:"JWT_"`
	Lockout  auth.LockoutPolicy   `envPrefix:"LOCKOUT_"`
	SMTP     notify.Config        `envPrefix:"SMTP_"`
	RabbitMQ events.Config        `envPrefix:"RABBITMQ_"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Policy derives the auth service policy from the configuration.
func (c *Config) Policy() auth.Policy {
	return auth.Policy{
		Lockout:             c.Lockout,
		RequireVerification: c.RequireVerification,
		RotateRefreshTokens: c.RotateRefresh,
		DeliveryTimeout:     c.DeliveryTimeout,
	}
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.JWT.Secret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", auth.MinSecretLength))
	}
	if c.Lockout.MaxAttempts < 1 {
		errs = append(errs, errors.New("LOCKOUT_MAX_ATTEMPTS must be positive"))
	}
	if c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("LOCKOUT_DURATION must be positive"))
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		errs = append(errs, errors.New("SNOWFLAKE_NODE must be between 0 and 1023"))
	}
	switch c.RevocationBackend {
	case RevocationRedis, RevocationPostgres:
	default:
		errs = append(errs, fmt.Errorf("REVOCATION_BACKEND must be %q or %q", RevocationRedis, RevocationPostgres))
	}
	if !auth.KnownHasher(c.PasswordHasher) {
		errs = append(errs, fmt.Errorf("PASSWORD_HASHER must be %q, %q or %q", auth.HasherBcrypt, auth.HasherArgon2, auth.HasherArgon2id))
	}
	if c.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("DELIVERY_TIMEOUT must be positive"))
	}
	if c.HTTPBasePath != "" && !strings.HasPrefix(c.HTTPBasePath, "/") {
		errs = append(errs, errors.New("HTTP_BASE_PATH must start with /"))
	}
	return errors.Join(errs...)
}
