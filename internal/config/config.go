package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        int           `envconfig:"PORT" default:"3000"`
	JWTSecret   string        `envconfig:"JWT_SECRET"`
	GinMode     string        `envconfig:"GIN_MODE" default:"release"`
	TLSCertFile string        `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile  string        `envconfig:"TLS_KEY_FILE"`
	TokenExpiry time.Duration `envconfig:"TOKEN_EXPIRY" default:"168h"`

	ProgressThrottle time.Duration `envconfig:"PROGRESS_THROTTLE" default:"500ms"`
	MailboxTTL       time.Duration `envconfig:"MAILBOX_TTL" default:"24h"`

	RedisURL          string `envconfig:"REDIS_URL"`
	DatabaseURL       string `envconfig:"DATABASE_URL"`
	NATSURL           string `envconfig:"NATS_URL"`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"render"`

	InternalAPIKey   string   `envconfig:"INTERNAL_API_KEY"`
	CORSAllowOrigins []string `envconfig:"CORS_ALLOW_ORIGINS" default:"*"`

	Log LogConfig
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

// LoadConfig reads the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to process env config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid PORT")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.TokenExpiry <= 0 {
		return errors.New("invalid TOKEN_EXPIRY")
	}
	if c.ProgressThrottle <= 0 {
		return errors.New("invalid PROGRESS_THROTTLE")
	}
	if c.MailboxTTL < time.Second {
		return errors.New("invalid MAILBOX_TTL")
	}
	if strings.TrimSpace(c.NATSSubjectPrefix) == "" {
		return errors.New("invalid NATS_SUBJECT_PREFIX")
	}
	return nil
}

// AllowsAnyOrigin reports whether the CORS list is the wildcard.
func (c Config) AllowsAnyOrigin() bool {
	for _, o := range c.CORSAllowOrigins {
		if o == "*" {
			return true
		}
	}
	return len(c.CORSAllowOrigins) == 0
}

func NewTestConfig() Config {
	return Config{
		Port:              3000,
		JWTSecret:         "secret",
		GinMode:           "test",
		TokenExpiry:       time.Hour,
		ProgressThrottle:  500 * time.Millisecond,
		MailboxTTL:        24 * time.Hour,
		NATSSubjectPrefix: "render",
		CORSAllowOrigins:  []string{"*"},
		Log:               LogConfig{Level: "error", Format: "json"},
	}
}
