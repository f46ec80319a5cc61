package session

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const (
	CallbackPath    = "/auth/callback"
	DefaultScopes   = "openid,email,profile,aws.cognito.signin.user.admin"
	DefaultRegion   = "ap-northeast-1"
	DefaultProvider = "Google"
)

// Config is the process configuration, read from SESSION_* variables.
type Config struct {
	BrokerDomain     string        `env:"SESSION_BROKER_DOMAIN,required,notEmpty"`
	ClientID         string        `env:"SESSION_CLIENT_ID,required,notEmpty"`
	UserPoolID       string        `env:"SESSION_USER_POOL_ID,required,notEmpty"`
	APIBaseURL       string        `env:"SESSION_API_BASE_URL,required,notEmpty"`
	AppBaseURL       string        `env:"SESSION_APP_BASE_URL,required,notEmpty"`
	Region           string        `env:"SESSION_REGION"            envDefault:"ap-northeast-1"`
	ClientSecret     string        `env:"SESSION_CLIENT_SECRET"`
	Scopes           []string      `env:"SESSION_SCOPES"            envDefault:"openid,email,profile,aws.cognito.signin.user.admin" envSeparator:","`
	IdentityProvider string        `env:"SESSION_IDENTITY_PROVIDER" envDefault:"Google"`
	Issuer           string        `env:"SESSION_ISSUER"`
	JWKSURLOverride  string        `env:"SESSION_JWKS_URL"`
	StateKey         string        `env:"SESSION_STATE_KEY"`
	WatchdogTimeout  time.Duration `env:"SESSION_WATCHDOG_TIMEOUT"  envDefault:"30s"`
	CallbackTimeout  time.Duration `env:"SESSION_CALLBACK_TIMEOUT"  envDefault:"10s"`
	ListenAddr       string        `env:"SESSION_LISTEN_ADDR"       envDefault:"127.0.0.1:3000"`
	LogLevel         string        `env:"SESSION_LOG_LEVEL"         envDefault:"info"`
	OTelEndpoint     string        `env:"SESSION_OTEL_ENDPOINT"`
}

// LoadConfig reads and validates the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, wrapError(ErrInvalidConfig, err, nil)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and URL shapes.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.BrokerDomain, validation.Required, is.URL),
		validation.Field(&c.ClientID, validation.Required),
		validation.Field(&c.UserPoolID, validation.Required),
		validation.Field(&c.APIBaseURL, validation.Required, is.URL),
		validation.Field(&c.AppBaseURL, validation.Required, is.URL),
		validation.Field(&c.Issuer, is.URL),
		validation.Field(&c.JWKSURLOverride, is.URL),
		validation.Field(&c.StateKey, validation.By(validateStateKey)),
		validation.Field(&c.WatchdogTimeout, validation.Required),
		validation.Field(&c.CallbackTimeout, validation.Required),
		validation.Field(&c.ListenAddr, validation.Required),
	)
	if err != nil {
		return wrapError(ErrInvalidConfig, err, nil)
	}
	return nil
}

// BrokerURL returns the broker base URL, with a scheme.
func (c Config) BrokerURL() string {
	domain := strings.TrimRight(c.BrokerDomain, "/")
	if domain != "" && !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return domain
}

// CallbackURL is the redirect target registered with the broker.
func (c Config) CallbackURL() string {
	return strings.TrimRight(c.AppBaseURL, "/") + CallbackPath
}

// SignOutURL is where the broker sends the browser after logout.
func (c Config) SignOutURL() string {
	return strings.TrimRight(c.AppBaseURL, "/") + DefaultLoginPath
}

// IssuerURL returns the expected ID token issuer.
func (c Config) IssuerURL() string {
	if c.Issuer != "" {
		return strings.TrimRight(c.Issuer, "/")
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}

// JWKSURL returns where the ID token signing keys are published.
func (c Config) JWKSURL() string {
	if c.JWKSURLOverride != "" {
		return c.JWKSURLOverride
	}
	return c.IssuerURL() + "/.well-known/jwks.json"
}

// StateKeyBytes decodes the state key. Empty means none configured.
func (c Config) StateKeyBytes() ([]byte, error) {
	if c.StateKey == "" {
		return nil, nil
	}
	return hex.DecodeString(c.StateKey)
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.BrokerDomain) != "" && !strings.Contains(c.BrokerDomain, "://") {
		c.BrokerDomain = "https://" + strings.TrimSpace(c.BrokerDomain)
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.IdentityProvider == "" {
		c.IdentityProvider = DefaultProvider
	}
	scopes := c.Scopes[:0]
	for _, scope := range c.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	c.Scopes = scopes
	if len(c.Scopes) == 0 {
		c.Scopes = strings.Split(DefaultScopes, ",")
	}
}

func validateStateKey(value any) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("must be hex encoded")
	}
	if len(key) != 64 {
		return fmt.Errorf("must decode to 64 bytes")
	}
	return nil
}
