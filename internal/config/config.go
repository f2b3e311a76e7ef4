package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "PORTAL"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultUpstreamTimeout = 10 * time.Second
	defaultAudience        = "postgrest"
	defaultUserRole        = "authenticated_user"
	defaultAdminRole       = "portal_db_admin"
	defaultUserTokenTTL    = time.Hour
	defaultAdminTokenTTL   = 5 * time.Minute
	defaultProvider        = "clerk"
	defaultClerkAPIURL     = "https://api.clerk.com/v1"
	defaultClerkCookie     = "__session"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
)

// IdentityStrategy selects which identity mapper backs the exchange.
type IdentityStrategy string

const (
	// IdentityStrategyRPC delegates the upsert to the data API ensure_portal_user procedure.
	IdentityStrategyRPC IdentityStrategy = "rpc"
	// IdentityStrategyStore performs the upsert in a local database transaction.
	IdentityStrategyStore IdentityStrategy = "store"
)

// AppConfig captures runtime configuration for the bridge service.
type AppConfig struct {
	HTTPAddress     string
	UpstreamTimeout time.Duration
	AllowedOrigins  []string

	SigningSecret string
	Audience      string
	UserRole      string
	AdminRole     string
	UserTokenTTL  time.Duration
	AdminTokenTTL time.Duration

	DataAPIBaseURL string

	IdentityStrategy  IdentityStrategy
	IdentityProvider  string
	IdentityAuthType  string
	IdentityFederated bool

	DatabaseURL string

	ClerkJWKSURL           string
	ClerkIssuer            string
	ClerkAuthorizedParties []string
	ClerkSecretKey         string
	ClerkAPIURL            string
	ClerkSessionCookie     string

	RequireEmail bool

	LogLevel  string
	LogFormat string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
// Keys also accept the environment names used by the original deployment
// (DB_JWT_SECRET, DB_JWT_AUD, PORTAL_API_ENDPOINT, DATABASE_URL, CLERK_SECRET_KEY).
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	bindEnv(configViper, "token.signing_secret", "PORTAL_TOKEN_SIGNING_SECRET", "DB_JWT_SECRET")
	bindEnv(configViper, "token.audience", "PORTAL_TOKEN_AUDIENCE", "DB_JWT_AUD")
	bindEnv(configViper, "dataapi.base_url", "PORTAL_DATAAPI_BASE_URL", "PORTAL_API_ENDPOINT")
	bindEnv(configViper, "database.url", "PORTAL_DATABASE_URL", "DATABASE_URL")
	bindEnv(configViper, "clerk.secret_key", "PORTAL_CLERK_SECRET_KEY", "CLERK_SECRET_KEY")

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.upstream_timeout", defaultUpstreamTimeout)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("token.audience", defaultAudience)
	configViper.SetDefault("token.user_role", defaultUserRole)
	configViper.SetDefault("token.admin_role", defaultAdminRole)
	configViper.SetDefault("token.user_ttl", defaultUserTokenTTL)
	configViper.SetDefault("token.admin_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("identity.strategy", string(IdentityStrategyRPC))
	configViper.SetDefault("identity.provider", defaultProvider)
	configViper.SetDefault("identity.federated", false)
	configViper.SetDefault("clerk.api_url", defaultClerkAPIURL)
	configViper.SetDefault("clerk.session_cookie", defaultClerkCookie)
	configViper.SetDefault("exchange.require_email", false)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

func bindEnv(configViper *viper.Viper, key string, names ...string) {
	input := append([]string{key}, names...)
	if err := configViper.BindEnv(input...); err != nil {
		panic(err)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		UpstreamTimeout: configViper.GetDuration("http.upstream_timeout"),
		AllowedOrigins:  normalizeList(configViper.GetStringSlice("http.allowed_origins")),

		SigningSecret: configViper.GetString("token.signing_secret"),
		Audience:      strings.TrimSpace(configViper.GetString("token.audience")),
		UserRole:      strings.TrimSpace(configViper.GetString("token.user_role")),
		AdminRole:     strings.TrimSpace(configViper.GetString("token.admin_role")),
		UserTokenTTL:  configViper.GetDuration("token.user_ttl"),
		AdminTokenTTL: configViper.GetDuration("token.admin_ttl"),

		DataAPIBaseURL: strings.TrimRight(strings.TrimSpace(configViper.GetString("dataapi.base_url")), "/"),

		IdentityStrategy:  IdentityStrategy(strings.ToLower(strings.TrimSpace(configViper.GetString("identity.strategy")))),
		IdentityProvider:  strings.TrimSpace(configViper.GetString("identity.provider")),
		IdentityAuthType:  strings.TrimSpace(configViper.GetString("identity.auth_type")),
		IdentityFederated: configViper.GetBool("identity.federated"),

		DatabaseURL: strings.TrimSpace(configViper.GetString("database.url")),

		ClerkJWKSURL:           strings.TrimSpace(configViper.GetString("clerk.jwks_url")),
		ClerkIssuer:            strings.TrimSpace(configViper.GetString("clerk.issuer")),
		ClerkAuthorizedParties: normalizeList(configViper.GetStringSlice("clerk.authorized_parties")),
		ClerkSecretKey:         strings.TrimSpace(configViper.GetString("clerk.secret_key")),
		ClerkAPIURL:            strings.TrimRight(strings.TrimSpace(configViper.GetString("clerk.api_url")), "/"),
		ClerkSessionCookie:     strings.TrimSpace(configViper.GetString("clerk.session_cookie")),

		RequireEmail: configViper.GetBool("exchange.require_email"),

		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Redacted returns a copy safe for logging.
func (c AppConfig) Redacted() AppConfig {
	redacted := c
	if redacted.SigningSecret != "" {
		redacted.SigningSecret = "[redacted]"
	}
	if redacted.ClerkSecretKey != "" {
		redacted.ClerkSecretKey = "[redacted]"
	}
	if redacted.DatabaseURL != "" {
		redacted.DatabaseURL = redactURL(redacted.DatabaseURL)
	}
	return redacted
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if c.Audience == "" {
		return fmt.Errorf("token.audience is required")
	}
	if c.UserRole == "" || c.AdminRole == "" {
		return fmt.Errorf("token.user_role and token.admin_role are required")
	}
	if c.UserTokenTTL <= 0 || c.AdminTokenTTL <= 0 {
		return fmt.Errorf("token.user_ttl and token.admin_ttl must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("http.upstream_timeout must be positive")
	}
	if c.DataAPIBaseURL == "" {
		return fmt.Errorf("dataapi.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.DataAPIBaseURL); err != nil {
		return fmt.Errorf("dataapi.base_url is invalid: %w", err)
	}
	switch c.IdentityStrategy {
	case IdentityStrategyRPC:
	case IdentityStrategyStore:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database.url is required for the store identity strategy")
		}
	default:
		return fmt.Errorf("identity.strategy must be %q or %q, got %q", IdentityStrategyRPC, IdentityStrategyStore, c.IdentityStrategy)
	}
	if c.IdentityProvider == "" {
		return fmt.Errorf("identity.provider is required")
	}
	if c.IdentityAuthType == "" {
		return fmt.Errorf("identity.auth_type is required")
	}
	if c.ClerkJWKSURL == "" {
		return fmt.Errorf("clerk.jwks_url is required")
	}
	if c.ClerkIssuer == "" {
		return fmt.Errorf("clerk.issuer is required")
	}
	if c.ClerkSessionCookie == "" {
		return fmt.Errorf("clerk.session_cookie is required")
	}
	return nil
}

func normalizeList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), "redacted")
	}
	return parsed.String()
}
