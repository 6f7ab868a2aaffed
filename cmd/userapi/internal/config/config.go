package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN)
	DatabaseURL string

	// Server bind address (host:port)
	ServerAddr string

	// Public base URL, used to build provider callback URLs
	ServerURL string

	// Enable debug logging
	Debug bool

	// CORS origins allowed to call the API with credentials
	CORSAllowedOrigins []string

	Keys          KeysConfig
	Cognito       CognitoConfig
	Webhooks      WebhookConfig
	Session       SessionConfig
	Queue         QueueConfig
	AWS           AWSConfig
	Login         LoginConfig
	Providers     map[string]ProviderConfig
	Lifecycle     LifecycleConfig
	UserCache     UserCacheConfig
	Observability ObservabilityConfig
}

// KeysConfig holds the PEM paths of every trust root the service needs.
// All of them are required; the server refuses to start without them.
type KeysConfig struct {
	CognitoPublicKeyPath  string
	WebhookPublicKeyPath  string
	WebhookPrivateKeyPath string
	SessionPublicKeyPath  string
	SessionPrivateKeyPath string
}

// CognitoConfig configures the PostConfirmation lambda trust relationship
// and the optional write-back of the user id into the pool.
type CognitoConfig struct {
	UserPoolID      string
	SignatureHeader string
	Endpoint        string // COGNITO_IDP_ENDPOINT, for local emulators
	SyncAttributes  bool
	// IDAttribute is the custom attribute that receives the canonical user id
	IDAttribute string
}

// WebhookConfig holds outbound lifecycle webhook subscriptions.
type WebhookConfig struct {
	SignatureHeader string
	// Events maps an event name (user.created, ...) to subscriber URLs
	Events  map[string][]string
	Timeout time.Duration
}

// SessionConfig controls session token lifetime and cookie naming.
type SessionConfig struct {
	Duration        time.Duration
	CookieName      string
	IdPCookieName   string
	CookieDomain    string
	CookieSecure    bool
	DefaultProvider string
	IdPCookieMaxAge time.Duration
}

// QueueConfig selects the per-user job queue backend.
type QueueConfig struct {
	Backend     string // sqs, redis or none
	Prefix      string
	SQSEndpoint string
	RedisURL    string
}

// AWSConfig holds the shared AWS settings.
type AWSConfig struct {
	Region string
}

// LoginConfig controls the browser login flow.
type LoginConfig struct {
	// Origins (scheme://host[:port]) that post-login redirects may target.
	// Relative paths are always allowed.
	AllowedRedirectOrigins []string
	StateCookieName        string
	ExchangeTimeout        time.Duration
}

// ProviderConfig configures one OAuth2 provider for the login flow.
// A provider is enabled when its client id is set.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
	// Optional JWKS endpoint; when set, ID tokens are verified instead of only decoded
	JWKSURL string
	Issuer  string
}

// LifecycleConfig bounds retries of post-commit side effects.
type LifecycleConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	QueueSize      int
}

// UserCacheConfig configures the read-through cache in front of GetByID.
type UserCacheConfig struct {
	Size int
	TTL  time.Duration
}

// ObservabilityConfig holds OpenTelemetry settings.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPProtocol   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled bool
}

// ProviderNames lists the login providers the service knows how to talk to.
var ProviderNames = []string{"cognito", "google", "discord"}

var providerDefaults = map[string]ProviderConfig{
	"google": {
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scopes:   []string{"openid", "email", "profile"},
		Issuer:   "https://accounts.google.com",
	},
	"discord": {
		AuthURL:     "https://discord.com/api/oauth2/authorize",
		TokenURL:    "https://discord.com/api/oauth2/token",
		UserInfoURL: "https://discord.com/api/users/@me",
		Scopes:      []string{"identify", "email"},
	},
	"cognito": {
		Scopes: []string{"email", "openid", "profile"},
	},
}

// Load reads configuration from the global viper instance (config file, if one
// was read in, overridden by environment variables) with fallback defaults.
// Keys map to environment variables by upper-casing and replacing "." with "_",
// so cognito.user_pool_id is read from COGNITO_USER_POOL_ID.
func Load() (*Config, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	port := getInt("port", 3000)
	serverURL := getString("server_url", fmt.Sprintf("http://localhost:%d", port))

	cfg := &Config{
		DatabaseURL:        getString("database_url", "file:users.db?cache=shared"),
		ServerAddr:         getString("server_addr", fmt.Sprintf(":%d", port)),
		ServerURL:          strings.TrimSuffix(serverURL, "/"),
		Debug:              getBool("debug", false),
		CORSAllowedOrigins: getStringSlice("cors.allowed_origins", nil),
		Keys: KeysConfig{
			CognitoPublicKeyPath:  getString("cognito.public_key_path", ""),
			WebhookPublicKeyPath:  getString("webhook.public_key_path", ""),
			WebhookPrivateKeyPath: getString("webhook.private_key_path", ""),
			SessionPublicKeyPath:  getString("session.public_key_path", ""),
			SessionPrivateKeyPath: getString("session.private_key_path", ""),
		},
		Cognito: CognitoConfig{
			UserPoolID:      getString("cognito.user_pool_id", ""),
			SignatureHeader: getString("cognito.sig_header", "x-cognito-signature"),
			Endpoint:        getString("cognito.idp_endpoint", ""),
			SyncAttributes:  getBool("cognito.sync_attributes", false),
			IDAttribute:     getString("cognito.id_attribute", "custom:dreamup_id"),
		},
		Webhooks: WebhookConfig{
			SignatureHeader: getString("webhook.sig_header", "x-dreamup-signature"),
			Events: map[string][]string{
				"user.created": getStringSlice("webhook.user_create", nil),
				"user.updated": getStringSlice("webhook.user_update", nil),
				"user.deleted": getStringSlice("webhook.user_delete", nil),
			},
			Timeout: getDuration("webhook.timeout", 10*time.Second),
		},
		Session: SessionConfig{
			CookieName:      getString("session.cookie_name", "dreamup_session"),
			IdPCookieName:   getString("session.idp_cookie_name", "dreamup_idp"),
			CookieDomain:    getString("session.cookie_domain", ""),
			CookieSecure:    getBool("session.cookie_secure", true),
			DefaultProvider: getString("session.default_provider", "cognito"),
			IdPCookieMaxAge: getDuration("session.idp_cookie_max_age", 30*24*time.Hour),
		},
		Queue: QueueConfig{
			Backend:     getString("queue.backend", "sqs"),
			Prefix:      getString("sd_q_prefix", "sd-jobs_"),
			SQSEndpoint: getString("sqs.endpoint", ""),
			RedisURL:    getString("redis.url", ""),
		},
		AWS: AWSConfig{
			Region: getString("aws.region", getString("aws.default_region", "us-east-1")),
		},
		Login: LoginConfig{
			AllowedRedirectOrigins: getStringSlice("login.allowed_redirect_origins", nil),
			StateCookieName:        getString("login.state_cookie_name", "dreamup_oauth_state"),
			ExchangeTimeout:        getDuration("login.exchange_timeout", 10*time.Second),
		},
		Providers: loadProviders(serverURL),
		Lifecycle: LifecycleConfig{
			MaxAttempts:    getInt("lifecycle.max_attempts", 3),
			AttemptTimeout: getDuration("lifecycle.attempt_timeout", 5*time.Second),
			QueueSize:      getInt("lifecycle.queue_size", 256),
		},
		UserCache: UserCacheConfig{
			Size: getInt("user_cache.size", 1024),
			TTL:  getDuration("user_cache.ttl", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   getString("otel.exporter.otlp.endpoint", ""),
			OTLPProtocol:   getString("otel.exporter.otlp.protocol", "http/protobuf"),
			OTLPInsecure:   getBool("otel.exporter.otlp.insecure", false),
			ServiceName:    getString("otel.service.name", "user-service"),
			ServiceVersion: getString("otel.service.version", "dev"),
			Environment:    getString("deployment.environment", "development"),
			MetricsEnabled: getBool("metrics.enabled", true),
		},
	}

	duration, err := ParseSessionDuration(getString("session.duration", "24h"))
	if err != nil {
		return nil, fmt.Errorf("SESSION_DURATION: %w", err)
	}
	cfg.Session.Duration = duration

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.Queue.Backend {
	case "sqs", "none":
	case "redis":
		if cfg.Queue.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when QUEUE_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND %q", cfg.Queue.Backend)
	}

	return cfg, nil
}

// Validate checks the settings the HTTP server cannot run without. The CLI
// helpers (db, keys, sign) skip this so they work on a bare environment.
func (c *Config) Validate() error {
	required := []struct {
		env   string
		value string
	}{
		{"COGNITO_USER_POOL_ID", c.Cognito.UserPoolID},
		{"COGNITO_PUBLIC_KEY_PATH", c.Keys.CognitoPublicKeyPath},
		{"WEBHOOK_PUBLIC_KEY_PATH", c.Keys.WebhookPublicKeyPath},
		{"WEBHOOK_PRIVATE_KEY_PATH", c.Keys.WebhookPrivateKeyPath},
		{"SESSION_PUBLIC_KEY_PATH", c.Keys.SessionPublicKeyPath},
		{"SESSION_PRIVATE_KEY_PATH", c.Keys.SessionPrivateKeyPath},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.env)
		}
	}
	return nil
}

// EnabledProviders returns the login providers that have a client id configured.
func (c *Config) EnabledProviders() []string {
	var names []string
	for _, name := range ProviderNames {
		if p, ok := c.Providers[name]; ok && p.ClientID != "" {
			names = append(names, name)
		}
	}
	return names
}

// ParseSessionDuration accepts a Go duration ("24h", "90m"), a bare number of
// seconds ("86400") or a number of days ("7d").
func ParseSessionDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var d time.Duration
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		d = time.Duration(secs) * time.Second
	} else if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		d = time.Duration(n * float64(24*time.Hour))
	} else {
		d, err = time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
		}
	}

	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", raw)
	}
	return d, nil
}

func loadProviders(serverURL string) map[string]ProviderConfig {
	providers := make(map[string]ProviderConfig, len(ProviderNames))
	for _, name := range ProviderNames {
		def := providerDefaults[name]
		prefix := "oauth." + name + "."

		p := ProviderConfig{
			ClientID:     getString(prefix+"client_id", ""),
			ClientSecret: getString(prefix+"client_secret", ""),
			AuthURL:      getString(prefix+"auth_url", def.AuthURL),
			TokenURL:     getString(prefix+"token_url", def.TokenURL),
			UserInfoURL:  getString(prefix+"userinfo_url", def.UserInfoURL),
			RedirectURL:  getString(prefix+"redirect_url", strings.TrimSuffix(serverURL, "/")+"/login/"+name+"/callback"),
			Scopes:       getStringSlice(prefix+"scopes", def.Scopes),
			JWKSURL:      getString(prefix+"jwks_url", def.JWKSURL),
			Issuer:       getString(prefix+"issuer", def.Issuer),
		}

		// Cognito hosted UI endpoints derive from the pool domain
		if domain := getString(prefix+"domain", ""); domain != "" {
			domain = strings.TrimSuffix(domain, "/")
			if p.AuthURL == "" {
				p.AuthURL = domain + "/oauth2/authorize"
			}
			if p.TokenURL == "" {
				p.TokenURL = domain + "/oauth2/token"
			}
		}

		providers[name] = p
	}
	return providers
}

// getString retrieves a string setting or returns a default value
func getString(key, defaultValue string) string {
	if value := viper.GetString(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt retrieves an integer setting or returns a default value
func getInt(key string, defaultValue int) int {
	if value := viper.GetString(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getBool retrieves a boolean setting or returns a default value
func getBool(key string, defaultValue bool) bool {
	if value := viper.GetString(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getDuration retrieves a duration setting or returns a default value
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := viper.GetString(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getStringSlice accepts either a YAML list or a comma separated string.
func getStringSlice(key string, defaultValue []string) []string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	var out []string
	for _, item := range viper.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
