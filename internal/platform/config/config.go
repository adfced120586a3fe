// Package config loads gateway configuration from the environment. A .env
// file in the working directory is applied first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	pstrings "bffgate/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string `validate:"required"`
	GatewayURL    string `validate:"required,url"`
	FrontendURL   string `validate:"required,url"`
	SecureCookies bool
	LogLevel      string `validate:"oneof=debug info warn error"`
}

// OIDC describes the single client registration at the IdP. OIDC is
// enabled when IssuerURL is set.
type OIDC struct {
	IssuerURL         string `validate:"omitempty,url"`
	ClientID          string `validate:"required_with=IssuerURL"`
	ClientSecret      string `validate:"required_with=IssuerURL"`
	RegistrationID    string `validate:"required"`
	Scopes            []string
	EndSessionURL     string        `validate:"omitempty,url"`
	RevocationURL     string        `validate:"omitempty,url"`
	RevocationTimeout time.Duration `validate:"gt=0"`
	SkipDiscovery     bool
}

// Enabled reports whether an IdP is configured.
func (o OIDC) Enabled() bool {
	return o.IssuerURL != ""
}

// RedisConfig configures the shared session store. Empty URL keeps sessions
// in memory.
type RedisConfig struct {
	URL          string
	PoolSize     int `validate:"gte=0"`
	MinIdleConns int `validate:"gte=0"`
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Database configures the durable authorized-client store.
type Database struct {
	URL string
}

// Kafka configures the audit stream.
type Kafka struct {
	Brokers    []string
	AuditTopic string `validate:"required_with=Brokers"`
}

// Routing configures destinations and token relay trust.
type Routing struct {
	ServiceURLs       map[string]string `validate:"dive,url"`
	TrustedRelayHosts []string
	RoutesFile        string
}

// CORS configures cross-origin access for the frontend.
type CORS struct {
	AllowedOrigins []string `validate:"min=1"`
}

// Session configures browser sessions.
type Session struct {
	TTL time.Duration `validate:"gt=0"`
}

// Config is the full gateway configuration.
type Config struct {
	Server   Server
	OIDC     OIDC
	Redis    RedisConfig
	Database Database
	Kafka    Kafka
	Routing  Routing
	CORS     CORS
	Session  Session
}

// FromEnv builds and validates the configuration so main stays lean.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	frontend := strings.TrimSuffix(getString("FRONTEND_URL", "http://localhost:3000"), "/")
	gateway := strings.TrimSuffix(getString("GATEWAY_URL", "http://localhost:8888"), "/")
	issuer := strings.TrimSuffix(os.Getenv("OIDC_ISSUER_URL"), "/")

	services, err := ParseServiceURLs(getString("SERVICE_URLS",
		"product-service=http://localhost:8081,order-service=http://localhost:8082,frontend="+frontend))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: Server{
			Addr:          getString("ADDR", ":8888"),
			GatewayURL:    gateway,
			FrontendURL:   frontend,
			SecureCookies: getBool("SECURE_COOKIES", false),
			LogLevel:      strings.ToLower(getString("LOG_LEVEL", "info")),
		},
		OIDC: OIDC{
			IssuerURL:         issuer,
			ClientID:          getString("OIDC_CLIENT_ID", "api-gateway"),
			ClientSecret:      os.Getenv("OIDC_CLIENT_SECRET"),
			RegistrationID:    getString("OIDC_REGISTRATION_ID", "api-gateway-client"),
			Scopes:            getList("OIDC_SCOPES", nil),
			EndSessionURL:     getString("OIDC_END_SESSION_URL", withIssuer(issuer, "/connect/logout")),
			RevocationURL:     getString("OIDC_REVOCATION_URL", withIssuer(issuer, "/oauth2/revoke")),
			RevocationTimeout: getDuration("OIDC_REVOCATION_TIMEOUT", 5*time.Second),
			SkipDiscovery:     getBool("OIDC_SKIP_DISCOVERY", false),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Database: Database{
			URL: os.Getenv("DATABASE_URL"),
		},
		Kafka: Kafka{
			Brokers:    getList("KAFKA_BROKERS", nil),
			AuditTopic: getString("AUDIT_TOPIC", "bffgate.audit"),
		},
		Routing: Routing{
			ServiceURLs:       services,
			TrustedRelayHosts: pstrings.DedupeAndTrimLower(getList("TRUSTED_RELAY_HOSTS", nil)),
			RoutesFile:        os.Getenv("ROUTES_FILE"),
		},
		CORS: CORS{
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{frontend}),
		},
		Session: Session{
			TTL: getDuration("SESSION_TTL", 8*time.Hour),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ParseServiceURLs parses "name=url,name=url" into a registry map.
func ParseServiceURLs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("SERVICE_URLS: malformed entry %q", pair)
		}
		out[strings.ToLower(name)] = url
	}
	return out, nil
}

func withIssuer(issuer, suffix string) string {
	if issuer == "" {
		return ""
	}
	return issuer + suffix
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getList(key string, def []string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
