package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string // external base, e.g. https://tool.example.edu
	LogLevel  string

	DBDriver string // sqlite|postgres
	DBDSN    string

	// Optional Redis for transient launch-session / exchange-code state.
	// Empty address means the SQL store is used instead.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTLs for the handshake state machine.
	LaunchSessionTTL time.Duration // state+nonce validity window
	ExchangeCodeTTL  time.Duration // session exchange code validity
	JWKSCacheTTL     time.Duration // remote platform JWKS cache

	// Admin API bearer secret, bcrypt-hashed.
	AdminSecretHash string

	// Session bridge (standalone mode): HMAC secret for locally minted
	// application sessions. Host apps replace the bridge entirely.
	SessionHMACSecret string
	SessionTTL        time.Duration

	// Frontend URL the browser lands on after a launch, with ?code= appended.
	AppRedirectURL string

	CORSOrigins []string
}

// FromEnv builds the config from environment variables with usable defaults
// for local development. Production deployments must set ADMIN_SECRET_HASH
// and SESSION_HMAC_SECRET explicitly.
func FromEnv() Config {
	pub := strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/")
	if pub == "" {
		pub = "http://localhost:8080"
	}
	return Config{
		HTTPAddr:  envOr("HTTP_ADDR", ":8080"),
		PublicURL: pub,
		LogLevel:  envOr("LOG_LEVEL", "info"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    os.Getenv("DB_DSN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		LaunchSessionTTL: envDur("LAUNCH_SESSION_TTL", 10*time.Minute),
		ExchangeCodeTTL:  envDur("EXCHANGE_CODE_TTL", 60*time.Second),
		JWKSCacheTTL:     envDur("JWKS_CACHE_TTL", time.Hour),

		AdminSecretHash: envOr("ADMIN_SECRET_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),

		SessionHMACSecret: envOr("SESSION_HMAC_SECRET", "supersecret-dev-key"),
		SessionTTL:        envDur("SESSION_TTL", 8*time.Hour),

		AppRedirectURL: envOr("APP_REDIRECT_URL", "http://localhost:3000/lti/landing"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

// LaunchRedirectURI is the redirect_uri advertised to platforms.
func (c Config) LaunchRedirectURI() string {
	return c.PublicURL + "/lti/launch"
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n := 0
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return def
		}
		n = n*10 + int(ch-'0')
	}
	return n
}

func envDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
