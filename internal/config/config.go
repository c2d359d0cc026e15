package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	// ModeSingle maps domains to individual sites only.
	ModeSingle Mode = "single"
	// ModeMultiNetwork additionally resolves network-level mappings by
	// progressively stripping host segments.
	ModeMultiNetwork Mode = "multinetwork"
)

type Config struct {
	Mode     Mode
	HTTPAddr string

	DBDriver string
	DBDSN    string

	// CacheDriver selects "memory" or "redis".
	CacheDriver   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Secret used for nonce derivation, token keys and session signing.
	Secret string

	// SSOEnabled toggles the cross-domain handshake surface entirely.
	SSOEnabled bool
	// SSOTokenTTL bounds how long a minted login token stays redeemable.
	SSOTokenTTL time.Duration
	// SSONonceLifespan is the total validity window of a shared nonce;
	// nonces are checked against two half-lifespan ticks.
	SSONonceLifespan time.Duration

	// ResolverSegments is how many dot-delimited host suffixes to try in
	// multinetwork mode ("a.b.c" with 2 tries "a.b.c" then "b.c").
	ResolverSegments int
	// ResolverExpandWWW adds the www/no-www twin of every candidate.
	ResolverExpandWWW bool

	AdminUser     string
	AdminPassHash string // bcrypt
	CORSOrigins   []string

	// VerifyTargets are the CNAME/A targets a customer domain must point at.
	VerifyTargets []string
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeSingle
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		Mode:     mode,
		HTTPAddr: addr,
		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		CacheDriver:   envOr("CACHE_DRIVER", "memory"),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		Secret: envOr("DOMAINMAP_SECRET", "insecure-dev-secret"),

		SSOEnabled:       envBool("SSO_ENABLED", true),
		SSOTokenTTL:      envDuration("SSO_TOKEN_TTL", 5*time.Minute),
		SSONonceLifespan: envDuration("SSO_NONCE_LIFESPAN", 24*time.Hour),

		ResolverSegments:  envInt("RESOLVER_SEGMENTS", 2),
		ResolverExpandWWW: envBool("RESOLVER_EXPAND_WWW", true),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),
		CORSOrigins:   csvOr("CORS_ORIGINS", "http://localhost:3000"),

		VerifyTargets: csvOr("VERIFY_TARGETS", ""),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}
func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
func envDuration(k string, def time.Duration) time.Duration {
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
