package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// App is the process configuration read from the environment.
type App struct {
	Port           string
	LogLevel       string
	AllowedOrigins []string

	SessionStore string
	PostgresURI  string
	MongoURI     string
	MongoDB      string
	RedisAddr    string

	DedupCache      string
	CreationLock    string
	DedupCacheTTL   time.Duration
	CreationLockTTL time.Duration

	ProviderBaseURL          string
	ProviderAPIKey           string
	ProviderDefaultReplicaID string
	ProviderTimeout          time.Duration
	SessionCreateTimeout     time.Duration
	SweepTimeout             time.Duration

	MediaBucket string
	MediaURLTTL time.Duration

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// NeedsRedis reports whether any configured backend talks to Redis.
func (a App) NeedsRedis() bool {
	return a.DedupCache == BackendRedis || a.CreationLock == BackendRedis
}

// LoadApp reads the environment through getenv (os.Getenv when nil).
func LoadApp(getenv func(string) string) (App, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	a := App{
		Port:           get("PORT", "8080"),
		LogLevel:       get("LOG_LEVEL", "info"),
		AllowedOrigins: splitList(get("CORS_ALLOWED_ORIGINS", "")),

		SessionStore: strings.ToLower(get("SESSION_STORE", StorePostgres)),
		PostgresURI:  get("POSTGRES_URI", ""),
		MongoURI:     get("MONGO_URI", ""),
		MongoDB:      get("MONGO_DB", "demoforge"),
		RedisAddr:    get("REDIS_ADDR", get("REDIS_URI", get("REDIS_URL", ""))),

		DedupCache:   strings.ToLower(get("DEDUP_CACHE", BackendMemory)),
		CreationLock: strings.ToLower(get("CREATION_LOCK", BackendMemory)),

		ProviderBaseURL:          get("PROVIDER_BASE_URL", "https://tavusapi.com"),
		ProviderAPIKey:           get("PROVIDER_API_KEY", ""),
		ProviderDefaultReplicaID: get("PROVIDER_DEFAULT_REPLICA_ID", ""),

		MediaBucket: get("MEDIA_BUCKET", ""),

		JWTSecret:   get("SUPABASE_JWT_SECRET", ""),
		JWTIssuer:   get("SUPABASE_JWT_ISSUER", ""),
		JWTAudience: get("SUPABASE_JWT_AUDIENCE", ""),
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"DEDUP_CACHE_TTL", "10s", &a.DedupCacheTTL},
		{"CREATION_LOCK_TTL", "2m", &a.CreationLockTTL},
		{"PROVIDER_TIMEOUT", "20s", &a.ProviderTimeout},
		{"SESSION_CREATE_TIMEOUT", "30s", &a.SessionCreateTimeout},
		{"SWEEP_TIMEOUT", "15s", &a.SweepTimeout},
		{"MEDIA_URL_TTL", "1h", &a.MediaURLTTL},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(get(d.key, d.def))
		if err != nil {
			return App{}, fmt.Errorf("%s: %w", d.key, err)
		}
		if v <= 0 {
			return App{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = v
	}

	if err := a.validate(); err != nil {
		return App{}, err
	}
	return a, nil
}

func (a App) validate() error {
	switch a.SessionStore {
	case StorePostgres:
		if a.PostgresURI == "" {
			return fmt.Errorf("POSTGRES_URI is required when SESSION_STORE=%s", StorePostgres)
		}
	case StoreMongo:
		if a.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when SESSION_STORE=%s", StoreMongo)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("SESSION_STORE must be one of postgres, mongo, memory; got %q", a.SessionStore)
	}

	for key, v := range map[string]string{"DEDUP_CACHE": a.DedupCache, "CREATION_LOCK": a.CreationLock} {
		if v != BackendMemory && v != BackendRedis {
			return fmt.Errorf("%s must be memory or redis; got %q", key, v)
		}
	}
	if a.NeedsRedis() && a.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when a redis backend is selected")
	}
	// the lock must outlive the sweep plus the provider call it guards
	if a.CreationLockTTL <= a.SessionCreateTimeout+a.SweepTimeout {
		return fmt.Errorf("CREATION_LOCK_TTL (%s) must exceed SESSION_CREATE_TIMEOUT + SWEEP_TIMEOUT (%s)",
			a.CreationLockTTL, a.SessionCreateTimeout+a.SweepTimeout)
	}
	if a.ProviderDefaultReplicaID == "" {
		return fmt.Errorf("PROVIDER_DEFAULT_REPLICA_ID is required")
	}
	if a.JWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
