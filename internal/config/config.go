package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	StoreDriver string
	DatabaseURL string

	ProxyRequired      bool
	ProxyAllowDirect   bool
	ProxyMaxRetries    int
	ProxyCacheTTL      time.Duration
	ProxySourceTimeout time.Duration
	ProxySources       []SourceDef
	ProxyRegion        string
	ProxyGeoURL        string
	ProxyTargetURL     string
	ProxySample        int

	BrowserHeadless bool
	StepTimeout     time.Duration
	RunTimeout      time.Duration
	ItemInterval    time.Duration

	SourceCatalog  string
	TargetCatalogs []string

	TaskMaxRetries    int
	WorkerConcurrency int
}

// SourceDef names one proxy list endpoint and how to parse it.
type SourceDef struct {
	Kind string // text, json or html
	URL  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSources reads "kind=url" pairs separated by ';'. A bare URL is treated as a text source.
func ParseSources(raw string) ([]SourceDef, error) {
	var out []SourceDef
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, url, found := strings.Cut(part, "=")
		if !found || strings.Contains(kind, "://") {
			out = append(out, SourceDef{Kind: "text", URL: part})
			continue
		}
		kind = strings.ToLower(strings.TrimSpace(kind))
		switch kind {
		case "text", "json", "html":
		default:
			return nil, fmt.Errorf("unknown proxy source kind %q", kind)
		}
		out = append(out, SourceDef{Kind: kind, URL: strings.TrimSpace(url)})
	}
	return out, nil
}

func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       getenv("DATA_DIR", "./data"),

		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getenv("SUPABASE_STORAGE_BUCKET", "artifacts"),

		StoreDriver: getenv("STORE_DRIVER", "sqlite"),
		DatabaseURL: getenv("DATABASE_URL", "./data/portalbridge.db"),

		ProxyRequired:      getenvBool("PROXY_REQUIRED", true),
		ProxyAllowDirect:   getenvBool("PROXY_ALLOW_DIRECT", false),
		ProxyMaxRetries:    getenvInt("PROXY_MAX_RETRIES", 3),
		ProxyCacheTTL:      getenvDuration("PROXY_CACHE_TTL", 5*time.Minute),
		ProxySourceTimeout: getenvDuration("PROXY_SOURCE_TIMEOUT", 8*time.Second),
		ProxyRegion:        strings.ToUpper(getenv("PROXY_REGION", "ES")),
		ProxyGeoURL:        getenv("PROXY_GEO_URL", "http://ip-api.com/json"),
		ProxyTargetURL:     os.Getenv("PROXY_TARGET_URL"),
		ProxySample:        getenvInt("PROXY_SAMPLE", 5),

		BrowserHeadless: getenvBool("BROWSER_HEADLESS", true),
		StepTimeout:     getenvDuration("STEP_TIMEOUT", 30*time.Second),
		RunTimeout:      getenvDuration("RUN_TIMEOUT", 2*time.Hour),
		ItemInterval:    getenvDuration("ITEM_INTERVAL", 0),

		SourceCatalog:  getenv("SOURCE_CATALOG", "./catalogs/source.yaml"),
		TargetCatalogs: getenvList("TARGET_CATALOGS"),

		TaskMaxRetries:    getenvInt("TASK_MAX_RETRIES", 0),
		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 2),
	}
	sources, err := ParseSources(os.Getenv("PROXY_SOURCES"))
	if err != nil {
		panic(err)
	}
	cfg.ProxySources = sources
	return cfg
}

// Validate checks the settings needed to drive portals.
func (c Config) Validate() error {
	if c.ProxyRequired && len(c.ProxySources) == 0 && !c.ProxyAllowDirect {
		return fmt.Errorf("PROXY_SOURCES is required when PROXY_REQUIRED is set")
	}
	if c.SourceCatalog == "" {
		return fmt.Errorf("SOURCE_CATALOG is required")
	}
	return nil
}
