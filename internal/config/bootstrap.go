package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Change feeds.
const (
	FeedLocal = "local"
	FeedRedis = "redis"
)

// Bootstrap holds values the hosting environment may hand the process once at startup.
// Both are optional.
type Bootstrap struct {
	// IdentityToken is a pre-issued signed token. When empty, callers fall back to
	// anonymous identities. When set, its subject is the identity of every request
	// that carries no bearer token, so all such clients share one plan document:
	// it is meant for single-tenant hosts (one user per server process).
	IdentityToken string
	// Store is the resolved store configuration; never nil after LoadBootstrap.
	Store *StoreConfig
	// StoreProvided is false when the default store configuration was used.
	StoreProvided bool
}

// StoreConfig selects and configures the remote document store.
type StoreConfig struct {
	Backend       string `yaml:"backend" json:"backend"`
	Feed          string `yaml:"feed" json:"feed"`
	Path          string `yaml:"path" json:"path"`
	RedisURL      string `yaml:"redis_url" json:"redis_url"`
	MongoURI      string `yaml:"mongo_uri" json:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database" json:"mongo_database"`
	AppID         string `yaml:"app_id" json:"app_id"`
}

// DefaultStoreConfig returns the sqlite-backed configuration used when none is supplied.
func DefaultStoreConfig(dbPath string) *StoreConfig {
	return &StoreConfig{
		Backend: BackendSQLite,
		Feed:    FeedLocal,
		Path:    dbPath,
	}
}

// LoadBootstrap reads INITIAL_AUTH_TOKEN and STORE_CONFIG (or STORE_CONFIG_FILE) from the
// environment.
func LoadBootstrap(dbPath string) (Bootstrap, error) {
	b := Bootstrap{
		IdentityToken: strings.TrimSpace(getEnv("INITIAL_AUTH_TOKEN", "")),
	}

	var (
		sc  *StoreConfig
		err error
	)
	raw := strings.TrimSpace(getEnv("STORE_CONFIG", ""))
	file := strings.TrimSpace(getEnv("STORE_CONFIG_FILE", ""))
	switch {
	case raw != "":
		sc, err = ParseStoreConfig([]byte(raw), dbPath)
	case file != "":
		sc, err = LoadStoreConfigFile(file, dbPath)
	default:
		b.Store = DefaultStoreConfig(dbPath)
		return b, nil
	}
	if err != nil {
		return Bootstrap{}, err
	}
	b.Store = sc
	b.StoreProvided = true
	return b, nil
}

// LoadStoreConfigFile reads a store configuration block from disk.
func LoadStoreConfigFile(path, dbPath string) (*StoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read store config: %w", err)
	}
	return ParseStoreConfig(data, dbPath)
}

// ParseStoreConfig decodes a YAML or JSON store configuration block and fills defaults.
func ParseStoreConfig(data []byte, dbPath string) (*StoreConfig, error) {
	sc := DefaultStoreConfig(dbPath)
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("decode store config: %w", err)
	}
	sc.Backend = strings.ToLower(strings.TrimSpace(sc.Backend))
	sc.Feed = strings.ToLower(strings.TrimSpace(sc.Feed))
	if sc.Backend == "" {
		sc.Backend = BackendSQLite
	}
	if sc.Feed == "" {
		sc.Feed = FeedLocal
	}
	if sc.Backend == BackendSQLite && sc.Path == "" {
		sc.Path = dbPath
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Validate checks backend-specific requirements.
func (s *StoreConfig) Validate() error {
	if s == nil {
		return fmt.Errorf("store config is required")
	}
	switch s.Backend {
	case BackendSQLite:
		if s.Path == "" {
			return fmt.Errorf("store config: sqlite backend requires path")
		}
	case BackendRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("store config: redis backend requires redis_url")
		}
	case BackendMongo:
		if s.MongoURI == "" {
			return fmt.Errorf("store config: mongo backend requires mongo_uri")
		}
	default:
		return fmt.Errorf("store config: unknown backend %q", s.Backend)
	}
	switch s.Feed {
	case FeedLocal:
	case FeedRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("store config: redis feed requires redis_url")
		}
	default:
		return fmt.Errorf("store config: unknown feed %q", s.Feed)
	}
	return nil
}
