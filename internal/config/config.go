package config

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	EnvPrefix     = "CLIPRATER_"
	PathEnvVar    = "CLIPRATER_CONFIG"
	LegacyURIEnv  = "MONGODB_URI"
	DefaultPath   = "cliprater.yaml"
	BackendMongo  = "mongo"
	BackendSQLite = "sqlite"
)

type Config struct {
	Store   StoreConfig   `koanf:"store"`
	HTTP    HTTPConfig    `koanf:"http"`
	Logging LoggingConfig `koanf:"logging"`

	// Path is the config file that was loaded, if any.
	Path string `koanf:"-"`
	// LegacyURIEnv names the fallback variable the Mongo URI came from.
	LegacyURIEnv string `koanf:"-"`
}

type StoreConfig struct {
	Backend string       `koanf:"backend" validate:"oneof=mongo sqlite"`
	Mongo   MongoConfig  `koanf:"mongo"`
	SQLite  SQLiteConfig `koanf:"sqlite"`
}

type MongoConfig struct {
	URI        string        `koanf:"uri"`
	Database   string        `koanf:"database" validate:"required"`
	Collection string        `koanf:"collection" validate:"required"`
	Timeout    time.Duration `koanf:"timeout" validate:"gte=0"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type HTTPConfig struct {
	Addr        string   `koanf:"addr"`
	CORSOrigins []string `koanf:"cors_origins"`
	RateRPS     int      `koanf:"rate_rps" validate:"gte=0"`
	RateBurst   int      `koanf:"rate_burst" validate:"gte=0"`
	Metrics     bool     `koanf:"metrics"`
	AccessLog   bool     `koanf:"access_log"`
	AdminToken  string   `koanf:"admin_token"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

func defaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendMongo,
			Mongo: MongoConfig{
				Database:   "cliprater",
				Collection: "clips",
				Timeout:    10 * time.Second,
			},
			SQLite: SQLiteConfig{Path: "clips.db"},
		},
		HTTP: HTTPConfig{
			Addr:      ":8765",
			RateRPS:   20,
			RateBurst: 40,
			Metrics:   true,
			AccessLog: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envKeys maps CLIPRATER_-stripped, lowercased variable names to config paths.
var envKeys = map[string]string{
	"store_backend":     "store.backend",
	"mongo_uri":         "store.mongo.uri",
	"mongo_database":    "store.mongo.database",
	"mongo_collection":  "store.mongo.collection",
	"mongo_timeout":     "store.mongo.timeout",
	"sqlite_path":       "store.sqlite.path",
	"http_addr":         "http.addr",
	"http_cors_origins": "http.cors_origins",
	"http_rate_rps":     "http.rate_rps",
	"http_rate_burst":   "http.rate_burst",
	"http_metrics":      "http.metrics",
	"http_access_log":   "http.access_log",
	"http_admin_token":  "http.admin_token",
	"log_level":         "logging.level",
	"log_format":        "logging.format",
}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envKeys[key]
}

var sliceKeys = []string{"http.cors_origins"}

// FindFile returns the config file to load: $CLIPRATER_CONFIG when set,
// otherwise cliprater.yaml if it exists in the working directory.
func FindFile() string {
	if p := strings.TrimSpace(os.Getenv(PathEnvVar)); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// LoadFile layers defaults, the YAML file at path (skipped when empty) and
// the environment, in that order, and validates the result.
func LoadFile(path string) (Config, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadFile is LoadFile without validation, for callers that apply their own
// overrides first.
func ReadFile(path string) (Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return Config{}, errors.Wrap(err, "config: load defaults")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.Wrapf(err, "config: load %s", path)
		}
	}

	legacy := ""
	if v := strings.TrimSpace(os.Getenv(LegacyURIEnv)); v != "" {
		if err := k.Set("store.mongo.uri", v); err != nil {
			return Config{}, errors.Wrap(err, "config: legacy mongo uri")
		}
		legacy = LegacyURIEnv
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return Config{}, errors.Wrap(err, "config: load environment")
	}
	if _, ok := os.LookupEnv(EnvPrefix + "MONGO_URI"); ok {
		legacy = ""
	}

	for _, key := range sliceKeys {
		if raw, ok := k.Get(key).(string); ok {
			if err := k.Set(key, SplitList(raw)); err != nil {
				return Config{}, errors.Wrapf(err, "config: split %s", key)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: unmarshal")
	}
	cfg.Path = path
	cfg.LegacyURIEnv = legacy
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Store.Mongo.URI = strings.TrimSpace(c.Store.Mongo.URI)
	c.Store.SQLite.Path = strings.TrimSpace(c.Store.SQLite.Path)
	c.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the backend-specific requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+" failed "+fe.Tag())
			}
			return errors.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return errors.Wrap(err, "config: validate")
	}
	switch c.Store.Backend {
	case BackendMongo:
		if c.Store.Mongo.URI == "" {
			return errors.Errorf("config: mongo backend requires %sMONGO_URI or %s", EnvPrefix, LegacyURIEnv)
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New("config: sqlite backend requires a path")
		}
	}
	return nil
}

func SplitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

type Summary struct {
	Backend    string `json:"backend"`
	Mongo      string `json:"mongo,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
	SQLitePath string `json:"sqlite_path,omitempty"`
	HTTPAddr   string `json:"http_addr,omitempty"`
	Admin      bool   `json:"admin"`
	LogLevel   string `json:"log_level"`
	ConfigFile string `json:"config_file,omitempty"`
}

func (c Config) Summary() Summary {
	s := Summary{
		Backend:    c.Store.Backend,
		HTTPAddr:   c.HTTP.Addr,
		Admin:      c.HTTP.AdminToken != "",
		LogLevel:   c.Logging.Level,
		ConfigFile: c.Path,
	}
	switch c.Store.Backend {
	case BackendMongo:
		s.Mongo = RedactURI(c.Store.Mongo.URI)
		s.Database = c.Store.Mongo.Database
		s.Collection = c.Store.Mongo.Collection
	case BackendSQLite:
		s.SQLitePath = c.Store.SQLite.Path
	}
	return s
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

// Redacted is the full config with credentials masked, for /info.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"store": map[string]any{
			"backend": c.Store.Backend,
			"mongo": map[string]any{
				"uri":        RedactURI(c.Store.Mongo.URI),
				"database":   c.Store.Mongo.Database,
				"collection": c.Store.Mongo.Collection,
				"timeout":    c.Store.Mongo.Timeout.String(),
				"legacy_env": c.LegacyURIEnv,
			},
			"sqlite": map[string]any{
				"path": c.Store.SQLite.Path,
			},
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
			"admin_token":  redactString(c.HTTP.AdminToken),
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
		"config_file": c.Path,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

// RedactURI masks the password in a connection string. Unparseable values
// are redacted entirely.
func RedactURI(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactString(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
	}
	return u.String()
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// SlogLevel maps the configured level name onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
