package main

import (
	"flag"
	"strings"

	"github.com/you/cliprater/internal/config"
)

// flagValues holds the command-line settings that override the config file.
// Only flags present in set are applied, so defaults never mask file values.
type flagValues struct {
	backend         string
	mongoURI        string
	mongoDatabase   string
	sqlitePath      string
	httpAddr        string
	httpCorsOrigins string
	httpRateRPS     int
	httpRateBurst   int
	httpMetrics     bool
	httpAccessLog   bool
	adminToken      string
	logLevel        string

	set map[string]bool
}

func (f *flagValues) register(fs *flag.FlagSet) {
	fs.StringVar(&f.backend, "backend", "", "Store backend: mongo or sqlite")
	fs.StringVar(&f.mongoURI, "mongo-uri", "", "MongoDB connection string")
	fs.StringVar(&f.mongoDatabase, "mongo-database", "", "MongoDB database name")
	fs.StringVar(&f.sqlitePath, "sqlite", "", "Path to SQLite database file (sqlite backend)")
	fs.StringVar(&f.httpAddr, "http-addr", "", "HTTP API address (e.g., :8765); empty keeps the configured value")
	fs.StringVar(&f.httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	fs.IntVar(&f.httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	fs.IntVar(&f.httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	fs.BoolVar(&f.httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	fs.BoolVar(&f.httpAccessLog, "http-access-log", true, "Log HTTP access records")
	fs.StringVar(&f.adminToken, "admin-token", "", "Bearer token required by /admin routes")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

// apply writes every explicitly set flag onto cfg. It runs on the startup
// config and again on each reload.
func (f flagValues) apply(cfg *config.Config) {
	if f.set["backend"] {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(f.backend))
	}
	if f.set["mongo-uri"] {
		cfg.Store.Mongo.URI = strings.TrimSpace(f.mongoURI)
		cfg.LegacyURIEnv = ""
	}
	if f.set["mongo-database"] {
		cfg.Store.Mongo.Database = strings.TrimSpace(f.mongoDatabase)
	}
	if f.set["sqlite"] {
		cfg.Store.SQLite.Path = strings.TrimSpace(f.sqlitePath)
	}
	if f.set["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(f.httpAddr)
	}
	if f.set["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = config.SplitList(f.httpCorsOrigins)
	}
	if f.set["http-rate-rps"] {
		cfg.HTTP.RateRPS = f.httpRateRPS
	}
	if f.set["http-rate-burst"] {
		cfg.HTTP.RateBurst = f.httpRateBurst
	}
	if f.set["http-metrics"] {
		cfg.HTTP.Metrics = f.httpMetrics
	}
	if f.set["http-access-log"] {
		cfg.HTTP.AccessLog = f.httpAccessLog
	}
	if f.set["admin-token"] {
		cfg.HTTP.AdminToken = strings.TrimSpace(f.adminToken)
	}
	if f.set["log-level"] {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(f.logLevel))
	}
}

func restartRequired(running, next config.Config) bool {
	return next.Store != running.Store || next.HTTP.Addr != running.HTTP.Addr
}
