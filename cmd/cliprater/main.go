package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/cliprater/internal/clipstore"
	"github.com/you/cliprater/internal/config"
	httpadmin "github.com/you/cliprater/internal/http"
	"github.com/you/cliprater/internal/httpapi"
	"github.com/you/cliprater/internal/version"
)

const (
	connectTimeout  = 30 * time.Second
	prepareTimeout  = 5 * time.Minute
	shutdownTimeout = 5 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		configPath  string
		fv          flagValues
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (default $CLIPRATER_CONFIG or ./cliprater.yaml)")
	fv.register(flag.CommandLine)
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"cliprater version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	fv.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		fv.set[f.Name] = true
	})

	path := config.FindFile()
	if fv.set["config"] {
		path = strings.TrimSpace(configPath)
	}
	cfg, err := config.ReadFile(path)
	if err != nil {
		log.Fatalf("cliprater: %v", err)
	}
	fv.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("cliprater: %v", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Logging.SlogLevel())
	slog.SetDefault(slog.New(newLogHandler(cfg.Logging.Format, level)))

	log.Printf("%s", cfg.SummaryJSON())
	slog.Debug("effective config", "config", string(cfg.RedactedJSON()))
	if cfg.LegacyURIEnv != "" {
		slog.Warn("mongo uri read from legacy variable", "env", cfg.LegacyURIEnv, "preferred", config.EnvPrefix+"MONGO_URI")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("cliprater: received %s, shutting down", sig)
		cancel()
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("cliprater: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			log.Printf("cliprater: closing store: %v", err)
		}
	}()
	log.Printf("cliprater: connected to %s", store)

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		api = httpapi.New(store, httpapi.Options{
			Addr:            cfg.HTTP.Addr,
			CORSOrigins:     cfg.HTTP.CORSOrigins,
			RateLimitRPS:    cfg.HTTP.RateRPS,
			RateLimitBurst:  cfg.HTTP.RateBurst,
			EnableMetrics:   cfg.HTTP.Metrics,
			EnableAccessLog: cfg.HTTP.AccessLog,
			Build:           build,
			Backend:         cfg.Store.Backend,
			ConfigSnapshot:  cfg.Redacted(),
		})
		admin := httpadmin.New(clipstore.Observe(store, api), cfg.HTTP.AdminToken)
		admin.Register(api.Mux())
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("cliprater: http api: %v", err)
			}
		}()
	} else {
		log.Printf("cliprater: http api disabled")
	}

	prepCtx, prepCancel := context.WithTimeout(ctx, prepareTimeout)
	res, err := clipstore.Prepare(prepCtx, store)
	prepCancel()
	if err != nil {
		log.Fatalf("cliprater: prepare store: %v", err)
	}
	slog.Info("store ready", "backend", cfg.Store.Backend, "migrated_matched", res.Matched, "migrated_modified", res.Modified)
	if api != nil {
		api.SetReady(true)
	}

	if err := config.Watch(ctx, cfg.Path, fv.apply, func(next config.Config) {
		if next.Logging.Level != cfg.Logging.Level {
			level.Set(next.Logging.SlogLevel())
			slog.Info("log level changed", "level", next.Logging.Level)
			cfg.Logging.Level = next.Logging.Level
		}
		if restartRequired(cfg, next) {
			slog.Warn("store or listener settings changed; restart to apply", "config", next.Path)
		}
		slog.Debug("config reloaded", "config", string(next.RedactedJSON()))
	}); err != nil {
		slog.Error("watch config", "path", cfg.Path, "err", err)
	}

	<-ctx.Done()

	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("cliprater: http api shutdown: %v", err)
		}
		cancelShutdown()
	}
	log.Printf("cliprater: shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config) (clipstore.Backend, error) {
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Store.Backend {
	case config.BackendSQLite:
		store, err := clipstore.OpenSQLite(connCtx, cfg.Store.SQLite.Path)
		if err != nil {
			return nil, err
		}
		for _, p := range store.ApplyPragmas(connCtx) {
			if p.Err != nil {
				slog.Warn("sqlite pragma failed", "pragma", p.Pragma, "err", p.Err)
				continue
			}
			slog.Debug("sqlite pragma", "pragma", p.Pragma, "value", p.Value)
		}
		return store, nil
	default:
		return clipstore.Connect(connCtx, clipstore.MongoOptions{
			URI:        cfg.Store.Mongo.URI,
			Database:   cfg.Store.Mongo.Database,
			Collection: cfg.Store.Mongo.Collection,
			Timeout:    cfg.Store.Mongo.Timeout,
		})
	}
}

func newLogHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}
