package main

import (
	"flag"
	"io"
	"testing"

	"github.com/you/cliprater/internal/config"
)

func parseFlags(t *testing.T, args ...string) flagValues {
	t.Helper()
	fs := flag.NewFlagSet("cliprater", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var fv flagValues
	fv.register(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	fv.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { fv.set[f.Name] = true })
	return fv
}

func fileConfig() config.Config {
	var cfg config.Config
	cfg.Store.Backend = config.BackendMongo
	cfg.Store.Mongo.URI = "mongodb://file:27017"
	cfg.HTTP.Addr = ":8765"
	cfg.HTTP.RateRPS = 20
	cfg.Logging.Level = "info"
	return cfg
}

func TestFlagOverridesOnlyExplicitFlags(t *testing.T) {
	fv := parseFlags(t, "-log-level", "DEBUG", "-backend", " SQLite ", "-sqlite", "/tmp/c.db")
	cfg := fileConfig()
	fv.apply(&cfg)

	if cfg.Logging.Level != "debug" || cfg.Store.Backend != "sqlite" || cfg.Store.SQLite.Path != "/tmp/c.db" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.HTTP.Addr != ":8765" || cfg.HTTP.RateRPS != 20 || cfg.Store.Mongo.URI != "mongodb://file:27017" {
		t.Fatalf("unset flags overwrote file values: %+v", cfg)
	}
}

func TestReloadKeepsFlagOverrides(t *testing.T) {
	fv := parseFlags(t, "-log-level", "debug", "-http-addr", ":9000", "-mongo-uri", "mongodb://flag:27017")

	running := fileConfig()
	fv.apply(&running)

	// A file edit to an unrelated key, still carrying the file's own level.
	next := fileConfig()
	next.HTTP.RateRPS = 50
	fv.apply(&next)

	if next.Logging.Level != "debug" {
		t.Fatalf("reload reset flag log level to %q", next.Logging.Level)
	}
	if restartRequired(running, next) {
		t.Fatalf("unexpected restart warning: running=%+v next=%+v", running.Store, next.Store)
	}

	next.Store.SQLite.Path = "/data/other.db"
	if !restartRequired(running, next) {
		t.Fatalf("expected store change to require restart")
	}
}
