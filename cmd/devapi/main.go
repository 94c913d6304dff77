package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/you/cliprater/internal/clipstore"
	"github.com/you/cliprater/internal/httpapi"
)

// devapi serves the HTTP API over a local SQLite store with the write routes
// mounted, so dashboards can be exercised without the chat bot.
func main() {
	var (
		addr   string
		sqlite string
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "devapi.db", "SQLite database path")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := clipstore.OpenSQLite(ctx, sqlite)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer s.Close(context.Background())
	if err := s.Ping(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}
	res, err := clipstore.Prepare(ctx, s)
	if err != nil {
		log.Fatalf("prepare: %v", err)
	}
	if res.Modified > 0 {
		log.Printf("devapi: backfilled ids on %d legacy clips", res.Modified)
	}

	api := httpapi.New(s, httpapi.Options{
		Addr:            addr,
		EnableMetrics:   true,
		EnableAccessLog: true,
		Backend:         "sqlite",
		Build:           httpapi.BuildInfo{Version: "devapi"},
	})
	api.EnableWrites(clipstore.Observe(s, api))
	api.SetReady(true)

	log.Printf("devapi listening on %s (db=%s)", addr, sqlite)
	go func() {
		if err := api.Start(); err != nil {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("devapi: shutdown: %v", err)
	}
}
