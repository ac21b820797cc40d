package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"autocheckin/internal/api"
	"autocheckin/internal/auth"
	"autocheckin/internal/checkin"
	"autocheckin/internal/config"
	"autocheckin/internal/history"
	"autocheckin/internal/notify"
	"autocheckin/internal/scheduler"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "HTTP bind address")
		configPath = flag.String("config", "config.json", "config document path")
		dbPath     = flag.String("db", "autocheckin.db", "SQLite history DB path")
		tick       = flag.Duration("tick", 30*time.Second, "scheduler tick interval")
		attempts   = flag.Int("attempts", 3, "max attempts per execution on transient failure")
		baseDelay  = flag.Duration("retry-base", 2*time.Second, "first retry delay, doubles per attempt")
		baseURL    = flag.String("base-url", checkin.DefaultBaseURL, "attendance platform base URL")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	store, err := config.Open(*configPath)
	if err != nil {
		log.Warn().Err(err).Msg("continuing with default config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := history.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	hist := history.NewSQLiteRepo(db)

	executor := checkin.New(*baseURL, nil, checkin.Options{
		MaxAttempts: *attempts,
		BaseDelay:   *baseDelay,
	})
	dispatcher := notify.NewDispatcher("", nil)
	flow := auth.NewFlow("")

	ctx, cancel := context.WithCancel(context.Background())
	svc := scheduler.NewService(store, executor, dispatcher, hist, *tick)
	go svc.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(store, flow, hist)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	svc.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
