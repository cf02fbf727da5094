/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the prepayment amortization engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Configure logging
  3. Initialize SQLite store
  4. Wire the engine (store + ledger + events)
  5. Start the amortization scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -db         SQLite database path (default: prepayments.db)
              Use ":memory:" for in-memory database
  -log-level  trace|debug|info|warn|error (default: info)
  -log-format console|json (default: console)
  -scheduler  Enable the background amortization scheduler (default: true)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and wait for an in-flight batch run
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/prepayments.db"

  # Run with in-memory database, JSON logs
  ./server -db=":memory:" -log-format=json

ENVIRONMENT:
  PORT, DB_PATH, LOG_LEVEL, LOG_FORMAT override flag defaults; a local
  .env file is loaded when present.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background batch scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/prepayment-engine/api"
	"github.com/warp/prepayment-engine/engine"
	"github.com/warp/prepayment-engine/ledger"
	"github.com/warp/prepayment-engine/logger"
	"github.com/warp/prepayment-engine/store/sqlite"
)

func main() {
	// .env is optional; flags and real environment win.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "prepayments.db"), "SQLite database path")
	logLevel := flag.String("log-level", envStr("LOG_LEVEL", "info"), "log level")
	logFormat := flag.String("log-format", envStr("LOG_FORMAT", "console"), "log format (console or json)")
	schedulerOn := flag.Bool("scheduler", true, "enable the background amortization scheduler")
	flag.Parse()

	log, err := logger.Setup(logger.Config{Level: *logLevel, Format: *logFormat, Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	// The in-memory ledger stands in for the accounting system's journal
	// API. Swap in a real client here when one is available.
	gl := ledger.NewMemory()

	svc := engine.New(store, gl, nil, log)
	handler := api.NewHandler(svc, log)
	router := api.NewRouter(handler)

	scheduler := api.NewAmortizationScheduler(svc, log)
	scheduler.Enabled = *schedulerOn
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Str("db", *dbPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
