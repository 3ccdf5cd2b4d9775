// Command observer follows one transaction for one actor against a running
// escrowsync server and prints each notice as a JSON line on stdout.
//
// Usage:
//
//	API_URL=http://localhost:8080 ACTOR_ID=+639171234567 ROLE=buyer \
//	TRANSACTION_ID=txn_... go run ./cmd/observer
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/escrowsync/internal/circuitbreaker"
	"github.com/mbd888/escrowsync/internal/client"
	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/observer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	// Logs go to stderr so stdout carries only notices.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateObserver(); err != nil {
		logger.Error("invalid observer config", "error", err)
		os.Exit(1)
	}

	api := client.New(client.Config{APIURL: cfg.APIURL, ActorID: cfg.ActorID})
	api.Breaker().OnTransition(func(host string, from, to circuitbreaker.State) {
		logger.Warn("api circuit changed", "host", host, "from", from.String(), "to", to.String())
	})
	obs, err := observer.New(observer.Config{
		ActorID:       cfg.ActorID,
		Role:          cfg.Role,
		TransactionID: cfg.TransactionID,
		Interval:      cfg.ObserverInterval,
	}, api, api, observer.NewWriterNotifier(os.Stdout), logger)
	if err != nil {
		logger.Error("failed to create observer", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("observing transaction",
		"api", cfg.APIURL,
		"actor", cfg.ActorID,
		"role", cfg.Role,
		"transactionId", cfg.TransactionID,
	)
	obs.Run(ctx)

	snap := obs.Snapshot()
	logger.Info("observer stopped", "state", snap.State, "balance", snap.Balance)
}
