package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chat-relay/chat-relay/internal/config"
	"github.com/chat-relay/chat-relay/internal/logging"
	"github.com/chat-relay/chat-relay/internal/registry"
	"github.com/chat-relay/chat-relay/internal/roster"
	"github.com/chat-relay/chat-relay/internal/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	ros, err := buildRoster(cfg)
	if err != nil {
		logger.Fatal("load roster", zap.Error(err))
	}
	srv := server.NewRelayServer(cfg, logger, reg, ros)

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

// buildRoster loads the persisted contact directory when a roster path is
// configured, seeding fresh deployments with defaults either way.
func buildRoster(cfg config.Config) (*roster.Roster, error) {
	if cfg.RosterPath == "" {
		return roster.New(defaultContacts()), nil
	}
	return roster.NewWithStore(roster.NewFileStore(cfg.RosterPath), defaultContacts())
}

// defaultContacts seeds the roster so fresh deployments have labels to hand
// out; real deployments replace these through the contacts API.
func defaultContacts() []roster.Contact {
	return []roster.Contact{
		{Name: "Operations", Handle: "ops"},
		{Name: "Support Desk", Handle: "support"},
	}
}
