package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/chat-relay/chat-relay/internal/logging"
	"github.com/chat-relay/chat-relay/internal/wire"
	"github.com/chat-relay/chat-relay/pkg/client"
)

type cliConfig struct {
	relayURL string
	name     string
	room     string
	role     string
	message  string
	timeout  time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chatcli failed: %v", err)
	}
	log.Printf("chatcli role %s completed", cfg.role)
}

func parseConfig() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.relayURL, "relay", "ws://127.0.0.1:8080/ws", "Relay websocket endpoint")
	flag.StringVar(&cfg.name, "name", "", "Display name for this session")
	flag.StringVar(&cfg.room, "room", "lobby", "Room to join after activation")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this client (sender|receiver)")
	flag.StringVar(&cfg.message, "message", "hello from chatcli", "Message content for the sender role")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}
	return cfg
}

func run(cfg cliConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	logger, err := logging.NewConsoleLogger("info")
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := client.New(client.Options{
		URL:         cfg.relayURL,
		DisplayName: cfg.name,
		Room:        cfg.room,
		// The relay defaults to echo-to-sender; render on echo, not
		// optimistically, so nothing double-renders.
		EchoToSender: true,
		Log:          logger,
	})
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer c.Close("done")

	switch cfg.role {
	case "receiver":
		return runReceiver(ctx, c)
	default:
		return runSender(ctx, c, cfg.message, cfg.room)
	}
}

// runSender waits for activation and a populated room, sends one room
// message, and exits once its own echo arrives.
func runSender(ctx context.Context, c *client.Client, message, room string) error {
	sent := false
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sender timed out: %w", ctx.Err())
		case ev := <-c.Events():
			switch ev.Kind {
			case client.EventSessionAssigned:
				log.Printf("assigned session %s", ev.SessionID)
			case client.EventPresence:
				if !sent && len(ev.Others) > 0 {
					if err := c.Send(wire.ToRoom(room), message); err != nil {
						return fmt.Errorf("send room message: %w", err)
					}
					sent = true
				}
			case client.EventMessage:
				self, _ := c.SessionID()
				if ev.Message.From == self {
					log.Printf("echo confirmed at %s", ev.Message.Timestamp)
					return nil
				}
			case client.EventError:
				return fmt.Errorf("relay error %s: %s", ev.Code, ev.Detail)
			case client.EventDisconnected:
				return fmt.Errorf("disconnected before completing: %s", ev.Reason)
			}
		}
	}
}

// runReceiver waits for the first peer message in the room and prints it.
func runReceiver(ctx context.Context, c *client.Client) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("receiver timed out: %w", ctx.Err())
		case ev := <-c.Events():
			switch ev.Kind {
			case client.EventSessionAssigned:
				log.Printf("assigned session %s", ev.SessionID)
			case client.EventMessage:
				self, _ := c.SessionID()
				if ev.Message.From != self {
					log.Printf("received %q from %s", ev.Message.Content, ev.Message.From)
					return nil
				}
			case client.EventError:
				return fmt.Errorf("relay error %s: %s", ev.Code, ev.Detail)
			case client.EventDisconnected:
				return fmt.Errorf("disconnected before receiving: %s", ev.Reason)
			}
		}
	}
}
