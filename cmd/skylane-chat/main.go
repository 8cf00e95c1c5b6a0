// ABOUTME: Entry point for the skylane-chat messaging client.
// ABOUTME: Wires config, auth, REST history, and the shared realtime connection.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/skylane/skylane-messaging/internal/api"
	"github.com/skylane/skylane-messaging/internal/auth"
	"github.com/skylane/skylane-messaging/internal/config"
	"github.com/skylane/skylane-messaging/internal/connection"
	"github.com/skylane/skylane-messaging/internal/conversation"
	"github.com/skylane/skylane-messaging/internal/dispatch"
	"github.com/skylane/skylane-messaging/internal/event"
	"github.com/skylane/skylane-messaging/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the client config file.
// Priority: SKYLANE_CONFIG env var > XDG_CONFIG_HOME/skylane/chat.yaml > ~/.config/skylane/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SKYLANE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "skylane", "chat.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: skylane-chat <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  conversations                     List conversations")
		fmt.Println("  open <thread-id>                  Show a conversation's messages")
		fmt.Println("  send <thread-id> <user-id> <msg>  Send a message")
		fmt.Println("  read <thread-id>                  Mark a conversation as read")
		fmt.Println("  watch                             Stream incoming events until interrupted")
		fmt.Println("  version                           Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "conversations":
		err = runConversations(ctx)
	case "open":
		err = runOpen(ctx, os.Args[2:])
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "read":
		err = runRead(ctx, os.Args[2:])
	case "watch":
		err = runWatch(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired-up client stack for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *conversation.Service
	manager *connection.Manager
}

func newApp() (*app, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	var source auth.TokenSource
	if cfg.Auth.Token != "" {
		source = auth.Static(cfg.Auth.Token)
	} else {
		source = auth.FromEnv(cfg.Auth.TokenEnv)
	}
	creds := auth.Credential(&auth.ExpiryChecking{Source: source, Leeway: 30 * time.Second})

	history := api.NewClient(cfg.API.BaseURL, creds, logger)
	store := conversation.NewStore(cfg.User.ID, logger)
	service := conversation.NewService(store, history, logger)

	socket := transport.NewSocket(cfg.Realtime.Endpoint, logger)
	manager := connection.NewManager(socket, creds, dispatch.New(logger), connection.Options{
		ConnectTimeout: cfg.Realtime.ConnectTimeout,
		BackoffBase:    cfg.Realtime.BackoffBase,
		BackoffMax:     cfg.Realtime.BackoffMax,
		MaxAttempts:    cfg.Realtime.MaxAttempts,
		GracePeriod:    cfg.Realtime.GracePeriod,
	}, logger)

	service.Attach(manager)

	return &app{cfg: cfg, logger: logger, service: service, manager: manager}, nil
}

func (a *app) close() {
	a.service.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown failed", "error", err)
	}
}

func runConversations(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.service.ListConversations(ctx)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No conversations.")
		return nil
	}

	bold := color.New(color.Bold)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	for _, sum := range list {
		name := sum.Other.DisplayName
		if name == "" {
			name = sum.Other.ID
		}
		bold.Printf("%-24s", name)
		if sum.UnreadCount > 0 {
			yellow.Printf(" [%d unread]", sum.UnreadCount)
		}
		fmt.Println()
		gray.Printf("  %s\n", sum.ThreadID)
		if sum.LastMessage != nil {
			fmt.Printf("  %s\n", truncate(sum.LastMessage.Content, 72))
			gray.Printf("  %s\n", sum.LastActivity.Local().Format("Jan 2 15:04"))
		}
		fmt.Println()
	}
	return nil
}

func runOpen(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: skylane-chat open <thread-id>")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	thread, err := a.service.LoadConversation(ctx, args[0])
	if err != nil {
		return err
	}

	for _, msg := range thread.Messages {
		printMessage(a.cfg.User.ID, msg)
	}
	return nil
}

func runSend(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: skylane-chat send <thread-id> <user-id> <message>")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	content := strings.Join(args[2:], " ")
	sent, err := a.service.SendMessage(ctx, args[0], args[1], content)
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Print("sent ")
	fmt.Println(sent.ID)
	return nil
}

func runRead(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: skylane-chat read <thread-id>")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Hold the connection briefly so the read receipt can go out live.
	handle, err := a.manager.Acquire(ctx)
	if err == nil {
		defer handle.Release()
	}

	a.service.MarkRead(ctx, args[0])
	fmt.Println("marked read")
	return nil
}

func runWatch(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	handle, err := a.manager.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer handle.Release()

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fatal := make(chan string, 1)

	unsubMsg := a.manager.On(event.CategoryDirectMessage, func(ev *event.PushEvent) {
		p := ev.Message
		cyan.Printf("[%s] ", p.CreatedAt.Local().Format("15:04:05"))
		fmt.Printf("%s: %s\n", senderLabel(p), p.Content)
	})
	defer unsubMsg()

	unsubNotif := a.manager.On(event.CategoryPersonalNotification, func(ev *event.PushEvent) {
		yellow.Printf("● %s", ev.Notification.Subject)
		if ev.Notification.Body != "" {
			fmt.Printf(": %s", ev.Notification.Body)
		}
		fmt.Println()
	})
	defer unsubNotif()

	unsubSys := a.manager.On(event.CategorySystemBroadcast, func(ev *event.PushEvent) {
		if ev.System.Fatal {
			select {
			case fatal <- ev.System.Code:
			default:
			}
			return
		}
		red.Printf("system: %s %s\n", ev.System.Code, ev.System.Reason)
	})
	defer unsubSys()

	fmt.Println("watching (ctrl-c to stop)")

	select {
	case <-ctx.Done():
		return nil
	case code := <-fatal:
		return fmt.Errorf("connection lost: %s", code)
	}
}

func senderLabel(p *event.MessagePayload) string {
	if p.SenderName != "" {
		return p.SenderName
	}
	return p.SenderID
}

func printMessage(selfID string, msg conversation.Message) {
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	gray.Printf("[%s] ", msg.CreatedAt.Local().Format("Jan 2 15:04"))
	if msg.SenderID == selfID {
		green.Print("me: ")
	} else {
		fmt.Printf("%s: ", msg.SenderID)
	}
	fmt.Print(msg.Content)
	if msg.Pending {
		gray.Print(" (sending)")
	}
	if msg.Failed {
		red.Print(" (failed)")
	}
	fmt.Println()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
