// Command chatsync is a terminal client that keeps a user's marketplace
// conversations in sync with the chat server.
//
// Commands:
//
//	/list                 show conversations
//	/open <id>            open a conversation
//	/back                 close the open conversation
//	/start <user> <text>  start a conversation with a user
//	/quit                 exit
//
// Any other line is sent to the open conversation.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mama165/sdk-go/logs"
	"github.com/tullo/marketchat/config"
	"github.com/tullo/marketchat/internal/controller"
	"github.com/tullo/marketchat/internal/history"
	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/store"
	"github.com/tullo/marketchat/internal/transport"
)

var errQuit = errors.New("quit")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Client.AuthToken == "" || cfg.Client.UserID == "" {
		return errors.New("AUTH_TOKEN and USER_ID must be set (the dev server hands out tokens at /dev/token?user_id=...)")
	}
	log := logs.GetLoggerFromString(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := history.NewLoader(cfg.Client.APIBaseURL, cfg.Client.AuthToken, cfg.Client.HTTPTimeout, log)
	session := transport.NewSession(transport.Options{
		URL:        cfg.Client.WSURL,
		MaxRetries: cfg.Client.ReconnectAttempts,
		BaseDelay:  cfg.Client.ReconnectDelay,
		MaxDelay:   cfg.Client.ReconnectMaxDelay,
	}, log)
	ctrl := controller.New(store.New(), loader, session, log)
	defer ctrl.Close()

	creds := transport.Credentials{UserID: cfg.Client.UserID, Token: cfg.Client.AuthToken}
	if err := ctrl.Start(ctx, creds); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	go render(ctx, ctrl, os.Stdout)
	go reportErrors(ctx, ctrl, log)

	lines := make(chan string)
	go scan(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := handle(ctx, ctrl, os.Stdout, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(os.Stdout, "! %v\n", err)
			}
		}
	}
}

func scan(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func handle(ctx context.Context, ctrl *controller.Controller, w io.Writer, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := ctrl.Send(ctx, line)
		return err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return errQuit
	case "/list":
		printConversations(w, ctrl.Snapshot())
		return nil
	case "/open":
		if rest == "" {
			return errors.New("usage: /open <conversation id>")
		}
		return ctrl.Select(ctx, resolve(ctrl.Snapshot(), rest))
	case "/back":
		ctrl.Back()
		return nil
	case "/start":
		participant, text, _ := strings.Cut(rest, " ")
		_, err := ctrl.StartConversation(ctx, models.StartConversationRequest{
			ParticipantID: participant,
			Message:       text,
		})
		return err
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// resolve accepts a list position (1-based) or a conversation id
func resolve(snap store.Snapshot, arg string) string {
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err == nil && n >= 1 && n <= len(snap.Conversations) {
		return snap.Conversations[n-1].ID
	}
	return arg
}

func render(ctx context.Context, ctrl *controller.Controller, w io.Writer) {
	var shown uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Changed():
			snap := ctrl.Snapshot()
			if snap.Version == shown {
				continue
			}
			shown = snap.Version
			printSnapshot(w, snap)
		}
	}
}

func reportErrors(ctx context.Context, ctrl *controller.Controller, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-ctrl.Errors():
			var ctrlErr *controller.Error
			if errors.As(err, &ctrlErr) && ctrlErr.Retryable() {
				log.Warn("background update failed, will catch up later", "error", err)
				continue
			}
			log.Error("background update failed", "error", err)
		}
	}
}

func printSnapshot(w io.Writer, snap store.Snapshot) {
	fmt.Fprintln(w, strings.Repeat("-", 40))
	if !snap.LiveUpdates {
		fmt.Fprintln(w, "(offline: live updates unavailable)")
	}
	printConversations(w, snap)

	active, ok := snap.Active()
	if !ok {
		return
	}
	fmt.Fprintf(w, "\n== %s ==\n", active.Participant.DisplayName)
	for _, m := range snap.Messages {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.Sender.DisplayName, m.Content)
	}
}

func printConversations(w io.Writer, snap store.Snapshot) {
	for i, c := range snap.Conversations {
		marker := " "
		if c.ID == snap.ActiveID {
			marker = ">"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		preview := ""
		if c.LastMessage != nil {
			preview = ": " + c.LastMessage.Content
		}
		fmt.Fprintf(w, "%s %d. %s%s%s  [%s]\n", marker, i+1, c.Participant.DisplayName, unread, preview, c.ID)
	}
}
