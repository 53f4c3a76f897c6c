// Leasechat - terminal client for one landlord/tenant conversation
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/leasechat/internal/client"
	"github.com/ashureev/leasechat/internal/config"
	"github.com/ashureev/leasechat/internal/conversation"
	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/identity"
	"github.com/ashureev/leasechat/internal/store"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// resumePageSize matches the server's maximum page so catch-up needs few round trips.
const resumePageSize = store.MaxPageSize

func main() {
	with := flag.String("with", "", "user id of the other participant")
	subject := flag.String("subject", "", "subject attached to every message sent")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if *with == "" {
		fmt.Fprintln(os.Stderr, "usage: chatclient -with <user id> [-subject text]")
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	userID, err := identity.SubjectFromToken(cfg.Token)
	if err != nil {
		slog.Error("Invalid CHAT_TOKEN", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, userID, *with, *subject, os.Stdin, os.Stdout); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, client.ErrClosed) {
		slog.Error("Client stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, userID, counterpartID, subject string, in io.Reader, out io.Writer) error {
	history := client.NewHistoryClient(cfg.ServerURL, cfg.Token, nil)
	view := conversation.NewView(userID, counterpartID)

	page, err := history.Fetch(ctx, counterpartID, client.FetchOptions{})
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	view.Seed(page.Messages)
	for _, m := range view.Messages() {
		printMessage(out, userID, m)
	}

	bridge, err := client.NewBridge(client.Options{
		URL:        strings.TrimRight(cfg.ServerURL, "/") + cfg.WSPath,
		Token:      cfg.Token,
		UserID:     userID,
		MaxRetries: cfg.MaxRetries,
		AckTimeout: cfg.AckTimeout,
		Logger:     slog.Default(),
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bridge.Run(gctx)
	})

	// Apply pushes and acks to the view.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case m := <-bridge.Messages():
				if view.Apply(&m) {
					printMessage(out, userID, &m)
				}
			case a := <-bridge.Acks():
				switch a.Status {
				case client.AckConfirmed:
					if a.Message != nil && view.Apply(a.Message) {
						printMessage(out, userID, a.Message)
					}
				default:
					fmt.Fprintf(out, "! request %s %s: %s\n", a.CorrelationID, a.Status, a.Reason)
				}
			}
		}
	})

	// Catch up on messages missed while the bridge was reconnecting.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-bridge.Connected():
				resumeHistory(gctx, history, view, counterpartID, userID, out)
			}
		}
	})

	g.Go(func() error {
		defer bridge.Close()
		return readInput(gctx, in, out, bridge, view, userID, counterpartID, subject)
	})

	return g.Wait()
}

// resumeHistory pages forward from the newest message in the view until a
// short page shows there is nothing left.
func resumeHistory(ctx context.Context, history *client.HistoryClient, view *conversation.View, counterpartID, userID string, out io.Writer) {
	for {
		page, err := history.Fetch(ctx, counterpartID, client.FetchOptions{
			AfterID: view.LastID(),
			Limit:   resumePageSize,
		})
		if err != nil {
			slog.Warn("Failed to resume history", "error", err)
			return
		}
		for _, m := range page.Messages {
			if view.Apply(m) {
				printMessage(out, userID, m)
			}
		}
		if len(page.Messages) < resumePageSize {
			return
		}
	}
}

// readInput sends each line as a message body. "/read" marks all unread messages read.
func readInput(ctx context.Context, in io.Reader, out io.Writer, bridge *client.Bridge, view *conversation.View, userID, counterpartID, subject string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/read":
				for _, m := range view.Unread() {
					if _, err := bridge.MarkRead(m.ID); err != nil {
						fmt.Fprintf(out, "! mark read %d: %v\n", m.ID, err)
					}
				}
			default:
				if _, err := bridge.SendMessage(userID, counterpartID, subject, line); err != nil {
					fmt.Fprintf(out, "! not sent: %v\n", err)
				}
			}
		}
	}
}

func printMessage(out io.Writer, userID string, m *domain.Message) {
	who := m.SenderID
	if m.Sender != nil {
		who = m.Sender.Name()
	}
	if m.SenderID == userID {
		who = "you"
	}
	mark := ""
	if m.Read {
		mark = " (read)"
	}
	ts := m.CreatedAt.Local().Format("2006-01-02 15:04")
	if m.Subject != "" {
		fmt.Fprintf(out, "[%s] %s: [%s] %s%s\n", ts, who, m.Subject, m.Body, mark)
		return
	}
	fmt.Fprintf(out, "[%s] %s: %s%s\n", ts, who, m.Body, mark)
}
