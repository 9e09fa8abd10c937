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
	"sync"
	"syscall"

	"github.com/alexjbarnes/convsync/internal/config"
	"github.com/alexjbarnes/convsync/internal/logging"
	"github.com/alexjbarnes/convsync/internal/messaging"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr so stdout carries only the conversation.
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel, os.Stderr)

	if cfg.ProfileFile != "" {
		profile, err := config.LoadProfile(cfg.ProfileFile)
		if err != nil {
			return fmt.Errorf("loading profile: %w", err)
		}

		cfg.ApplyProfile(profile)
	}

	logger.Info("convsync starting",
		slog.String("version", Version),
		slog.String("conversation", cfg.ConversationRef().String()),
		slog.String("push_url", cfg.PushURL),
		slog.Bool("force_polling", cfg.ForcePolling),
		slog.Int("max_attempts", cfg.MaxAttempts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probe := messaging.NewProbe(messaging.WebSocketDialer{Token: cfg.Token}, cfg.ProbePolicy(), logger)
	client := messaging.NewClient(cfg.APIURL, cfg.Token, nil)

	session := messaging.NewSession(cfg.SessionConfig(), probe, client, logger)
	defer session.Close()

	out := &printer{w: os.Stdout, self: cfg.UserID}
	session.Subscribe(out.event)

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ProfileFile != "" {
		g.Go(func() error {
			err := config.WatchProfile(gctx, cfg.ProfileFile, logger, func(p *config.Profile) {
				// Policy changes apply to the next probe; the retry budget
				// is fixed for the life of the session.
				next := *cfg
				next.ApplyProfile(p)
				probe.SetPolicy(next.ProbePolicy())
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		return chat(gctx, stop, session, out, readLines(os.Stdin))
	})

	return g.Wait()
}

// readLines feeds stdin lines to the returned channel, closing it at EOF.
// The goroutine is left blocked on stdin at shutdown; the process exits
// around it.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return lines
}

// chat sends each input line. "/quit" exits, "/state" prints the
// connection state, "/retry" resends the last unconfirmed message.
func chat(ctx context.Context, stop context.CancelFunc, session *messaging.Session, out *printer, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				stop()
				return nil
			}

			line = strings.TrimSpace(line)

			switch line {
			case "":
				continue

			case "/quit":
				stop()
				return nil

			case "/state":
				out.printf("* %s\n", session.State())
				continue

			case "/retry":
				failed, ok := out.takeFailed()
				if !ok {
					out.printf("* nothing to retry\n")
					continue
				}

				line = failed
			}

			if _, err := session.Send(ctx, line); err != nil {
				out.printf("* not sent: %v\n", err)
			}
		}
	}
}

// printer renders session events as chat lines.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	self   int64
	failed []string
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) event(e messaging.Event) {
	switch e := e.(type) {
	case messaging.MessageReceived:
		who := fmt.Sprintf("user %d", e.Message.SenderID)
		if e.Message.SenderID == p.self {
			who = "me"
		}

		p.printf("[%s] %s: %s\n", e.Message.CreatedAt.Local().Format("15:04:05"), who, e.Message.Content)

	case messaging.ConnectionStateChanged:
		p.printf("* %s\n", e.State)

	case messaging.MembershipChanged:
		p.printf("* user %d %s channel %d\n", e.Change.UserID, e.Change.Action, e.Change.ChannelID)

	case messaging.ErrorOccurred:
		if e.Pending != nil {
			p.mu.Lock()
			p.failed = append(p.failed, e.Pending.Content)
			p.mu.Unlock()

			p.printf("* not sent: %q: %v (/retry to resend)\n", e.Pending.Content, e.Reason)

			return
		}

		p.printf("* error: %v\n", e.Reason)

	case messaging.SendConfirmed:
	}
}

// takeFailed pops the most recent unconfirmed message.
func (p *printer) takeFailed() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failed) == 0 {
		return "", false
	}

	last := p.failed[len(p.failed)-1]
	p.failed = p.failed[:len(p.failed)-1]

	return last, true
}
