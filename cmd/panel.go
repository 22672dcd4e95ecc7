package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/pelusa-v/pelusa-presence/internal/auth"
	"github.com/pelusa-v/pelusa-presence/internal/calendar"
	"github.com/pelusa-v/pelusa-presence/internal/config"
	"github.com/pelusa-v/pelusa-presence/internal/directory"
	"github.com/pelusa-v/pelusa-presence/internal/errs"
	"github.com/pelusa-v/pelusa-presence/internal/session"
	"github.com/pelusa-v/pelusa-presence/internal/transport"
)

func panelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "panel",
		Short: "Run a terminal presence panel against a hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPanel(ctx, cfg, os.Stdin, cmd.OutOrStdout())
		},
	}
}

func newSession(cfg *config.Config) *session.Session {
	cookie := cfg.Panel.SessionCookie
	if cookie == "" {
		cookie = cfg.Panel.Username
	}

	tr := transport.NewClient(
		&transport.WebsocketDialer{URL: cfg.Panel.HubURL, SessionCookie: cookie},
		transport.WithReconnectDelays(cfg.Timing.ReconnectDelays...),
		transport.WithMaxReconnectAttempts(cfg.Timing.MaxReconnectAttempts),
	)

	api := directory.NewClient(cfg.Panel.APIURL, cookie)
	api.Timeout = cfg.Timing.RequestTimeout

	return session.New(session.Deps{
		Transport: tr,
		API:       api,
		Identity: auth.StaticIdentity{
			Username:    cfg.Panel.Username,
			Email:       cfg.Panel.Email,
			DisplayName: cfg.Panel.DisplayName,
		},
		Tokens: auth.NewTokenProvider(auth.Config{
			StaticToken:  cfg.Auth.StaticToken,
			TokenURL:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Scopes:       cfg.Auth.Scopes,
		}),
		NewCalendar: func(ts oauth2.TokenSource) session.Calendar {
			c := calendar.NewClient(cfg.Panel.APIURL, ts)
			c.BatchSize = cfg.Features.CalendarBatchSize
			c.Window = cfg.Timing.CalendarWindow
			c.Timeout = cfg.Timing.RequestTimeout
			return c
		},
	}, session.Options{
		Source:                  cfg.Panel.Source,
		PresenceInterval:        cfg.Timing.PresenceInterval,
		TypingIdle:              cfg.Timing.TypingIdle,
		RemoteTypingTimeout:     cfg.Timing.RemoteTypingTimeout,
		RequestTimeout:          cfg.Timing.RequestTimeout,
		HistoryLimit:            cfg.Features.HistoryLimit,
		ResyncOnlineOnReconnect: cfg.Features.ResyncOnlineOnReconnect,
		DedupMessages:           cfg.Features.DedupMessages,
	})
}

func runPanel(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	sess := newSession(cfg)
	defer sess.Stop()

	unsubscribe := sess.Subscribe(func(n session.Notification) {
		switch n.Kind {
		case session.NewMessage:
			fmt.Fprintf(out, "[%s] %s\n", n.Message.SenderUsername, n.Message.Content)
		case session.TypingShown:
			fmt.Fprintf(out, "  %s is typing...\n", n.Username)
		case session.PeerRead:
			fmt.Fprintf(out, "  %s read your messages\n", n.Username)
		case session.ConnectionStateChanged:
			fmt.Fprintf(out, "  connection: %s\n", n.State)
		case session.ConnectionLost:
			fmt.Fprintf(out, "  connection lost: %v (type /connect to retry)\n", n.Err)
		}
	})
	defer unsubscribe()

	if err := sess.Start(ctx); err != nil {
		var authErr *errs.AuthError
		if errors.As(err, &authErr) && authErr.Fatal {
			return err
		}
		log.Warn().Err(err).Str("component", "panel").Msg("hub unavailable, type /connect to retry")
	}
	if sess.Degraded() {
		fmt.Fprintln(out, "  calendar unavailable")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
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
			if quit := handleLine(ctx, sess, line, out); quit {
				return nil
			}
		}
	}
}

// handleLine runs one panel command; plain text goes to the open conversation.
func handleLine(ctx context.Context, sess *session.Session, line string, out io.Writer) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "":
		sess.Input(false)
	case "/quit":
		return true
	case "/people":
		for _, p := range sess.People() {
			fmt.Fprintf(out, "  %-10s %-3s %s\n", p.Status, p.Identity.Initials, p.Identity.Name())
		}
	case "/convs":
		for _, c := range sess.Summaries() {
			fmt.Fprintf(out, "  %-16s %3d  %s\n", c.Username, c.UnreadCount, c.LastMessage)
		}
		fmt.Fprintf(out, "  unread: %d\n", sess.UnreadTotal())
	case "/open":
		if err := sess.OpenConversation(ctx, arg); err != nil {
			fmt.Fprintf(out, "  %v\n", err)
		}
		for _, m := range sess.Messages(arg) {
			fmt.Fprintf(out, "  %s  %s: %s\n", m.SentAt.Local().Format("15:04"), m.SenderUsername, m.Content)
		}
	case "/close":
		sess.CloseConversation()
	case "/read":
		sess.MarkRead(arg)
	case "/connect":
		if err := sess.Connect(ctx); err != nil {
			fmt.Fprintf(out, "  %v\n", err)
		}
	default:
		to := sess.ActiveConversation()
		if to == "" {
			fmt.Fprintln(out, "  no open conversation, use /open <username>")
			return false
		}
		sess.Input(true)
		if err := sess.SendMessage(ctx, to, line); err != nil {
			fmt.Fprintf(out, "  %v\n", err)
		}
	}
	return false
}
