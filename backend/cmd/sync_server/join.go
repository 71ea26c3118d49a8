package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"paramsync/backend/internal/client"
	"paramsync/backend/internal/config"
	"paramsync/backend/internal/httpapi/handlers"
	"paramsync/backend/internal/params"
)

type joinFlags struct {
	server   string
	token    string
	name     string
	color    string
	sets     []string
	duration time.Duration
}

type assignment struct {
	name  params.Name
	value float64
}

func newJoinCommand(configPath *string) *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:   "join <sessionId>",
		Short: "Join a session as a client, optionally set parameters, and log every update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sets, err := parseAssignments(f.sets)
			if err != nil {
				return err
			}
			endpoint, err := joinURL(f.server, args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if f.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.duration)
				defer cancel()
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return runJoin(ctx, cfg, endpoint, f, sets, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVar(&f.server, "server", "ws://localhost:8000", "sync server base URL (ws, wss, http or https)")
	cmd.Flags().StringVar(&f.token, "token", "", "access token; empty joins anonymously")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.color, "color", "", "display color")
	cmd.Flags().StringArrayVar(&f.sets, "set", nil, "parameter to set once synchronized, e.g. --set mu=0.6 (repeatable)")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "leave after this long; 0 stays until interrupted")
	return cmd
}

func runJoin(ctx context.Context, cfg *config.Config, endpoint string, f joinFlags, sets []assignment, out io.Writer, logger *slog.Logger) error {
	synced := make(chan struct{}, 1)
	terminal := make(chan string, 1)

	c := client.New(client.WebSocketDialer{URL: endpoint, WriteTimeout: cfg.Transport.WriteTimeout}, client.Options{
		Token:             f.token,
		DisplayName:       f.name,
		Color:             f.color,
		Debounce:          cfg.Client.Debounce,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		PongTimeout:       cfg.Client.PongTimeout,
		MaxReconnectDelay: cfg.Client.MaxReconnectDelay,
		Logger:            logger,
		OnEvent: func(e client.Event) {
			logEvent(logger, e)
			switch {
			case e.Kind == client.EventState && e.State == client.Synchronized:
				select {
				case synced <- struct{}{}:
				default:
				}
			case e.Kind == client.EventAuthFailed && e.State == client.Disconnected:
				select {
				case terminal <- e.Reason:
				default:
				}
			}
		},
	})
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	select {
	case <-synced:
	case reason := <-terminal:
		return fmt.Errorf("join rejected: %s", reason)
	case <-ctx.Done():
		return nil
	}
	for _, a := range sets {
		if err := c.SetParam(a.name, a.value); err != nil {
			logger.Warn("set parameter", "param", a.name, "value", a.value, "err", err)
		}
	}

	select {
	case <-ctx.Done():
	case reason := <-terminal:
		return fmt.Errorf("session ended: %s", reason)
	}
	p := c.Params()
	_, err := fmt.Fprintf(out, "seq=%d mu=%.4f omega=%.4f kappa=%.4f beta=%.4f\n", c.Seq(), p.Mu, p.Omega, p.Kappa, p.Beta())
	return err
}

func logEvent(logger *slog.Logger, e client.Event) {
	attrs := []any{"kind", e.Kind.String()}
	switch e.Kind {
	case client.EventState:
		attrs = append(attrs, "state", e.State.String())
	case client.EventParams:
		attrs = append(attrs, "mu", e.Params.Mu, "omega", e.Params.Omega, "kappa", e.Params.Kappa)
	case client.EventUsers:
		attrs = append(attrs, "users", len(e.Users))
	case client.EventConflict:
		if e.Conflict == nil {
			break
		}
		attrs = append(attrs, "param", e.Conflict.Param, "a", e.Conflict.ProposerAValue, "b", e.Conflict.ProposerBValue)
	case client.EventRejected:
		if e.Rejected != nil {
			attrs = append(attrs, "param", e.Rejected.Param)
		}
		attrs = append(attrs, "reason", e.Reason)
	case client.EventAuthFailed:
		attrs = append(attrs, "reason", e.Reason)
	case client.EventReconnecting:
		attrs = append(attrs, "attempt", e.Attempt, "delay", e.Delay)
	}
	logger.Info("client event", attrs...)
}

// joinURL 由服务地址和会话 id 拼出 websocket 地址，http(s) 自动换成 ws(s)
func joinURL(server, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	return u.String() + handlers.JoinPath + url.PathEscape(sessionID), nil
}

func parseAssignments(raw []string) ([]assignment, error) {
	out := make([]assignment, 0, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q, want name=value", kv)
		}
		name, err := params.ParseName(strings.TrimSpace(k))
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --set %q: %w", kv, err)
		}
		if err := params.Validate(name, value); err != nil {
			return nil, err
		}
		out = append(out, assignment{name: name, value: value})
	}
	return out, nil
}
