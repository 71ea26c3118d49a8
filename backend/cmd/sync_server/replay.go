package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"paramsync/backend/internal/history"
	"paramsync/backend/internal/httpapi/handlers"
)

func newReplayCommand() *cobra.Command {
	var (
		server string
		speed  float64
	)
	cmd := &cobra.Command{
		Use:   "replay <sessionId>",
		Short: "Replay a session's parameter history at the given speed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := fetchHistory(cmd.Context(), http.DefaultClient, server, args[0])
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s: %d events\n", resp.SessionID, resp.TotalCount)

			start := time.Now()
			if err := history.Replay(cmd.Context(), resp.Events, speed, func(e history.Event) error {
				return printEvent(out, e)
			}); err != nil {
				logger.Error("replay aborted", "sessionId", resp.SessionID, "err", err)
				return err
			}
			logger.Info("replay finished", "sessionId", resp.SessionID, "events", len(resp.Events), "elapsed", time.Since(start))
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8000", "sync server base URL")
	cmd.Flags().Float64Var(&speed, "speed", 1.0, "playback speed multiplier; 0 prints without waiting")
	return cmd
}

func fetchHistory(ctx context.Context, hc *http.Client, server, sessionID string) (*handlers.HistoryResponse, error) {
	endpoint := strings.TrimRight(server, "/") + "/api/v1/history/" + url.PathEscape(sessionID) + "/full"
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("fetch history: %s: %s", res.Status, strings.TrimSpace(string(body)))
	}

	var out handlers.HistoryResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &out, nil
}

func printEvent(w io.Writer, e history.Event) error {
	_, err := fmt.Fprintf(w, "#%d %s user=%s mu=%.4f omega=%.4f kappa=%.4f\n",
		e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano), e.UserID, e.Params.Mu, e.Params.Omega, e.Params.Kappa)
	return err
}
