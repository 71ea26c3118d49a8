package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paramsync/backend/internal/history"
	"paramsync/backend/internal/httpapi/handlers"
	"paramsync/backend/internal/params"
)

func historyServer(t *testing.T, log history.Log) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/v1/history/:id/full", handlers.NewHistoryHandler(log, nil).Full)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestReplayCommandPrintsEventsInOrder(t *testing.T) {
	log := history.NewMemoryLog(0)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, log.Record(ctx, "abc123", history.Event{Seq: 1, UserID: "u1", Params: params.Default(), Timestamp: base}))
	require.NoError(t, log.Record(ctx, "abc123", history.Event{Seq: 2, UserID: "u2", Params: params.Default().With(params.Mu, 0.6), Timestamp: base.Add(time.Second)}))
	srv := historyServer(t, log)

	cmd := newReplayCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"abc123", "--server", srv.URL + "/", "--speed", "0"})
	require.NoError(t, cmd.ExecuteContext(ctx))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "session abc123: 2 events", string(lines[0]))
	assert.Contains(t, string(lines[1]), "#1 ")
	assert.Contains(t, string(lines[2]), "#2 ")
	assert.Contains(t, string(lines[2]), "user=u2 mu=0.6000")
}

func TestFetchHistoryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fetchHistory(context.Background(), srv.Client(), srv.URL, "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
