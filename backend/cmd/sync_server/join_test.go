package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paramsync/backend/internal/authservice"
	"paramsync/backend/internal/collab"
	"paramsync/backend/internal/history"
	"paramsync/backend/internal/params"
	"paramsync/backend/internal/session"
	"paramsync/backend/internal/ws"
)

func TestJoinCommandSetsParameter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hist := history.NewMemoryLog(0)
	hub := ws.NewHub(nil, nil)
	engine := collab.NewEngine(session.NewRegistry(nil), hist, hub, collab.Options{})
	m := ws.NewManager(hub, engine, nil, ws.Options{
		AllowAnonymous: true,
		Auth:           authservice.NewIssuer("test-secret", time.Hour),
	})
	r := gin.New()
	r.GET("/api/v1/session/connect/:sessionId", m.WebSocketConnect)
	srv := httptest.NewServer(r)
	defer srv.Close()

	configPath := ""
	cmd := newJoinCommand(&configPath)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"room1", "--server", srv.URL, "--name", "Bot", "--set", "mu=0.6", "--duration", "1500ms"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	evts, err := hist.ReadAll(context.Background(), "room1")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.InDelta(t, 0.6, evts[0].Params.Mu, 1e-9)
	assert.Contains(t, out.String(), "mu=0.6000")
}

func TestJoinURL(t *testing.T) {
	u, err := joinURL("http://localhost:8000/", "abc 1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/api/v1/session/connect/abc%201", u)

	u, err = joinURL("wss://sync.example.com", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com/api/v1/session/connect/abc", u)

	_, err = joinURL("ftp://x", "abc")
	assert.Error(t, err)
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"mu=0.6", " kappa = 0.02 "})
	require.NoError(t, err)
	assert.Equal(t, []assignment{{params.Mu, 0.6}, {params.Kappa, 0.02}}, got)

	for _, bad := range []string{"mu", "beta=0.1", "mu=abc", "mu=5"} {
		_, err := parseAssignments([]string{bad})
		assert.Error(t, err, bad)
	}
}
