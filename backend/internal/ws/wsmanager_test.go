package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paramsync/backend/internal/authservice"
	"paramsync/backend/internal/collab"
	"paramsync/backend/internal/history"
	"paramsync/backend/internal/params"
	"paramsync/backend/internal/protocol"
	"paramsync/backend/internal/session"
)

type testServer struct {
	srv    *httptest.Server
	issuer *authservice.Issuer
	hub    *Hub
	engine *collab.Engine
}

func newTestServer(t *testing.T, allowAnonymous bool) *testServer {
	t.Helper()
	return newTestServerWith(t, nil, Options{AllowAnonymous: allowAnonymous})
}

func newTestServerWith(t *testing.T, sem *collab.SemaphoreControl, opt Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// 固定时钟：同一参数的两次写入总在冲突窗口内
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := func() time.Time { return fixed }

	hub := NewHub(nil, nil)
	engine := collab.NewEngine(session.NewRegistry(now), history.NewMemoryLog(0), hub, collab.Options{Now: now})
	issuer := authservice.NewIssuer("test-secret", time.Hour)
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = time.Second
	opt.Auth = issuer
	m := NewManager(hub, engine, sem, opt)

	r := gin.New()
	r.GET("/ws/:sessionId", m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, issuer: issuer, hub: hub, engine: engine}
}

func (s *testServer) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/" + sessionID
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (s *testServer) token(t *testing.T, userID, name string) string {
	t.Helper()
	id, err := s.issuer.Sign(userID, name, false)
	require.NoError(t, err)
	return id.Token
}

// expect 读取消息直到出现类型为 T 的消息，跳过其他类型
func expect[T protocol.Outbound](t *testing.T, c *websocket.Conn) T {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.DecodeServer(data)
		require.NoError(t, err)
		if v, ok := msg.(T); ok {
			return v
		}
	}
}

func send(t *testing.T, c *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	require.NoError(t, c.WriteJSON(msg))
}

func TestConflictRoundTrip(t *testing.T) {
	s := newTestServer(t, false)

	alice := s.dial(t, "room1")
	send(t, alice, protocol.NewAuth(s.token(t, "u-alice", "Alice"), "", ""))
	okA := expect[protocol.AuthSuccessMessage](t, alice)
	assert.Equal(t, uint64(1), okA.Seq)
	assert.Equal(t, "u-alice", okA.UserID)
	assert.Equal(t, params.Default(), okA.Params)

	bob := s.dial(t, "room1")
	send(t, bob, protocol.NewAuth(s.token(t, "u-bob", "Bob"), "", "#ff0000"))
	okB := expect[protocol.AuthSuccessMessage](t, bob)
	assert.Equal(t, uint64(2), okB.Seq)
	require.Len(t, okB.Users, 2)

	joined := expect[protocol.JoinedMessage](t, alice)
	assert.Equal(t, uint64(2), joined.Seq)
	assert.Equal(t, "Bob", joined.User.Name)
	assert.Equal(t, "#ff0000", joined.User.Color)

	send(t, alice, protocol.NewProposeWrite(params.Mu, 0.60))
	for _, c := range []*websocket.Conn{alice, bob} {
		up := expect[protocol.ParamUpdateMessage](t, c)
		assert.Equal(t, uint64(3), up.Seq)
		assert.InDelta(t, 0.60, up.Params.Mu, 1e-9)
	}

	send(t, bob, protocol.NewProposeWrite(params.Mu, 0.62))
	for _, c := range []*websocket.Conn{alice, bob} {
		cf := expect[protocol.ConflictMessage](t, c)
		assert.Equal(t, "mu", cf.Param)
		assert.Equal(t, "u-alice", cf.ProposerAUserID)
		assert.InDelta(t, 0.62, cf.ProposerBValue, 1e-9)
		assert.Equal(t, "Bob", cf.ProposerBUserName)
	}

	send(t, alice, protocol.NewResolve(params.Mu, 0.61, protocol.StrategyAverage))
	for _, c := range []*websocket.Conn{alice, bob} {
		up := expect[protocol.ParamUpdateMessage](t, c)
		assert.Equal(t, uint64(4), up.Seq)
		assert.InDelta(t, 0.61, up.Params.Mu, 1e-9)
	}

	send(t, bob, protocol.NewResync(0))
	st := expect[protocol.StateSyncMessage](t, bob)
	assert.Equal(t, uint64(4), st.Seq)
	assert.InDelta(t, 0.61, st.Params.Mu, 1e-9)

	// bob 断开后 alice 收到 left
	require.NoError(t, bob.Close())
	left := expect[protocol.LeftMessage](t, alice)
	assert.Equal(t, "u-bob", left.UserID)
	assert.Equal(t, uint64(5), left.Seq)
}

func TestRejectedOutOfRange(t *testing.T) {
	s := newTestServer(t, false)
	c := s.dial(t, "room2")
	send(t, c, protocol.NewAuth(s.token(t, "u1", "Ann"), "", ""))
	expect[protocol.AuthSuccessMessage](t, c)

	send(t, c, protocol.NewProposeWrite(params.Kappa, 0.2))
	rej := expect[protocol.RejectedMessage](t, c)
	assert.Equal(t, protocol.ReasonInvalid, rej.Reason)
	assert.Equal(t, "kappa", rej.Param)

	send(t, c, protocol.ClientMessage{Type: "bogus"})
	rej = expect[protocol.RejectedMessage](t, c)
	assert.Equal(t, protocol.ReasonMalformed, rej.Reason)

	send(t, c, protocol.NewPing())
	expect[protocol.PongMessage](t, c)
}

func TestAuthFailures(t *testing.T) {
	s := newTestServer(t, false)

	c := s.dial(t, "room3")
	send(t, c, protocol.NewProposeWrite(params.Mu, 0.6))
	failed := expect[protocol.AuthFailedMessage](t, c)
	assert.Equal(t, protocol.ReasonNotAuthenticated, failed.Reason)
	_, _, err := c.ReadMessage()
	assert.Error(t, err, "connection is closed after authFailed")

	c = s.dial(t, "room3")
	send(t, c, protocol.NewAuth("not-a-token", "", ""))
	failed = expect[protocol.AuthFailedMessage](t, c)
	assert.Equal(t, protocol.ReasonInvalidToken, failed.Reason)

	c = s.dial(t, "room3")
	send(t, c, protocol.NewAuth("", "Anon", ""))
	failed = expect[protocol.AuthFailedMessage](t, c)
	assert.Equal(t, protocol.ReasonInvalidToken, failed.Reason)

	_, ok := s.engine.Registry().Get("room3")
	assert.False(t, ok, "failed auth never creates a session")
}

func TestCloseSessionSendsTerminalFrame(t *testing.T) {
	s := newTestServer(t, false)
	c := s.dial(t, "room5")
	send(t, c, protocol.NewAuth(s.token(t, "u1", "Ann"), "", ""))
	expect[protocol.AuthSuccessMessage](t, c)

	require.True(t, s.engine.Registry().Delete("room5"))
	assert.Equal(t, 1, s.hub.CloseSession("room5"))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeServer(data)
	require.NoError(t, err)
	failed, ok := msg.(protocol.AuthFailedMessage)
	require.True(t, ok, "first frame after delete is authFailed, got %T", msg)
	assert.Equal(t, protocol.ReasonSessionClosed, failed.Reason)

	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "then a normal close: %v", err)
}

func TestAnonymousAuth(t *testing.T) {
	s := newTestServer(t, true)
	c := s.dial(t, "room4")
	send(t, c, protocol.NewAuth("", "", ""))
	ok := expect[protocol.AuthSuccessMessage](t, c)
	assert.True(t, strings.HasPrefix(ok.UserID, "anon_"))
	require.Len(t, ok.Users, 1)
	assert.Equal(t, authservice.AnonymousColor, ok.Users[0].Color)
	assert.Equal(t, authservice.AnonymousName(ok.UserID), ok.Users[0].Name)
}

func TestCheckOrigin(t *testing.T) {
	m := NewManager(NewHub(nil, nil), nil, nil, Options{AllowedOrigins: []string{"https://app.example.com"}})
	req := httptest.NewRequest("GET", "/ws/x", nil)
	assert.True(t, m.checkOrigin(req))
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, m.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, m.checkOrigin(req))
}

func TestRateLimitedAndBusy(t *testing.T) {
	s := newTestServerWith(t, nil, Options{MessageRate: 0.001, MessageBurst: 1})
	alice := s.dial(t, "room1")
	send(t, alice, protocol.NewAuth(s.token(t, "u-alice", "Alice"), "", ""))
	expect[protocol.AuthSuccessMessage](t, alice)

	send(t, alice, protocol.NewProposeWrite(params.Mu, 0.60))
	up := expect[protocol.ParamUpdateMessage](t, alice)
	assert.Equal(t, uint64(2), up.Seq)

	send(t, alice, protocol.NewProposeWrite(params.Mu, 0.61))
	rj := expect[protocol.RejectedMessage](t, alice)
	assert.Equal(t, protocol.ReasonRateLimited, rj.Reason)

	// 信号量被占满时等待 200ms 后返回 busy
	sem := collab.NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))
	busy := newTestServerWith(t, sem, Options{})
	bob := busy.dial(t, "room2")
	send(t, bob, protocol.NewAuth(busy.token(t, "u-bob", "Bob"), "", ""))
	expect[protocol.AuthSuccessMessage](t, bob)

	send(t, bob, protocol.NewProposeWrite(params.Omega, 0.9))
	rj = expect[protocol.RejectedMessage](t, bob)
	assert.Equal(t, protocol.ReasonBusy, rj.Reason)
	assert.Equal(t, "omega", rj.Param)
}
