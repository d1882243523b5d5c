package socketio

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"render-realtime/internal/auth"
	"render-realtime/internal/dispatch"
	"render-realtime/internal/events"
	"render-realtime/internal/hub"
	"render-realtime/internal/mailbox"
	"render-realtime/internal/ownership"
	"render-realtime/internal/subscription"
)

const (
	aliceJob = "0b7c3f5e-1d2a-4e8b-9c6d-7a1b2c3d4e5f"
	bobJob   = "9e8d7c6b-5a4f-4e3d-8c2b-1a0f9e8d7c6b"
)

var tokenCfg = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

type testEnv struct {
	url        string
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	mailbox    *mailbox.Mailbox
	server     *Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	h := hub.New()
	owners := map[string]string{aliceJob: "alice", bobJob: "bob"}
	checker := ownership.CheckerFunc(func(_ context.Context, jobID, userID string) (bool, error) {
		return owners[jobID] == userID, nil
	})
	mb := mailbox.New(mailbox.NewMemoryStore(), mailbox.DefaultTTL, zerolog.Nop())
	s := NewServer(Deps{
		Gate:     auth.NewGate(tokenCfg),
		Hub:      h,
		Registry: subscription.NewRegistry(h, checker, zerolog.Nop()),
		Mailbox:  mb,
		Log:      zerolog.Nop(),
		Options:  opts,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &testEnv{
		url:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket",
		hub:        h,
		dispatcher: dispatch.NewDispatcher(h, dispatch.NewThrottle(500*time.Millisecond), zerolog.Nop()),
		mailbox:    mb,
		server:     s,
	}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.CreateToken(userID, tokenCfg)
	require.NoError(t, err)
	return tok
}

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

// drain collects messages until the socket stays quiet for idle.
func drain(t *testing.T, c *websocket.Conn, idle time.Duration) []string {
	t.Helper()
	var out []string
	for {
		_ = c.SetReadDeadline(time.Now().Add(idle))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				_ = c.SetReadDeadline(time.Time{})
				return out
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		out = append(out, string(data))
	}
}

func expectClosed(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatal("transport still open")
			}
			return
		}
	}
}

func dial(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	waitForPrefix(t, conn, "0{", 2*time.Second)
	return conn
}

func connect(t *testing.T, env *testEnv, userID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, env, nil)
	send(t, conn, `40{"token":"`+token(t, userID)+`"}`)
	waitForPrefix(t, conn, "40", 2*time.Second)
	return conn
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func decodeEvent(t *testing.T, raw string) (string, map[string]any) {
	t.Helper()
	require.True(t, strings.HasPrefix(raw, "42"), raw)
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw[2:]), &arr))
	require.Len(t, arr, 2)
	var name string
	require.NoError(t, json.Unmarshal(arr[0], &name))
	var body map[string]any
	require.NoError(t, json.Unmarshal(arr[1], &body))
	return name, body
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestHandshakeAndPingAck(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	var handshake map[string]any
	require.NoError(t, json.Unmarshal([]byte(open[1:]), &handshake))
	assert.Equal(t, float64(25000), handshake["pingInterval"])
	assert.Equal(t, float64(20000), handshake["pingTimeout"])
	assert.NotEmpty(t, handshake["sid"])

	send(t, conn, `40{"token":"`+token(t, "alice")+`"}`)
	connected := waitForPrefix(t, conn, "40", 2*time.Second)
	assert.Contains(t, connected, `"sid"`)

	send(t, conn, `421["ping"]`)
	assert.Equal(t, "431[]", waitForPrefix(t, conn, "431", 2*time.Second))
}

func TestConnectRejections(t *testing.T) {
	expired, err := auth.SignClaims(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}, tokenCfg)
	require.NoError(t, err)
	noSubject, err := auth.SignClaims(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}, tokenCfg)
	require.NoError(t, err)
	foreign, err := auth.CreateToken("alice", auth.TokenConfig{Secret: "other", Expiry: time.Hour})
	require.NoError(t, err)

	cases := []struct {
		name    string
		connect string
		message string
	}{
		{"no credentials", `40`, "Authentication required"},
		{"empty token", `40{"token":""}`, "Authentication required"},
		{"expired", `40{"token":"` + expired + `"}`, "Token expired"},
		{"garbage", `40{"token":"not-a-jwt"}`, "Invalid token"},
		{"wrong secret", `40{"token":"` + foreign + `"}`, "Invalid token"},
		{"missing subject", `40{"token":"` + noSubject + `"}`, "Invalid token payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			conn := dial(t, env, nil)
			send(t, conn, tc.connect)

			raw := waitForPrefix(t, conn, "44", 2*time.Second)
			var body map[string]string
			require.NoError(t, json.Unmarshal([]byte(raw[2:]), &body))
			assert.Equal(t, tc.message, body["message"])
			expectClosed(t, conn)
			assert.False(t, env.hub.UserConnected("alice"))
		})
	}
}

func TestConnectWithAuthorizationHeader(t *testing.T) {
	env := newTestEnv(t, Options{})
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, "alice"))
	conn := dial(t, env, header)

	send(t, conn, `40`)
	waitForPrefix(t, conn, "40", 2*time.Second)
	waitFor(t, func() bool { return env.hub.UserConnected("alice") })
}

func TestEventsIgnoredBeforeConnect(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := dial(t, env, nil)

	send(t, conn, `421["subscribe-to-job",{"jobId":"`+aliceJob+`"}]`)
	send(t, conn, `422["ping"]`)
	assert.Empty(t, drain(t, conn, 200*time.Millisecond))
	assert.Empty(t, env.hub.JobConns(aliceJob))
}

func TestSubscribeAcks(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := connect(t, env, "alice")

	send(t, conn, `421["subscribe-to-job",{"jobId":"not-a-uuid"}]`)
	raw := waitForPrefix(t, conn, "431", 2*time.Second)
	assert.Contains(t, raw, `"ok":false`)
	assert.Contains(t, raw, "Invalid payload")

	send(t, conn, `422["subscribe-to-job",{"jobId":"`+bobJob+`"}]`)
	raw = waitForPrefix(t, conn, "432", 2*time.Second)
	assert.Contains(t, raw, "access denied")

	send(t, conn, `423["subscribe-to-job",{"jobId":"`+aliceJob+`"}]`)
	assert.Equal(t, `433[{"ok":true}]`, waitForPrefix(t, conn, "433", 2*time.Second))
	assert.Len(t, env.hub.UserJobConns("alice", aliceJob), 1)

	send(t, conn, `424["unsubscribe-from-job",{"jobId":"`+aliceJob+`"}]`)
	assert.Equal(t, `434[{"ok":true}]`, waitForPrefix(t, conn, "434", 2*time.Second))
	assert.Empty(t, env.hub.JobConns(aliceJob))

	send(t, conn, `425["unsubscribe-from-job",{"jobId":"`+bobJob+`"}]`)
	assert.Equal(t, `435[{"ok":true}]`, waitForPrefix(t, conn, "435", 2*time.Second))
}

func TestProgressThrottledOverTheWire(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := connect(t, env, "alice")
	send(t, conn, `421["subscribe-to-job",{"jobId":"`+aliceJob+`"}]`)
	waitForPrefix(t, conn, "431", 2*time.Second)

	for i := 0; i < 10; i++ {
		env.dispatcher.RenderProgress("alice", events.Progress{JobID: aliceJob, CurrentFrame: i, TotalFrames: 10, Percentage: float64(i * 10), Stage: "encode"})
	}
	env.dispatcher.RenderCompleted("alice", events.Completed{JobID: aliceJob, OutputURL: "https://cdn.example/out.mp4", FileSize: 1024, Duration: 12.5})

	var progress, completed int
	for _, msg := range drain(t, conn, 300*time.Millisecond) {
		if !strings.HasPrefix(msg, "42") {
			continue
		}
		name, body := decodeEvent(t, msg)
		switch name {
		case "render-progress":
			progress++
			assert.Equal(t, aliceJob, body["jobId"])
			assert.Equal(t, float64(0), body["currentFrame"])
		case "render-completed":
			completed++
			assert.Equal(t, "https://cdn.example/out.mp4", body["outputUrl"])
		}
	}
	assert.Equal(t, 1, progress)
	assert.Equal(t, 1, completed)
}

func TestUserIsolation(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := connect(t, env, "alice")
	bob := connect(t, env, "bob")
	send(t, alice, `421["subscribe-to-job",{"jobId":"`+aliceJob+`"}]`)
	waitForPrefix(t, alice, "431", 2*time.Second)

	// bob watches his own job and cannot join alice's.
	send(t, bob, `421["subscribe-to-job",{"jobId":"`+bobJob+`"}]`)
	assert.Equal(t, `431[{"ok":true}]`, waitForPrefix(t, bob, "431", 2*time.Second))
	send(t, bob, `422["subscribe-to-job",{"jobId":"`+aliceJob+`"}]`)
	assert.Contains(t, waitForPrefix(t, bob, "432", 2*time.Second), `"ok":false`)

	env.dispatcher.RenderStarted("alice", aliceJob, time.Now())
	env.dispatcher.RenderProgress("alice", events.Progress{JobID: aliceJob, CurrentFrame: 1, TotalFrames: 10})
	env.dispatcher.RenderCompleted("alice", events.Completed{JobID: aliceJob, OutputURL: "https://cdn.example/a.mp4"})
	env.dispatcher.CreditsUpdated("alice", 10)

	waitForPrefix(t, alice, `42["render-started"`, 2*time.Second)
	waitForPrefix(t, alice, `42["render-progress"`, 2*time.Second)
	waitForPrefix(t, alice, `42["render-completed"`, 2*time.Second)
	waitForPrefix(t, alice, `42["credits-updated"`, 2*time.Second)

	env.dispatcher.RenderStarted("bob", bobJob, time.Now())
	var bobEvents []string
	for _, msg := range drain(t, bob, 300*time.Millisecond) {
		if strings.HasPrefix(msg, "42") {
			bobEvents = append(bobEvents, msg)
		}
	}
	require.Len(t, bobEvents, 1, "bob received %v", bobEvents)
	assert.Contains(t, bobEvents[0], `42["render-started"`)
	assert.Contains(t, bobEvents[0], bobJob)
	assert.NotContains(t, bobEvents[0], aliceJob)
}

func TestTwoDevicesReceiveUserEvents(t *testing.T) {
	env := newTestEnv(t, Options{})
	phone := connect(t, env, "alice")
	laptop := connect(t, env, "alice")
	waitFor(t, func() bool { return env.hub.UserConnCount("alice") == 2 })

	assert.Equal(t, 2, env.dispatcher.CreditsUpdated("alice", 77))
	for _, c := range []*websocket.Conn{phone, laptop} {
		_, body := decodeEvent(t, waitForPrefix(t, c, `42["credits-updated"`, 2*time.Second))
		assert.Equal(t, float64(77), body["balance"])
	}
}

func TestMailboxFlushedOnConnect(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	require.NoError(t, env.mailbox.Queue(ctx, "alice", map[string]string{"title": "first"}))
	require.NoError(t, env.mailbox.Queue(ctx, "alice", map[string]string{"title": "second"}))

	conn := connect(t, env, "alice")
	_, first := decodeEvent(t, waitForPrefix(t, conn, `42["notification"`, 2*time.Second))
	_, second := decodeEvent(t, waitForPrefix(t, conn, `42["notification"`, 2*time.Second))
	assert.Equal(t, "first", first["title"])
	assert.Equal(t, "second", second["title"])

	waitFor(t, func() bool {
		n, err := env.mailbox.Pending(ctx, "alice")
		return err == nil && n == 0
	})
}

func TestDisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := connect(t, env, "alice")
	send(t, conn, `421["subscribe-to-job",{"jobId":"`+aliceJob+`"}]`)
	waitForPrefix(t, conn, "431", 2*time.Second)

	require.NoError(t, conn.Close())
	waitFor(t, func() bool {
		return !env.hub.UserConnected("alice") && len(env.hub.JobConns(aliceJob)) == 0
	})
	assert.Zero(t, env.dispatcher.CreditsUpdated("alice", 1))
}

func TestPongTimeoutClosesTransport(t *testing.T) {
	env := newTestEnv(t, Options{PingInterval: 50 * time.Millisecond, PingTimeout: 50 * time.Millisecond})
	conn, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Read without answering pings.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatal("transport not closed after missed pong")
			}
			break
		}
	}
	waitFor(t, func() bool { return env.server.Len() == 0 })
}

func TestSlowConsumerIsDropped(t *testing.T) {
	env := newTestEnv(t, Options{SendQueue: 4})
	_ = connect(t, env, "alice")
	waitFor(t, func() bool { return env.hub.UserConnected("alice") })

	// The client never reads, so the queue fills once the socket buffers do.
	filler := map[string]string{"data": strings.Repeat("x", 32*1024)}
	for i := 0; i < 1000 && env.hub.UserConnected("alice"); i++ {
		for _, c := range env.hub.UserConns("alice") {
			_ = c.Emit("filler", filler)
		}
	}
	waitFor(t, func() bool { return !env.hub.UserConnected("alice") })
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := connect(t, env, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
	expectClosed(t, conn)
	assert.False(t, env.hub.UserConnected("alice"))
}

func TestRejectsOtherTransports(t *testing.T) {
	env := newTestEnv(t, Options{})
	httpURL := "http" + strings.TrimPrefix(env.url, "ws")
	resp, err := http.Get(strings.Replace(httpURL, "transport=websocket", "transport=polling", 1))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
