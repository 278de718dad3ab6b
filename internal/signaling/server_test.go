package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

type testEnv struct {
	ts      *httptest.Server
	srv     *Server
	engine  *relay.Engine
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, relayCfg relay.Config, mutate func(*Config)) *testEnv {
	t.Helper()

	m := metrics.New()
	engine := relay.NewEngine(relayCfg, auth.NoneAuthenticator{Kind: identity.KindInt}, store.NewMemoryStore(100), nil, m)
	cfg := Config{
		Engine:       engine,
		Metrics:      m,
		IdleTimeout:  5 * time.Second,
		PingInterval: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, srv: srv, engine: engine, metrics: m}
}

func (e *testEnv) url(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(e.url(path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func readClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read err=%v, want close frame", err)
		}
		return ce
	}
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestChat_RoomFanout(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, nil)
	c5 := env.dial(t, "/ws/chat/9?token=5")
	c9 := env.dial(t, "/ws/chat/5/?token=9")
	waitFor(t, "both connections admitted", func() bool { return env.engine.Connections() == 2 })

	if env.engine.Rooms() != 1 {
		t.Fatalf("rooms=%d, want 1", env.engine.Rooms())
	}

	send(t, c5, `{"type":"chat","message":"hi"}`)
	for name, c := range map[string]*websocket.Conn{"recipient": c9, "sender": c5} {
		got := readFrame(t, c)
		if got["type"] != "chat" || got["message"] != "hi" || len(got) != 2 {
			t.Fatalf("%s frame=%v, want {type:chat message:hi}", name, got)
		}
	}
}

func TestWebRTC_NotEchoedToSender(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, nil)
	c5 := env.dial(t, "/ws/chat/9?token=5")
	c9 := env.dial(t, "/ws/chat/5?token=9")
	waitFor(t, "both connections admitted", func() bool { return env.engine.Connections() == 2 })

	send(t, c5, `{"type":"webrtc","signal":{"type":"offer","sdp":"v=0"},"sender_id":1}`)
	got := readFrame(t, c9)
	if got["type"] != "webrtc" {
		t.Fatalf("type=%v, want webrtc", got["type"])
	}
	if got["sender_id"] != float64(5) {
		t.Fatalf("sender_id=%v, want 5", got["sender_id"])
	}
	signal, _ := got["signal"].(map[string]any)
	if signal["type"] != "offer" || signal["sdp"] != "v=0" {
		t.Fatalf("signal=%v", got["signal"])
	}

	// The sender's next frame must be its own chat echo, not the signal.
	send(t, c5, `{"type":"chat","message":"after"}`)
	if got := readFrame(t, c5); got["type"] != "chat" {
		t.Fatalf("sender frame=%v, want chat echo", got)
	}
}

func TestUnauthorizedClosesWith1008(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, nil)

	for _, path := range []string{"/ws/chat/9", "/ws/chat/9?token=", "/ws/chat/9?token=nope"} {
		c := env.dial(t, path)
		ce := readClose(t, c)
		if ce.Code != websocket.ClosePolicyViolation || ce.Text != "unauthorized" {
			t.Fatalf("%s: close=%d %q, want %d %q", path, ce.Code, ce.Text, websocket.ClosePolicyViolation, "unauthorized")
		}
	}
	if n := env.engine.Connections(); n != 0 {
		t.Fatalf("connections=%d, want 0", n)
	}
	if got := env.metrics.Get(metrics.ConnRejectedAuth); got != 3 {
		t.Fatalf("rejected=%d, want 3", got)
	}
}

func TestInvalidCounterpartClosesWith1008(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, nil)
	c := env.dial(t, "/ws/chat/bob?token=5")
	ce := readClose(t, c)
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != "invalid counterpart" {
		t.Fatalf("close=%d %q, want %d %q", ce.Code, ce.Text, websocket.ClosePolicyViolation, "invalid counterpart")
	}
}

func TestOriginRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, func(cfg *Config) {
		cfg.Origins = origin.NewPolicy([]string{"https://app.example.com"})
	})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(env.url("/ws/chat/9?token=5"), h)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
	if got := env.metrics.Get(metrics.ConnRejectedOrigin); got != 1 {
		t.Fatalf("origin rejections=%d, want 1", got)
	}

	h.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(env.url("/ws/chat/9?token=5"), h)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestAdmissionLimiterReturns429(t *testing.T) {
	lim, err := ratelimit.NewKeyedLimiter(0.001, 1, 16, nil)
	if err != nil {
		t.Fatalf("NewKeyedLimiter: %v", err)
	}
	env := newTestEnv(t, relay.Config{}, func(cfg *Config) { cfg.Admission = lim })

	env.dial(t, "/ws/chat/9?token=5")
	_, resp, err := websocket.DefaultDialer.Dial(env.url("/ws/chat/9?token=5"), nil)
	if err == nil {
		t.Fatalf("expected second dial to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp=%v, want 429", resp)
	}
	if got := env.metrics.Get(metrics.ConnRejectedRateLimit); got != 1 {
		t.Fatalf("rate-limited=%d, want 1", got)
	}
}

func TestTooManyConnectionsClosesWith1013(t *testing.T) {
	env := newTestEnv(t, relay.Config{MaxConnections: 1}, nil)
	env.dial(t, "/ws/chat/9?token=5")
	waitFor(t, "first connection admitted", func() bool { return env.engine.Connections() == 1 })

	c := env.dial(t, "/ws/chat/5?token=9")
	ce := readClose(t, c)
	if ce.Code != websocket.CloseTryAgainLater || ce.Text != "too many connections" {
		t.Fatalf("close=%d %q, want %d %q", ce.Code, ce.Text, websocket.CloseTryAgainLater, "too many connections")
	}
}

func TestRateLimitClosesWith1008(t *testing.T) {
	env := newTestEnv(t, relay.Config{MaxMessagesPerSecond: 2}, nil)
	c := env.dial(t, "/ws/chat/9?token=5")
	waitFor(t, "connection admitted", func() bool { return env.engine.Connections() == 1 })

	for i := 0; i < 3; i++ {
		send(t, c, `{"type":"typing"}`)
	}
	ce := readClose(t, c)
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != "rate limit exceeded" {
		t.Fatalf("close=%d %q, want %d %q", ce.Code, ce.Text, websocket.ClosePolicyViolation, "rate limit exceeded")
	}
	waitFor(t, "connection removed", func() bool { return env.engine.Connections() == 0 })
}

func TestMessageTooLargeCloses(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, func(cfg *Config) { cfg.MaxMessageBytes = 64 })
	c := env.dial(t, "/ws/chat/9?token=5")
	waitFor(t, "connection admitted", func() bool { return env.engine.Connections() == 1 })

	send(t, c, `{"type":"chat","message":"`+strings.Repeat("x", 200)+`"}`)
	ce := readClose(t, c)
	if ce.Code != websocket.CloseMessageTooBig {
		t.Fatalf("close=%d, want %d", ce.Code, websocket.CloseMessageTooBig)
	}
	waitFor(t, "connection removed", func() bool { return env.engine.Connections() == 0 })
}

func TestIdleTimeoutClosesWithoutPong(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, func(cfg *Config) {
		cfg.IdleTimeout = 300 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})
	c := env.dial(t, "/ws/chat/9?token=5")
	c.SetPingHandler(func(string) error { return nil })

	ce := readClose(t, c)
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "idle timeout" {
		t.Fatalf("close=%d %q, want %d %q", ce.Code, ce.Text, websocket.CloseNormalClosure, "idle timeout")
	}
	if got := env.metrics.Get(metrics.ConnIdleTimeout); got != 1 {
		t.Fatalf("idle timeouts=%d, want 1", got)
	}
}

func TestPongsKeepConnectionAlive(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, func(cfg *Config) {
		cfg.IdleTimeout = 300 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})
	c := env.dial(t, "/ws/chat/9?token=5")

	// The default ping handler answers with a pong while ReadMessage runs.
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("connection closed early: %v", err)
	case <-time.After(900 * time.Millisecond):
	}
	if n := env.engine.Connections(); n != 1 {
		t.Fatalf("connections=%d, want 1", n)
	}
}

func TestBinaryMessagesIgnored(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, nil)
	c := env.dial(t, "/ws/chat/9?token=5")
	waitFor(t, "connection admitted", func() bool { return env.engine.Connections() == 1 })

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, c, `{"type":"chat","message":"still here"}`)
	if got := readFrame(t, c); got["message"] != "still here" {
		t.Fatalf("frame=%v", got)
	}
	if got := env.metrics.Get(metrics.FrameMalformed); got != 1 {
		t.Fatalf("malformed=%d, want 1", got)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, nil)
	c5 := env.dial(t, "/ws/chat/9?token=5")
	env.dial(t, "/ws/chat/5?token=9")
	waitFor(t, "both connections admitted", func() bool { return env.engine.Connections() == 2 })

	_ = c5.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = c5.Close()
	waitFor(t, "sender removed", func() bool { return env.engine.Connections() == 1 })
	if got := len(env.engine.MembersOf("5_9")); got != 1 {
		t.Fatalf("members=%d, want 1", got)
	}
}

func TestServerCloseSendsGoingAway(t *testing.T) {
	env := newTestEnv(t, relay.Config{}, nil)
	c := env.dial(t, "/ws/chat/9?token=5")
	waitFor(t, "connection admitted", func() bool { return env.engine.Connections() == 1 })

	env.srv.Close()
	ce := readClose(t, c)
	if ce.Code != websocket.CloseGoingAway || ce.Text != "server shutting down" {
		t.Fatalf("close=%d %q, want %d %q", ce.Code, ce.Text, websocket.CloseGoingAway, "server shutting down")
	}
	waitFor(t, "connections drained", func() bool { return env.srv.Live() == 0 && env.engine.Connections() == 0 })

	c2, _, err := websocket.DefaultDialer.Dial(env.url("/ws/chat/9?token=5"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c2.Close()
	if ce := readClose(t, c2); ce.Code != websocket.CloseGoingAway {
		t.Fatalf("close=%d after shutdown, want %d", ce.Code, websocket.CloseGoingAway)
	}
}

func TestStalledRecipientDoesNotDelaySender(t *testing.T) {
	env := newTestEnv(t, relay.Config{MaxMessagesPerSecond: 10_000}, func(cfg *Config) {
		cfg.IdleTimeout = time.Minute
		cfg.MaxMessageBytes = 1 << 20
		cfg.SendQueueFrames = 2
		cfg.SendQueueBytes = 8 << 20
	})
	c5 := env.dial(t, "/ws/chat/9?token=5")
	_ = env.dial(t, "/ws/chat/5?token=9") // never reads
	waitFor(t, "both connections admitted", func() bool { return env.engine.Connections() == 2 })

	frame := `{"type":"chat","message":"` + strings.Repeat("x", 256<<10) + `"}`
	echo := func() time.Duration {
		t.Helper()
		start := time.Now()
		send(t, c5, frame)
		_ = c5.SetReadDeadline(start.Add(time.Second))
		if _, _, err := c5.ReadMessage(); err != nil {
			t.Fatalf("sender echo after %s: %v", time.Since(start), err)
		}
		return time.Since(start)
	}

	deadline := time.Now().Add(10 * time.Second)
	for env.metrics.Get(metrics.DeliveryFailed) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("recipient queue never overflowed")
		}
		echo()
	}
	if d := echo(); d > time.Second {
		t.Fatalf("echo after delivery failure took %s", d)
	}
	if env.engine.Connections() != 1 {
		t.Fatalf("connections=%d, want 1", env.engine.Connections())
	}
}
