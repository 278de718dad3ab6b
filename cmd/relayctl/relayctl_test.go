package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

func TestMintToken_ResolvesWithJWTAuthenticator(t *testing.T) {
	tok, err := mintToken(tokenOptions{secret: "s3cret", user: "5", kind: "int", claim: "user_id", ttl: time.Hour}, time.Now())
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	id, err := auth.NewJWTAuthenticator("s3cret", "user_id", identity.KindInt).Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != identity.FromInt(5) {
		t.Fatalf("identity=%v, want 5", id)
	}
}

func TestMintToken_Validation(t *testing.T) {
	cases := []tokenOptions{
		{user: "5", kind: "int", ttl: time.Hour},
		{secret: "s", user: "5", kind: "int"},
		{secret: "s", user: "abc", kind: "int", ttl: time.Hour},
		{secret: "s", user: "5", kind: "uuid", ttl: time.Hour},
	}
	for i, opts := range cases {
		if _, err := mintToken(opts, time.Now()); err == nil {
			t.Fatalf("case %d: mintToken succeeded, want error", i)
		}
	}
}

func TestTokenCommand_PrintsToken(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--secret", "s", "--user", "alice", "--kind", "string"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	tok := strings.TrimSpace(out.String())
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("output=%q, want a JWT", tok)
	}
	id, err := auth.NewJWTAuthenticator("s", "", identity.KindString).Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.String() != "alice" {
		t.Fatalf("identity=%q, want alice", id.String())
	}
}

func TestChatURL(t *testing.T) {
	got, err := chatURL("http://127.0.0.1:8080/ws/chat/9/", "tok")
	if err != nil {
		t.Fatalf("chatURL: %v", err)
	}
	if want := "ws://127.0.0.1:8080/ws/chat/9/?token=tok"; got != want {
		t.Fatalf("chatURL=%q, want %q", got, want)
	}
	if _, err := chatURL("ftp://host/ws/chat/9", ""); err == nil {
		t.Fatalf("chatURL accepted ftp scheme")
	}
}

func TestEncodeInput(t *testing.T) {
	frame, ok, err := encodeInput("hello there\r\n")
	if err != nil || !ok {
		t.Fatalf("encodeInput chat: ok=%v err=%v", ok, err)
	}
	var chat map[string]any
	_ = json.Unmarshal(frame, &chat)
	if chat["type"] != "chat" || chat["message"] != "hello there" {
		t.Fatalf("chat frame=%s", frame)
	}

	frame, ok, err = encodeInput(`/signal {"type":"offer","sdp":"v=0"}`)
	if err != nil || !ok {
		t.Fatalf("encodeInput signal: ok=%v err=%v", ok, err)
	}
	var sig map[string]any
	_ = json.Unmarshal(frame, &sig)
	if sig["type"] != "webrtc" {
		t.Fatalf("signal frame=%s", frame)
	}
	if inner, _ := sig["signal"].(map[string]any); inner["type"] != "offer" {
		t.Fatalf("signal frame=%s", frame)
	}

	// The payload is forwarded byte for byte: key order and integers beyond
	// float64 precision survive.
	frame, _, err = encodeInput(`/signal {"z":1,"a":{"n":12345678901234567890}}`)
	if err != nil {
		t.Fatalf("encodeInput signal: %v", err)
	}
	if want := `{"signal":{"z":1,"a":{"n":12345678901234567890}},"type":"webrtc"}`; string(frame) != want {
		t.Fatalf("signal frame=%s, want %s", frame, want)
	}

	if _, _, err := encodeInput(`/signal null`); err == nil {
		t.Fatalf("encodeInput accepted a null signal")
	}
	if _, _, err := encodeInput(`/signal [1,2]`); err == nil {
		t.Fatalf("encodeInput accepted a non-object signal")
	}
	if _, ok, _ := encodeInput("   "); ok {
		t.Fatalf("encodeInput sent a blank line")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunChat_SendsAndPrintsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	inR, inW := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runChat("ws"+strings.TrimPrefix(ts.URL, "http"), "", inR, out) }()

	if _, err := io.WriteString(inW, "hello\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), `"message":"hello"`) {
		if time.Now().After(deadline) {
			t.Fatalf("echo never printed; output=%q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = inW.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runChat: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runChat did not return after stdin closed")
	}
	if !strings.Contains(out.String(), "closed: 1000") {
		t.Fatalf("output=%q, want normal close", out.String())
	}
}

func TestReadLines_StopsWhenDone(t *testing.T) {
	lines := make(chan string)
	done := make(chan struct{})
	close(done)

	exited := make(chan struct{})
	go func() {
		readLines(strings.NewReader("one\ntwo\n"), lines, done)
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatalf("readLines blocked on an abandoned channel")
	}
	if _, ok := <-lines; ok {
		t.Fatalf("lines still open after readLines returned")
	}
}

func TestRunChat_ServerCloseReturnsError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), time.Now().Add(time.Second))
		_, _, _ = c.ReadMessage()
	}))
	defer ts.Close()

	inR, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}
	err := runChat("ws"+strings.TrimPrefix(ts.URL, "http"), "", inR, out)
	if err == nil || !strings.Contains(err.Error(), "1008") {
		t.Fatalf("runChat err=%v, want 1008 close", err)
	}
}

func writeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.log")
	fs, err := store.OpenFileStore(path, false)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	ctx := context.Background()
	for _, m := range []struct {
		from, to int64
		text     string
	}{{5, 9, "hi"}, {5, 11, "elsewhere"}, {9, 5, "hello back"}} {
		if _, err := fs.Save(ctx, identity.FromInt(m.from), identity.FromInt(m.to), m.text); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestHistoryCommand_PrintsConversation(t *testing.T) {
	path := writeLog(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"history", "--store-path", path, "--user", "9", "--with", "5"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output=%q, want 2 lines", out.String())
	}
	if !strings.HasPrefix(lines[0], "#1 ") || !strings.HasSuffix(lines[0], "5 -> 9: hi") {
		t.Fatalf("line 0=%q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "#3 ") || !strings.HasSuffix(lines[1], "9 -> 5: hello back") {
		t.Fatalf("line 1=%q", lines[1])
	}
}

func TestHistoryCommand_JSON(t *testing.T) {
	path := writeLog(t)
	var out bytes.Buffer
	if err := printHistory(&out, historyOptions{storePath: path, user: "5", with: "11", kind: "int", jsonOut: true}); err != nil {
		t.Fatalf("printHistory: %v", err)
	}
	var m store.Message
	if err := json.Unmarshal(out.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", out.String(), err)
	}
	if m.ID != 2 || m.Content != "elsewhere" || m.ReceiverID != identity.FromInt(11) {
		t.Fatalf("message=%+v", m)
	}
}

func TestHistoryCommand_Errors(t *testing.T) {
	cases := []historyOptions{
		{storePath: filepath.Join(t.TempDir(), "absent.log"), user: "5", with: "9", kind: "int"},
		{storePath: "x.log", user: "abc", with: "9", kind: "int"},
		{storePath: "x.log", user: "5", with: "9", kind: "uuid"},
	}
	for i, opts := range cases {
		if err := printHistory(io.Discard, opts); err == nil {
			t.Fatalf("case %d: printHistory succeeded, want error", i)
		}
	}
}
