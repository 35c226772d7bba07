package relay

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/voice-relay/internal/conversation"
	"github.com/ashureev/voice-relay/internal/identity"
	"github.com/ashureev/voice-relay/internal/llm"
	"github.com/ashureev/voice-relay/internal/segment"
)

// gatedBackend yields its first fragment, then waits for release before
// yielding the rest.
type gatedBackend struct {
	first, rest string
	release     chan struct{}
	cancelled   chan struct{}
}

func (b *gatedBackend) Name() string { return "gated" }

func (b *gatedBackend) Stream(ctx context.Context, _ []conversation.Turn, _ string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield(b.first, nil) {
			return
		}
		select {
		case <-b.release:
		case <-ctx.Done():
			if b.cancelled != nil {
				close(b.cancelled)
			}
			yield("", ctx.Err())
			return
		}
		yield(b.rest, nil)
	}
}

type frame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
	Error string `json:"error"`
}

func startServer(t *testing.T, backend llm.Backend) (*httptest.Server, *Registry) {
	t.Helper()
	reg := NewRegistry()
	h := NewHandler(backend, reg, nil, HandlerOptions{
		Provider:    "test",
		Terminators: segment.Latin,
	})
	srv := httptest.NewServer(identity.Middleware(h))
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return f
}

func TestHandlerWaitDrainsConnections(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	var tick atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	j := &recordingJournal{}
	h := NewHandler(&scriptedBackend{}, reg, j, HandlerOptions{Terminators: segment.Latin})
	srv := httptest.NewServer(identity.Middleware(h))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	send(t, conn, InboundMessage{Type: TypePing})
	if got := readFrame(t, conn); got.Type != TypePong {
		t.Fatalf("expected pong, got %+v", got)
	}
	reg.mu.RLock()
	if len(reg.active) != 1 {
		t.Errorf("expected one registered connection, got %d", len(reg.active))
	}
	for id, e := range reg.active {
		if !e.lastSeen.After(e.openedAt) {
			t.Errorf("inbound ping did not touch connection %s", id)
		}
	}
	reg.mu.RUnlock()

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait with an open connection = %v, want deadline exceeded", err)
	}

	// Answer the close handshake from the client side.
	go func() { _, _, _ = conn.Read(context.Background()) }()
	reg.CloseAll("server shutting down")

	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if ids := j.closedIDs(); len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected the disconnect journaled before Wait returned, got %v", ids)
	}
}

func TestWebSocketStreamsSentences(t *testing.T) {
	t.Parallel()

	srv, _ := startServer(t, &scriptedBackend{fragments: []string{"Hello", " world. ", "How are you?"}})
	conn := dial(t, srv)

	send(t, conn, InboundMessage{Type: TypePrompt, VoicePrompt: "hi"})

	want := []frame{
		{Type: TypeText, Token: "Hello world."},
		{Type: TypeText, Token: " How are you?", Last: true},
	}
	for i, w := range want {
		if got := readFrame(t, conn); got != w {
			t.Fatalf("frame %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestWebSocketKeepsHistoryPerConnection(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{fragments: []string{"ok"}}
	srv, _ := startServer(t, backend)

	first := dial(t, srv)
	send(t, first, InboundMessage{Type: TypePrompt, VoicePrompt: "one"})
	readFrame(t, first)
	send(t, first, InboundMessage{Type: TypePrompt, VoicePrompt: "two"})
	readFrame(t, first)

	second := dial(t, srv)
	send(t, second, InboundMessage{Type: TypePrompt, VoicePrompt: "three"})
	readFrame(t, second)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.history) != 3 {
		t.Fatalf("expected 3 backend calls, got %d", len(backend.history))
	}
	if len(backend.history[1]) != 3 {
		t.Errorf("second prompt on first connection should see 3 turns, got %d", len(backend.history[1]))
	}
	if len(backend.history[2]) != 1 {
		t.Errorf("new connection should start from the system turn only, got %d", len(backend.history[2]))
	}
}

func TestWebSocketIgnoresInvalidFrames(t *testing.T) {
	t.Parallel()

	srv, _ := startServer(t, &scriptedBackend{fragments: []string{"ok"}})
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	send(t, conn, map[string]string{"type": "unknown"})
	send(t, conn, InboundMessage{Type: TypePrompt})
	send(t, conn, InboundMessage{Type: TypePing})

	if got := readFrame(t, conn); got.Type != TypePong {
		t.Fatalf("expected pong after ignored frames, got %+v", got)
	}

	send(t, conn, InboundMessage{Type: TypePrompt, VoicePrompt: "still alive"})
	if got := readFrame(t, conn); got.Type != TypeText || !got.Last {
		t.Fatalf("expected a reply on the same connection, got %+v", got)
	}
}

func TestWebSocketRejectsOverlappingPrompt(t *testing.T) {
	t.Parallel()

	backend := &gatedBackend{first: "First. ", rest: "Done", release: make(chan struct{})}
	srv, _ := startServer(t, backend)
	conn := dial(t, srv)

	send(t, conn, InboundMessage{Type: TypePrompt, VoicePrompt: "one"})
	if got := readFrame(t, conn); got.Token != "First." || got.Last {
		t.Fatalf("unexpected first frame %+v", got)
	}

	send(t, conn, InboundMessage{Type: TypePrompt, VoicePrompt: "two"})
	if got := readFrame(t, conn); got.Type != TypeError || got.Error != CodeBusy {
		t.Fatalf("expected busy error frame, got %+v", got)
	}

	close(backend.release)
	if got := readFrame(t, conn); got.Token != " Done" || !got.Last {
		t.Fatalf("unexpected final frame %+v", got)
	}

	// The next prompt is accepted once the final frame has been delivered.
	send(t, conn, InboundMessage{Type: TypePrompt, VoicePrompt: "three"})
	if got := readFrame(t, conn); got.Type != TypeText || got.Token != "First." {
		t.Fatalf("expected new cycle to start, got %+v", got)
	}
}

func TestWebSocketCompletionErrorFrame(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{fragments: []string{"Partial. ", "more"}, failAfter: 1, err: errors.New("upstream unavailable")}
	srv, _ := startServer(t, backend)
	conn := dial(t, srv)

	send(t, conn, InboundMessage{Type: TypePrompt, VoicePrompt: "q"})
	if got := readFrame(t, conn); got.Token != "Partial." || got.Last {
		t.Fatalf("expected the sentence completed before the failure, got %+v", got)
	}
	if got := readFrame(t, conn); got.Type != TypeError || got.Error != CodeCompletionFailed {
		t.Fatalf("expected completion_failed frame, got %+v", got)
	}
}

func TestWebSocketDisconnectCancelsBackend(t *testing.T) {
	t.Parallel()

	backend := &gatedBackend{
		first:     "Start. ",
		rest:      "never",
		release:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	srv, reg := startServer(t, backend)
	conn := dial(t, srv)

	send(t, conn, InboundMessage{Type: TypePrompt, VoicePrompt: "q"})
	readFrame(t, conn)
	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Logf("close returned %v", err)
	}

	select {
	case <-backend.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("backend call was not cancelled after disconnect")
	}

	deadline := time.Now().Add(5 * time.Second)
	for reg.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered after disconnect: %d", reg.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	h := NewHandler(&llm.EchoBackend{}, NewRegistry(), nil, HandlerOptions{AllowedOrigin: "https://app.example, https://other.example"})
	tests := map[string]bool{
		"":                      true,
		"https://app.example":   true,
		"https://other.example": true,
		"https://evil.example":  false,
	}
	for origin, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := h.checkOrigin(r); got != want {
			t.Errorf("checkOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}
