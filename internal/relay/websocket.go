package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/voice-relay/internal/identity"
	"github.com/ashureev/voice-relay/internal/journal"
	"github.com/ashureev/voice-relay/internal/llm"
	"github.com/ashureev/voice-relay/internal/segment"
)

const defaultWriteTimeout = 10 * time.Second

// HandlerOptions configure a Handler.
type HandlerOptions struct {
	Provider     string
	SystemPrompt string
	Terminators  string
	// AllowedOrigin is a comma-separated origin list; "*" allows any.
	AllowedOrigin string
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

// Handler accepts WebSocket connections and runs one Session per connection.
type Handler struct {
	backend llm.Backend
	reg     *Registry
	journal journal.Journal
	opts    HandlerOptions
	logger  *slog.Logger
	// active counts ServeHTTP calls that have not finished their teardown.
	active sync.WaitGroup
}

// NewHandler creates a new WebSocket handler.
func NewHandler(backend llm.Backend, reg *Registry, j journal.Journal, opts HandlerOptions) *Handler {
	if j == nil {
		j = journal.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Terminators == "" {
		opts.Terminators = segment.Japanese
	}
	return &Handler{
		backend: backend,
		reg:     reg,
		journal: j,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// connection is the per-client state owned by ServeHTTP.
type connection struct {
	ws      *websocket.Conn
	session *Session
	logger  *slog.Logger
	// inFlight is set when a prompt is handed to the worker and cleared when
	// its final frame goes out or the cycle fails.
	inFlight atomic.Bool
	prompts  chan string
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.active.Add(1)
	defer h.active.Done()

	connID := identity.ConnectionIDFromContext(r.Context())
	if connID == "" {
		connID = identity.NewConnectionID()
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	logger := h.logger.With("conn_id", connID, "session_id", sessionID)
	logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.reg.Register(connID, sessionID, ws)
	defer h.reg.Unregister(connID, ws)

	h.openJournal(r.Context(), journal.Connection{
		ID:         connID,
		SessionID:  sessionID,
		RemoteAddr: identity.IPFromRequest(r),
		Provider:   h.opts.Provider,
		OpenedAt:   time.Now(),
	}, logger)
	defer h.closeJournal(connID, logger)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{
		ws: ws,
		session: NewSession(connID, h.backend, SessionOptions{
			SystemPrompt: h.opts.SystemPrompt,
			Terminators:  h.opts.Terminators,
			Journal:      h.journal,
			Logger:       h.logger,
		}),
		logger: logger,
		// One pending prompt at most: inFlight gates every send.
		prompts: make(chan string, 1),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.promptLoop(ctx, c)
	}()

	h.readLoop(ctx, c)

	// Abort any in-flight completion before waiting for the worker.
	cancel()
	close(c.prompts)
	wg.Wait()
	logger.Info("Client disconnected", "turns", len(c.session.History()))
}

// Wait blocks until every connection accepted by the handler has finished
// its teardown, including the journal write that records its close.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "" {
		return true
	}
	for _, allowed := range strings.Split(h.opts.AllowedOrigin, ",") {
		if allowed = strings.TrimSpace(allowed); allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, c *connection) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				c.logger.Debug("WebSocket closed", "status", websocket.CloseStatus(err))
			} else {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		h.reg.Touch(c.session.ID())

		msg, err := parseInbound(data)
		if err != nil {
			c.logger.Warn("Ignoring invalid frame", "error", err, "frame_length", len(data))
			continue
		}

		switch msg.Type {
		case TypePrompt:
			c.logger.Info("Prompt received", "prompt_length", len(msg.VoicePrompt))
			if !c.inFlight.CompareAndSwap(false, true) {
				c.logger.Warn("Rejecting prompt while another is streaming")
				h.writeJSON(ctx, c, ErrorMessage{Type: TypeError, Error: CodeBusy, Message: ErrBusy.Error()})
				continue
			}
			c.prompts <- msg.VoicePrompt
		case TypePing:
			h.writeJSON(ctx, c, pongMessage{Type: TypePong})
		}
	}
}

func (h *Handler) promptLoop(ctx context.Context, c *connection) {
	for question := range c.prompts {
		if ctx.Err() != nil {
			continue
		}
		h.runPrompt(ctx, c, question)
	}
}

func (h *Handler) runPrompt(ctx context.Context, c *connection, question string) {
	delivered := false
	emit := func(ctx context.Context, s segment.Sentence) error {
		if s.Final {
			// Cleared before the write so a client answering the last
			// frame straight away is never told the relay is busy.
			delivered = true
			c.inFlight.Store(false)
		}
		return h.write(ctx, c, OutboundMessage{Type: TypeText, Token: s.Text, Last: s.Final})
	}

	_, err := c.session.HandlePrompt(ctx, question, emit)
	if !delivered {
		c.inFlight.Store(false)
	}
	if err == nil {
		return
	}

	switch {
	case ctx.Err() != nil, errors.Is(err, ErrDelivery):
		c.logger.Debug("Prompt cycle aborted", "error", err)
	case errors.Is(err, ErrCompletion):
		h.writeJSON(ctx, c, ErrorMessage{Type: TypeError, Error: CodeCompletionFailed, Message: "the language model request failed"})
	default:
		c.logger.Error("Prompt cycle failed", "error", err)
	}
}

// write sends one frame under the configured write timeout.
func (h *Handler) write(ctx context.Context, c *connection, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.ws, v)
}

// writeJSON sends a control frame, logging instead of failing.
func (h *Handler) writeJSON(ctx context.Context, c *connection, v any) {
	if err := h.write(ctx, c, v); err != nil {
		c.logger.Debug("Failed to send frame", "error", err)
	}
}

func (h *Handler) openJournal(ctx context.Context, conn journal.Connection, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()
	if err := h.journal.OpenConnection(ctx, conn); err != nil {
		logger.Warn("Failed to journal connection", "error", err)
	}
}

func (h *Handler) closeJournal(connID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := h.journal.CloseConnection(ctx, connID, time.Now()); err != nil {
		logger.Warn("Failed to journal disconnect", "error", err)
	}
}
