// Package relay streams LLM replies to WebSocket clients sentence by sentence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/voice-relay/internal/conversation"
	"github.com/ashureev/voice-relay/internal/journal"
	"github.com/ashureev/voice-relay/internal/llm"
	"github.com/ashureev/voice-relay/internal/segment"
)

var (
	// ErrBusy is returned when a prompt arrives while another is streaming.
	ErrBusy = errors.New("prompt already in progress")
	// ErrCompletion wraps failures reported by the backend.
	ErrCompletion = errors.New("completion failed")
	// ErrDelivery wraps failures sending a sentence to the client.
	ErrDelivery = errors.New("delivery failed")
)

const journalTimeout = 5 * time.Second

// Emitter delivers one sentence to the client.
type Emitter func(ctx context.Context, s segment.Sentence) error

// SessionOptions configure a Session.
type SessionOptions struct {
	SystemPrompt string
	Terminators  string
	Journal      journal.Journal
	Logger       *slog.Logger
}

// Session binds one conversation to one backend and runs prompt cycles
// against it. A session handles one prompt at a time.
type Session struct {
	id          string
	backend     llm.Backend
	state       *conversation.State
	terminators string
	journal     journal.Journal
	logger      *slog.Logger
	streaming   atomic.Bool
}

// NewSession creates a session with a freshly seeded conversation.
func NewSession(id string, backend llm.Backend, opts SessionOptions) *Session {
	if opts.Journal == nil {
		opts.Journal = journal.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	terminators := opts.Terminators
	if terminators == "" {
		terminators = segment.Japanese
	}
	return &Session{
		id:          id,
		backend:     backend,
		state:       conversation.New(opts.SystemPrompt),
		terminators: terminators,
		journal:     opts.Journal,
		logger:      opts.Logger.With("conn_id", id),
	}
}

// ID returns the connection id the session belongs to.
func (s *Session) ID() string {
	return s.id
}

// State returns the conversation owned by the session.
func (s *Session) State() *conversation.State {
	return s.state
}

// History returns a snapshot of the conversation.
func (s *Session) History() []conversation.Turn {
	return s.state.Snapshot()
}

// Streaming reports whether a prompt cycle is in progress.
func (s *Session) Streaming() bool {
	return s.streaming.Load()
}

// HandlePrompt runs one prompt cycle: it streams the backend's reply for
// question, emits every sentence as soon as it is complete, emits exactly one
// final sentence, and then commits the question and the full reply to the
// conversation. On any failure nothing is committed; sentences emitted before
// the failure stay delivered. It returns the full reply.
func (s *Session) HandlePrompt(ctx context.Context, question string, emit Emitter) (string, error) {
	if !s.streaming.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer s.streaming.Store(false)

	started := time.Now()
	reply, sentences, err := s.stream(ctx, question, emit)
	entry := journal.Exchange{
		ConnectionID: s.id,
		Prompt:       question,
		Reply:        reply,
		Sentences:    sentences,
		StartedAt:    started,
		Duration:     time.Since(started),
		Status:       journal.StatusOK,
	}
	if err != nil {
		entry.Status = journal.StatusAborted
		if errors.Is(err, ErrCompletion) && ctx.Err() == nil {
			entry.Status = journal.StatusFailed
		}
		entry.Error = err.Error()
		s.record(ctx, entry)
		return "", err
	}

	s.state.AppendExchange(question, reply)
	s.record(ctx, entry)
	s.logger.Info("Prompt cycle complete",
		"sentences", sentences,
		"reply_length", len(reply),
		"duration", entry.Duration,
		"turns", s.state.Len(),
	)
	return reply, nil
}

func (s *Session) stream(ctx context.Context, question string, emit Emitter) (string, int, error) {
	seg := segment.New(s.terminators)
	var reply strings.Builder
	sentences := 0

	send := func(sentence segment.Sentence) error {
		s.logger.Debug("Sending sentence", "text", sentence.Text, "last", sentence.Final)
		if err := emit(ctx, sentence); err != nil {
			return fmt.Errorf("%w: %w", ErrDelivery, err)
		}
		sentences++
		return nil
	}

	for fragment, err := range s.backend.Stream(ctx, s.state.Snapshot(), question) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return reply.String(), sentences, ctxErr
			}
			s.logger.Error("Backend stream failed", "backend", s.backend.Name(), "error", err)
			return reply.String(), sentences, fmt.Errorf("%w: %w", ErrCompletion, err)
		}
		reply.WriteString(fragment)
		for _, sentence := range seg.Push(fragment) {
			if err := send(sentence); err != nil {
				return reply.String(), sentences, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return reply.String(), sentences, err
	}

	// Every cycle ends with exactly one final sentence, empty when the
	// backend produced no text.
	final, _ := seg.Flush()
	if err := send(final); err != nil {
		return reply.String(), sentences, err
	}
	return reply.String(), sentences, nil
}

func (s *Session) record(ctx context.Context, e journal.Exchange) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := s.journal.RecordExchange(recordCtx, e); err != nil {
		s.logger.Warn("Failed to record exchange", "error", err)
	}
}
