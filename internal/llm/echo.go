package llm

import (
	"context"
	"iter"
	"time"
	"unicode/utf8"

	"github.com/ashureev/voice-relay/internal/conversation"
)

// EchoBackend streams the prompt back in small chunks. It needs no
// credentials and is meant for local development.
type EchoBackend struct {
	// ChunkRunes is the number of runes per fragment.
	ChunkRunes int
	// Delay is slept before each fragment to mimic a remote stream.
	Delay time.Duration
}

func newEchoFactory(_ context.Context, _ Options) (Backend, error) {
	return &EchoBackend{ChunkRunes: 4, Delay: 20 * time.Millisecond}, nil
}

// Name implements Backend.
func (b *EchoBackend) Name() string {
	return "Echo"
}

// Stream implements Backend.
func (b *EchoBackend) Stream(ctx context.Context, _ []conversation.Turn, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		size := b.ChunkRunes
		if size <= 0 {
			size = 1
		}
		for len(prompt) > 0 {
			end, n := 0, 0
			for end < len(prompt) && n < size {
				_, w := utf8.DecodeRuneInString(prompt[end:])
				end += w
				n++
			}
			if err := sleepCtx(ctx, b.Delay); err != nil {
				yield("", err)
				return
			}
			if !yield(prompt[:end], nil) {
				return
			}
			prompt = prompt[end:]
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
