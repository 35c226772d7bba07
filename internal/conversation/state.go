// Package conversation holds the per-connection turn history.
package conversation

import "sync"

// DefaultSystemInstruction seeds a conversation when none is configured.
const DefaultSystemInstruction = "you are a helpful assistant"

// Role identifies the speaker of a turn.
type Role string

const (
	// RoleSystem carries the instruction the conversation is seeded with.
	RoleSystem Role = "system"
	// RoleUser is a prompt sent by the client.
	RoleUser Role = "user"
	// RoleAssistant is a full reply produced by the backend.
	RoleAssistant Role = "assistant"
)

// Turn is one message in the history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State is an append-only, ordered log of turns for a single connection.
type State struct {
	mu    sync.RWMutex
	turns []Turn
}

// New returns a State seeded with one system turn.
func New(systemInstruction string) *State {
	if systemInstruction == "" {
		systemInstruction = DefaultSystemInstruction
	}
	return &State{
		turns: []Turn{{Role: RoleSystem, Content: systemInstruction}},
	}
}

// AppendUser records a user turn.
func (s *State) AppendUser(text string) {
	s.append(Turn{Role: RoleUser, Content: text})
}

// AppendAssistant records an assistant turn.
func (s *State) AppendAssistant(text string) {
	s.append(Turn{Role: RoleAssistant, Content: text})
}

// AppendExchange records a completed prompt cycle as a user turn followed by
// an assistant turn. Readers never observe one without the other.
func (s *State) AppendExchange(user, assistant string) {
	s.append(
		Turn{Role: RoleUser, Content: user},
		Turn{Role: RoleAssistant, Content: assistant},
	)
}

func (s *State) append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Snapshot returns a copy of the history.
func (s *State) Snapshot() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns, including the system turn.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
