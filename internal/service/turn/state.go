// Package turn tracks the settlement of a single streamed chat turn.
package turn

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Outcome is the terminal classification of a turn.
type Outcome int32

const (
	Pending Outcome = iota
	Committed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// State is shared by the streaming loop and the abort watcher of one turn.
// Exactly one caller of Claim wins; every other claim reports false.
type State struct {
	SessionID     string
	UserMessage   string
	IsNewSession  bool
	UserMessageID string

	outcome atomic.Int32

	mu   sync.Mutex
	text strings.Builder
}

// New starts a pending turn. UserMessageID is a temporary identifier echoed
// in the metadata frame; committed rows receive their own identifiers.
func New(sessionID, userMessage string, isNewSession bool) *State {
	return &State{
		SessionID:     sessionID,
		UserMessage:   userMessage,
		IsNewSession:  isNewSession,
		UserMessageID: "temp-" + uuid.NewString(),
	}
}

// Claim moves the turn from Pending to outcome. It reports whether this
// caller made the transition.
func (s *State) Claim(outcome Outcome) bool {
	if outcome == Pending {
		return false
	}
	return s.outcome.CompareAndSwap(int32(Pending), int32(outcome))
}

// Outcome returns the current outcome.
func (s *State) Outcome() Outcome {
	return Outcome(s.outcome.Load())
}

// Settled reports whether a claim has been made.
func (s *State) Settled() bool {
	return s.Outcome() != Pending
}

// Append adds a forwarded fragment to the accumulated reply.
func (s *State) Append(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(fragment)
}

// Text returns the reply accumulated so far.
func (s *State) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}
