// Package conversation implements the in-memory per-user dialogue store.
//
// Each user has a bounded list of paired Exchange records (one user message
// plus, once the completion arrives, its reply). Pairing is explicit: every
// appended turn gets a TurnID, and a reply is recorded against that id, never
// against "the next free slot". A turn whose completion fails is closed as
// failed and can never absorb a later reply, so overlapping turns that finish
// out of order still pair each reply with its own prompt.
//
// Concurrency: the user map is guarded by an RWMutex; each user's history
// carries its own mutex, so turns for the same user serialize while distinct
// users proceed fully in parallel. Nothing is persisted; history is lost on
// process restart.
package conversation

import (
	"log/slog"
	"sync"

	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm"
)

// maxExchanges bounds the number of retained turns per user, counting the
// pending (unanswered) one. When a new turn would exceed the bound, the
// oldest exchange is evicted, never the newest.
const maxExchanges = 9

// TurnID identifies one exchange within a user's history. Ids are assigned
// by AppendTurn and are unique per user for the lifetime of the process.
// The zero value never names a turn.
type TurnID uint64

// Exchange is one user message and its eventual reply.
type Exchange struct {
	// Prompt is the user's message text.
	Prompt string

	// Reply is the assistant's reply. Meaningful only when Answered is true.
	Reply string

	// Answered reports whether Reply has been recorded.
	Answered bool

	// Failed reports that the turn was closed without a reply. A failed
	// exchange never becomes answered.
	Failed bool

	id TurnID
}

// history is the per-user state. Its mutex serializes all mutations for one
// user identifier.
type history struct {
	mu        sync.Mutex
	seq       TurnID
	exchanges []Exchange
}

// Store holds bounded conversation history for every known user.
// All methods are safe for concurrent use; operations on distinct users
// never contend on a shared lock beyond the brief map lookup.
type Store struct {
	systemPrompt string

	mu    sync.RWMutex
	users map[string]*history
}

// NewStore creates an empty Store. systemPrompt is the fixed instruction
// placed first in every prompt context assembled by AppendTurn.
func NewStore(systemPrompt string) *Store {
	return &Store{
		systemPrompt: systemPrompt,
		users:        make(map[string]*history),
	}
}

// user returns the history for userID, creating it lazily.
func (s *Store) user(userID string) *history {
	s.mu.RLock()
	h, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.users[userID]; ok {
		return h
	}
	h = &history{}
	s.users[userID] = h
	return h
}

// AppendTurn records a new incoming message for userID, evicting the oldest
// exchange when the bound is reached. It returns the prompt context for the
// completion collaborator (the system instruction, then every answered
// user/assistant pair in chronological order, then the new message) and the
// id of the new turn, which RecordReply and Abandon address later.
//
// Prior exchanges without a reply (pending or failed) occupy no slot in the
// prompt.
func (s *Store) AppendTurn(userID, text string) ([]llm.Message, TurnID) {
	h := s.user(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(h.exchanges) >= maxExchanges {
		h.exchanges = h.exchanges[1:]
	}
	h.seq++
	h.exchanges = append(h.exchanges, Exchange{Prompt: text, id: h.seq})

	msgs := make([]llm.Message, 0, 2*len(h.exchanges)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: s.systemPrompt})
	for _, ex := range h.exchanges[:len(h.exchanges)-1] {
		if !ex.Answered {
			continue
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: ex.Prompt},
			llm.Message{Role: llm.RoleAssistant, Content: ex.Reply},
		)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	return msgs, h.seq
}

// RecordReply attaches replyText to the exchange that turn names. A reply
// for a turn that was evicted, already answered, or closed as failed is
// logged and dropped; it never fills a different exchange.
func (s *Store) RecordReply(userID string, turn TurnID, replyText string) {
	h := s.user(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.exchanges {
		if h.exchanges[i].id != turn {
			continue
		}
		if h.exchanges[i].Answered || h.exchanges[i].Failed {
			slog.Warn("conversation: reply for closed turn dropped",
				"user_id", userID, "turn_id", uint64(turn))
			return
		}
		h.exchanges[i].Reply = replyText
		h.exchanges[i].Answered = true
		return
	}
	slog.Warn("conversation: reply for unknown or evicted turn dropped",
		"user_id", userID, "turn_id", uint64(turn))
}

// Abandon closes the exchange that turn names without a reply, after a
// failed or aborted completion. The prompt stays in history as a failed
// exchange and is excluded from later prompt contexts. Abandoning an
// answered, evicted, or unknown turn is a no-op.
func (s *Store) Abandon(userID string, turn TurnID) {
	h := s.user(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.exchanges {
		if h.exchanges[i].id != turn {
			continue
		}
		if !h.exchanges[i].Answered {
			h.exchanges[i].Failed = true
		}
		return
	}
}

// Reset clears the history for userID and reports whether there was at
// least one exchange to clear. The entry itself survives, so a user who
// resets and keeps chatting reuses the same slot.
func (s *Store) Reset(userID string) bool {
	s.mu.RLock()
	h, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	had := len(h.exchanges) > 0
	h.exchanges = nil
	return had
}

// History returns a snapshot of userID's exchanges in chronological order.
// The returned slice is a copy; mutating it does not affect the store.
func (s *Store) History(userID string) []Exchange {
	s.mu.RLock()
	h, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Exchange, len(h.exchanges))
	copy(out, h.exchanges)
	return out
}
