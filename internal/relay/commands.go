package relay

import (
	"strings"

	"github.com/shamspias/whatsapp-voice-gpt/internal/conversation"
)

// Fixed reply texts for the command branch and failure paths.
const (
	// MsgGreeting answers the help command.
	MsgGreeting = "Hello, I am Sonic, your personal assistant. How can I help you today?\n1. /clear to clear old conversation"

	// MsgResetDone confirms a reset that discarded at least one exchange.
	MsgResetDone = "Your chat thread has now been reset. What else can I assist you with today?"

	// MsgResetEmpty answers a reset when there was nothing to discard.
	MsgResetEmpty = "No conversation history to clear. What else can I assist you with today?"

	// MsgApology is the user-facing text for any turn the relay could not
	// complete.
	MsgApology = "Sorry, I could not process that message right now. Please try again in a moment."

	// DefaultPlaceholder is the interim message sent while a completion is
	// pending, unless configuration overrides it.
	DefaultPlaceholder = "⏳ Processing your message…"
)

const (
	resetKeyword = "/clear"
	helpKeyword  = "/start"
)

// Kind is the classification of one inbound turn.
type Kind string

const (
	// KindReset is a request to discard the sender's conversation history.
	KindReset Kind = "reset"

	// KindHelp is a request for the greeting and usage hint.
	KindHelp Kind = "help"

	// KindChat is everything else: free text bound for the model.
	KindChat Kind = "chat"
)

// Classify maps inbound text to a turn kind. Matching is a case-insensitive
// prefix test on the trimmed text, reset before help, so "/CLEAR please" is
// still a reset. Text that matches no keyword is chat, including text that
// merely contains a keyword mid-sentence.
func Classify(text string) Kind {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.HasPrefix(t, resetKeyword):
		return KindReset
	case strings.HasPrefix(t, helpKeyword):
		return KindHelp
	default:
		return KindChat
	}
}

// Commands is the synchronous command branch: command turns resolve entirely
// in-line, never touch the worker queue, and never produce a placeholder.
type Commands struct {
	store *conversation.Store
}

// NewCommands creates a Commands handler over store.
func NewCommands(store *conversation.Store) *Commands {
	return &Commands{store: store}
}

// Handle executes a command turn for userID and returns the reply text.
// Calling it with KindChat is a programming error and returns the apology
// text rather than panicking.
func (c *Commands) Handle(kind Kind, userID string) string {
	switch kind {
	case KindReset:
		if c.store.Reset(userID) {
			return MsgResetDone
		}
		return MsgResetEmpty
	case KindHelp:
		return MsgGreeting
	default:
		return MsgApology
	}
}
