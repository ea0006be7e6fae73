package transcript

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one finalized line of conversation. Immutable once appended.
type Entry struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Preview is the in-progress text of the open turn, updated per fragment.
type Preview struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// DefaultHistoryLimit bounds the display history; oldest entries drop first.
const DefaultHistoryLimit = 6

// Aggregator accumulates streamed transcription fragments per speaker within
// a turn and flushes them into a bounded, append-only history when the remote
// endpoint signals turn completion.
type Aggregator struct {
	limit    int
	onChange func([]Entry, Preview)

	mu               sync.Mutex
	history          []Entry
	pendingUser      strings.Builder
	pendingAssistant strings.Builder
}

// NewAggregator creates an aggregator keeping at most limit history entries.
// onChange fires after every visible mutation and may be nil.
func NewAggregator(limit int, onChange func([]Entry, Preview)) *Aggregator {
	if limit < 1 {
		limit = DefaultHistoryLimit
	}
	return &Aggregator{limit: limit, onChange: onChange}
}

// AppendUserFragment concatenates a streamed user transcription fragment onto
// the open turn.
func (a *Aggregator) AppendUserFragment(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.pendingUser.WriteString(text)
	a.mu.Unlock()
	a.notify()
}

// AppendAssistantFragment concatenates a streamed assistant transcription
// fragment onto the open turn.
func (a *Aggregator) AppendAssistantFragment(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.pendingAssistant.WriteString(text)
	a.mu.Unlock()
	a.notify()
}

// CompleteTurn finalizes the open turn: non-empty accumulators become history
// entries (user first, then assistant) and both accumulators clear. Calling
// with nothing pending is a no-op.
func (a *Aggregator) CompleteTurn() {
	a.mu.Lock()
	user := a.pendingUser.String()
	assistant := a.pendingAssistant.String()
	if user == "" && assistant == "" {
		a.mu.Unlock()
		return
	}
	if user != "" {
		a.appendLocked(Entry{ID: uuid.New().String(), Role: RoleUser, Text: user})
	}
	if assistant != "" {
		a.appendLocked(Entry{ID: uuid.New().String(), Role: RoleAssistant, Text: assistant})
	}
	a.pendingUser.Reset()
	a.pendingAssistant.Reset()
	a.mu.Unlock()
	a.notify()
}

// AppendEntry adds a finalized entry directly, bypassing the accumulators.
// Used for the synthetic welcome line when a session opens.
func (a *Aggregator) AppendEntry(role Role, text string) Entry {
	entry := Entry{ID: uuid.New().String(), Role: role, Text: text}
	a.mu.Lock()
	a.appendLocked(entry)
	a.mu.Unlock()
	a.notify()
	return entry
}

// ClearPending discards the open turn's accumulators without appending,
// e.g. when a session ends mid-turn.
func (a *Aggregator) ClearPending() {
	a.mu.Lock()
	changed := a.pendingUser.Len() > 0 || a.pendingAssistant.Len() > 0
	a.pendingUser.Reset()
	a.pendingAssistant.Reset()
	a.mu.Unlock()
	if changed {
		a.notify()
	}
}

// History returns a copy of the finalized entries, oldest first.
func (a *Aggregator) History() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.history))
	copy(out, a.history)
	return out
}

// Preview returns the open turn's accumulated text.
func (a *Aggregator) Preview() Preview {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Preview{User: a.pendingUser.String(), Assistant: a.pendingAssistant.String()}
}

func (a *Aggregator) appendLocked(entry Entry) {
	a.history = append(a.history, entry)
	if len(a.history) > a.limit {
		a.history = a.history[len(a.history)-a.limit:]
	}
}

func (a *Aggregator) notify() {
	if a.onChange == nil {
		return
	}
	a.onChange(a.History(), a.Preview())
}
