// Package history holds a session's conversation history: a simple
// thread-safe append log plus a token-budgeted view for prompt assembly,
// generalizing the teacher's Session.history []convTurn (guarded ad hoc by
// Session's own mutex) into a reusable component shared by the Orchestrator
// and Reply Pipeline.
package history

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/chadiek/voxdialog/internal/model"
)

// Log is an append-only, thread-safe conversation history.
type Log struct {
	mu      sync.Mutex
	entries []model.HistoryEntry
}

// New returns an empty Log.
func New() *Log {
	return &Log{}
}

// Append adds one entry. Per invariant, callers append exactly once per
// turn regardless of whether it completed or was cancelled.
func (l *Log) Append(e model.HistoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Snapshot copies the full history under a short-lived lock, per the §5
// shared-resource policy for session-private structures.
func (l *Log) Snapshot() []model.HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.HistoryEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// LastUserText returns the text of the most recent user entry, or "" if
// none exists. Used by the carry-over mechanism.
func (l *Log) LastUserText() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Role == model.RoleUser {
			return l.entries[i].Text
		}
	}
	return ""
}

// tokenizerOnce/tokenizer avoid re-loading the BPE rank table per call; cl100k_base
// covers every OpenAI-compatible model this pipeline's LLM providers target.
var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

func getTokenizer() *tiktoken.Tiktoken {
	tokenizerOnce.Do(func() {
		tokenizer, _ = tiktoken.GetEncoding("cl100k_base")
	})
	return tokenizer
}

// countTokens returns the token count of s, or a conservative 1-token-per-4
// -chars estimate if the tokenizer failed to load.
func countTokens(s string) int {
	tk := getTokenizer()
	if tk == nil {
		return (len(s) + 3) / 4
	}
	return len(tk.Encode(s, nil, nil))
}

// TrimToBudget returns the suffix of entries (oldest dropped first, never
// mid-entry) whose total token count is within budget, per the Reply
// Pipeline's history-budget supplement. The stored Log itself is never
// mutated — only this view is truncated.
func TrimToBudget(entries []model.HistoryEntry, budget int) []model.HistoryEntry {
	if budget <= 0 {
		return entries
	}
	total := 0
	counts := make([]int, len(entries))
	for i, e := range entries {
		counts[i] = countTokens(e.Text)
		total += counts[i]
	}
	start := 0
	for total > budget && start < len(entries) {
		total -= counts[start]
		start++
	}
	return entries[start:]
}
