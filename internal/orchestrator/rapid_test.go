package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/chadiek/voxdialog/internal/history"
	"github.com/chadiek/voxdialog/internal/model"
)

type rapidLLM struct{ words []string }

func (l *rapidLLM) Generate(ctx context.Context, systemPrompt string, hist []model.HistoryEntry, userText string) (<-chan string, <-chan error) {
	tokens := make(chan string, len(l.words)+1)
	errs := make(chan error)
	for _, w := range l.words {
		tokens <- w + " "
	}
	tokens <- "."
	close(tokens)
	close(errs)
	return tokens, errs
}

type rapidTTS struct{}

func (rapidTTS) Synthesize(ctx context.Context, text string, voice string) (<-chan []byte, <-chan error) {
	audio := make(chan []byte, 1)
	errs := make(chan error)
	audio <- []byte("a")
	close(audio)
	close(errs)
	return audio, errs
}
func (rapidTTS) Format() (string, int) { return "pcm16", 16000 }

// TestOrchestrator_OneActiveTurnAndAccurateHistoryDelta is the
// property-based counterpart to invariants 1-3: at any point at most one
// ReplyTurn is active, and every completed turn appends exactly one
// {user, assistant} pair to history whose assistant text is exactly what
// that turn emitted.
func TestOrchestrator_OneActiveTurnAndAccurateHistoryDelta(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numTurns := rapid.IntRange(1, 5).Draw(rt, "numTurns")
		hist := history.New()
		o := New("sess-1", nil, nil, nil, hist, func(model.OutboundEvent) {}, Settings{}, nil, nil)

		for i := 0; i < numTurns; i++ {
			words := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,6}`), 1, 4).Draw(rt, "words")
			o.llm = &rapidLLM{words: words}
			o.tts = rapidTTS{}

			userText := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "userText")

			before := len(hist.Snapshot())
			o.SubmitText(context.Background(), userText)

			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) && len(hist.Snapshot()) < before+2 {
				time.Sleep(2 * time.Millisecond)
			}

			o.mu.Lock()
			active := o.active
			o.mu.Unlock()
			if active != nil {
				rt.Fatalf("expected no active turn once SubmitText's turn has settled, found %+v", active)
			}

			entries := hist.Snapshot()
			if len(entries) != before+2 {
				rt.Fatalf("expected exactly 2 new history entries per turn, went from %d to %d", before, len(entries))
			}
			userEntry, assistantEntry := entries[before], entries[before+1]
			if userEntry.Role != model.RoleUser || userEntry.Text != userText {
				rt.Fatalf("expected the user entry to carry the submitted text, got %+v", userEntry)
			}
			if assistantEntry.Role != model.RoleAssistant {
				rt.Fatalf("expected the second new entry to be the assistant's, got %+v", assistantEntry)
			}
			wantAssistant := strings.TrimSpace(strings.Join(words, " ") + " .")
			if assistantEntry.Text != wantAssistant {
				rt.Fatalf("expected assistant text %q, got %q", wantAssistant, assistantEntry.Text)
			}
		}
	})
}
