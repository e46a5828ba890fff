package history

import (
	"testing"
	"time"

	"github.com/chadiek/voxdialog/internal/model"
)

func entry(role model.HistoryRole, text string) model.HistoryEntry {
	return model.HistoryEntry{Role: role, Text: text, Timestamp: time.Now()}
}

func TestLog_AppendAndSnapshot(t *testing.T) {
	l := New()
	l.Append(entry(model.RoleUser, "hi"))
	l.Append(entry(model.RoleAssistant, "hello"))

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}

	// mutating the returned slice must not affect the log's own storage.
	snap[0].Text = "mutated"
	if got := l.Snapshot()[0].Text; got != "hi" {
		t.Fatalf("expected snapshot to be a copy, got %q", got)
	}
}

func TestLog_LastUserText(t *testing.T) {
	l := New()
	if got := l.LastUserText(); got != "" {
		t.Fatalf("expected empty string on empty log, got %q", got)
	}
	l.Append(entry(model.RoleUser, "first"))
	l.Append(entry(model.RoleAssistant, "reply"))
	l.Append(entry(model.RoleUser, "second"))
	if got := l.LastUserText(); got != "second" {
		t.Fatalf("expected most recent user entry, got %q", got)
	}
}

func TestTrimToBudget_NoBudgetReturnsAll(t *testing.T) {
	entries := []model.HistoryEntry{entry(model.RoleUser, "a"), entry(model.RoleAssistant, "b")}
	got := TrimToBudget(entries, 0)
	if len(got) != 2 {
		t.Fatalf("expected all entries with a zero budget, got %d", len(got))
	}
}

func TestTrimToBudget_DropsOldestFirst(t *testing.T) {
	entries := []model.HistoryEntry{
		entry(model.RoleUser, "this is a reasonably long opening message"),
		entry(model.RoleAssistant, "short"),
		entry(model.RoleUser, "final message"),
	}
	got := TrimToBudget(entries, 4)
	if len(got) == 0 {
		t.Fatalf("expected at least the most recent entry to survive")
	}
	if got[len(got)-1].Text != "final message" {
		t.Fatalf("expected the most recent entry to always survive, got %+v", got)
	}
	if len(got) >= len(entries) {
		t.Fatalf("expected a tight budget to drop at least the oldest entry")
	}
}
