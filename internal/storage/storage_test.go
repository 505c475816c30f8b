package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "taskbell/pkg/logx"
)

func rec(id string, created time.Time) TaskRecord {
	r := created.Add(time.Hour)
	return TaskRecord{ID: id, Title: "task " + id, Priority: "high", Reminder: &r, CreatedAt: created, UpdatedAt: created}
}

func drivers(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "file", "taskbell.db")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "taskbell.db")},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q)=%v,%v want nil,nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}

func TestTasksSurviveReopen(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		name, cfg := name, cfg
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			for i, id := range []string{"b", "a", "c"} {
				if err := st.PutTask(ctx, rec(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
					t.Fatalf("PutTask(%s): %v", id, err)
				}
			}
			done := rec("a", base.Add(time.Minute))
			done.Completed = true
			done.Reminder = nil
			if err := st.PutTask(ctx, done); err != nil {
				t.Fatal(err)
			}
			if err := st.DeleteTask(ctx, "c"); err != nil {
				t.Fatal(err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{Action: "delete", TaskID: "c"}); err != nil {
				t.Fatal(err)
			}
			if err := st.Close(); err != nil {
				t.Fatal(err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err := st.LoadTasks(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
				t.Fatalf("got %+v", got)
			}
			if !got[1].Completed || got[1].Reminder != nil {
				t.Fatalf("update lost: %+v", got[1])
			}
			if got[0].Reminder == nil || !got[0].Reminder.Equal(base.Add(time.Hour)) {
				t.Fatalf("reminder lost: %+v", got[0])
			}
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		name, cfg := name, cfg
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer st.Close()
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatal(err)
			}
			got, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup=%v,%v,%v", got, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatalf("missing key found")
			}
			if err := st.Compact(ctx); err != nil {
				t.Fatalf("Compact: %v", err)
			}
		})
	}
}

func TestFileCompactionFoldsJournal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "tb.db"), CompactEvery: 3}
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := st.PutTask(ctx, rec(id, base)); err != nil {
			t.Fatal(err)
		}
	}
	info, err := os.Stat(filepath.Join(dir, "tb.journal.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("journal not truncated after compaction: %d bytes", info.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "tb.snapshot.json")); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	_ = st.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, _ := st.LoadTasks(ctx)
	if len(got) != 3 {
		t.Fatalf("got %d tasks after reopen", len(got))
	}
}

func TestFileJournalSkipsTornLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	journal := filepath.Join(dir, "tb.journal.jsonl")
	body := `{"op":"put","task":{"id":"a","title":"A","completed":false,"created_at":"2024-06-01T09:00:00Z","updated_at":"2024-06-01T09:00:00Z"}}` + "\n" + `{"op":"put","task":{"id":"b"`
	if err := os.WriteFile(journal, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "tb.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, _ := st.LoadTasks(context.Background())
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got %+v", got)
	}
}
