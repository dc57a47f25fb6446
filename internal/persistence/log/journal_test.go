package log

import (
	"io"
	stdlog "log"
	"path/filepath"
	"testing"
	"time"

	"blockwalker.ai/internal/walker/model"
	"blockwalker.ai/internal/walker/runtime"
)

func TestRunJournal_WritesAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	j := NewRunJournal(dir, stdlog.New(io.Discard, "", 0))
	fixed := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	j.w.now = func() time.Time { return fixed }

	ap := model.Vec3i{X: 0, Y: 0, Z: 1}
	j.RecordOutcome(runtime.Outcome{RunID: "r1", Seq: 1, Target: model.Vec3i{Y: -1, Z: 1}, Result: runtime.ResultVisited, AccessPoint: &ap, Candidates: 4, Attempts: 1, PathLen: 2})
	j.RecordOutcome(runtime.Outcome{RunID: "r1", Seq: 2, Target: model.Vec3i{X: 9}, Result: runtime.ResultUnreachable})
	j.RecordReport(runtime.Report{RunID: "r1", Targets: 2, Visited: 1, Unreachable: 1})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := JournalFiles(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	if filepath.Base(files[0]) != "runs-2026-03-01-10.jsonl.zst" {
		t.Fatalf("file name=%s", files[0])
	}
	entries, err := ReadJournal(files[0])
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries=%d want 3", len(entries))
	}
	if e := entries[0]; e.Type != "outcome" || e.Outcome == nil || e.Outcome.AccessPoint == nil || *e.Outcome.AccessPoint != ap {
		t.Fatalf("first entry=%+v", e)
	}
	if e := entries[2]; e.Type != "report" || e.Status != "completed" || e.Report.Visited != 1 {
		t.Fatalf("last entry=%+v", e)
	}
}

func TestJSONLZstdWriter_RotatesHourlyAndAppends(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w := NewJSONLZstdWriter(dir, "runs")
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A second session appends a new frame to the same hour file.
	w2 := NewJSONLZstdWriter(dir, "runs")
	w2.now = func() time.Time { return now }
	if err := w2.Write(map[string]int{"n": 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := func(name string) int {
		n := 0
		if err := ReadJSONL(filepath.Join(dir, name), func([]byte) error { n++; return nil }); err != nil {
			t.Fatalf("ReadJSONL %s: %v", name, err)
		}
		return n
	}
	if got := lines("runs-2026-03-01-10.jsonl.zst"); got != 1 {
		t.Fatalf("hour 10 lines=%d want 1", got)
	}
	if got := lines("runs-2026-03-01-11.jsonl.zst"); got != 2 {
		t.Fatalf("hour 11 lines=%d want 2", got)
	}
}
