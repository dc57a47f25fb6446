package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"blockwalker.ai/internal/persistence/snapshot"
	"blockwalker.ai/internal/walker/model"
	"blockwalker.ai/internal/walker/runtime"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqOutcome}

	s.RecordOutcome(runtime.Outcome{RunID: "r1", Seq: 1})
	s.RecordReport(runtime.Report{RunID: "r1"})
	s.RecordSnapshot("/tmp/demo.snap.zst", snapshot.SnapshotV1{})

	st := s.Stats()
	if st.DropOutcomeTotal != 1 || st.DropReportTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drop stats=%+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	s.RecordOutcome(runtime.Outcome{})
	s.RecordReport(runtime.Report{})
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if s.Stats() != (Stats{}) {
		t.Fatalf("expected zero stats")
	}
}

func TestSQLiteIndex_RecordsRunsAndOutcomes(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "walker.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	region := model.NewRegion(model.Vec3i{X: -1, Y: -1, Z: -1}, model.Vec3i{X: 1, Y: 1, Z: 1})
	ap := model.Vec3i{X: 0, Y: 0, Z: 1}
	target := model.Vec3i{X: 0, Y: -1, Z: 1}
	far := model.Vec3i{X: 9, Y: 9, Z: 9}

	for _, runID := range []string{"r1", "r2"} {
		s.RecordOutcome(runtime.Outcome{RunID: runID, Seq: 1, Target: target, Result: runtime.ResultVisited, AccessPoint: &ap, Candidates: 4, Attempts: 1, PathLen: 2, Expanded: 3, At: started})
		s.RecordOutcome(runtime.Outcome{RunID: runID, Seq: 2, Target: far, Result: runtime.ResultUnreachable, At: started})
	}
	s.RecordReport(runtime.Report{RunID: "r1", Region: region, Started: started, Finished: started.Add(time.Second), Targets: 2, Visited: 1, Unreachable: 1})
	s.RecordReport(runtime.Report{RunID: "r2", Region: region, Started: started.Add(time.Minute), Finished: started.Add(2 * time.Minute), Targets: 2, Visited: 1, Cancelled: true})
	s.RecordSnapshot("/data/demo.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{WorldID: "demo"}})
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r2" || runs[1].RunID != "r1" {
		t.Fatalf("runs=%+v", runs)
	}
	if runs[0].Status != "cancelled" || runs[1].Status != "completed" {
		t.Fatalf("statuses: %q %q", runs[0].Status, runs[1].Status)
	}
	if runs[1].Region != region || !runs[1].Started.Equal(started) {
		t.Fatalf("run r1=%+v", runs[1])
	}

	outs, err := s.Outcomes(ctx, "r1")
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("outcomes=%+v", outs)
	}
	if outs[0].AccessPoint == nil || *outs[0].AccessPoint != ap || outs[0].Target != target || outs[0].PathLen != 2 {
		t.Fatalf("first outcome=%+v", outs[0])
	}
	if outs[1].AccessPoint != nil || outs[1].Result != runtime.ResultUnreachable {
		t.Fatalf("second outcome=%+v", outs[1])
	}

	counts, err := s.UnreachableCounts(ctx, 10)
	if err != nil {
		t.Fatalf("UnreachableCounts: %v", err)
	}
	if len(counts) != 1 || counts[far] != 2 {
		t.Fatalf("counts=%v", counts)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE world_id='demo'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("snapshots=%d err=%v", n, err)
	}
}
