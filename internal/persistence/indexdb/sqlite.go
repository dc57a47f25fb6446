package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"blockwalker.ai/internal/persistence/snapshot"
	"blockwalker.ai/internal/walker/runtime"
)

// SQLiteIndex is a queryable secondary index of walker runs. Writes are queued to a single
// writer goroutine and dropped when the queue is full; the run journal stays the source of
// truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropOutcome  atomic.Uint64
	dropReport   atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqOutcome reqKind = iota + 1
	reqReport
	reqSnapshot
	reqSync
)

type req struct {
	kind reqKind

	outcome  runtime.Outcome
	report   runtime.Report
	snapshot snapshotRow
	done     chan struct{}
}

type snapshotRow struct {
	Path    string
	WorldID string
	SavedAt int64
	Chunks  int
	Agents  int
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropOutcomeTotal  uint64
	DropReportTotal   uint64
	DropSnapshotTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			region_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			status TEXT NOT NULL,
			targets INTEGER NOT NULL,
			visited INTEGER NOT NULL,
			unreachable INTEGER NOT NULL,
			abort_reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			result TEXT NOT NULL,
			ap_x INTEGER,
			ap_y INTEGER,
			ap_z INTEGER,
			candidates INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			path_len INTEGER NOT NULL,
			expanded INTEGER NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_pos ON outcomes(x, z, y);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			saved_at INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			agents INTEGER NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordOutcome(o runtime.Outcome) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqOutcome, outcome: o}, &s.dropOutcome)
}

func (s *SQLiteIndex) RecordReport(r runtime.Report) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqReport, report: r}, &s.dropReport)
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	r := snapshotRow{
		Path:    path,
		WorldID: snap.Header.WorldID,
		SavedAt: snap.Header.SavedAt,
		Chunks:  len(snap.Chunks),
		Agents:  len(snap.Agents),
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: r}, &s.dropSnapshot)
}

// Sync blocks until every write queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropOutcomeTotal:  s.dropOutcome.Load(),
		DropReportTotal:   s.dropReport.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	insertOutcome, _ := s.db.Prepare(`INSERT OR REPLACE INTO outcomes(run_id,seq,x,y,z,result,ap_x,ap_y,ap_z,candidates,attempts,path_len,expanded,at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,region_json,started_at,finished_at,status,targets,visited,unreachable,abort_reason) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(path,world_id,saved_at,chunks,agents) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertOutcome, insertRun, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqOutcome:
			o := r.outcome
			var apX, apY, apZ any
			if o.AccessPoint != nil {
				apX, apY, apZ = o.AccessPoint.X, o.AccessPoint.Y, o.AccessPoint.Z
			}
			exec(insertOutcome,
				o.RunID, o.Seq,
				o.Target.X, o.Target.Y, o.Target.Z,
				string(o.Result),
				apX, apY, apZ,
				o.Candidates, o.Attempts, o.PathLen, o.Expanded,
				o.At.UTC().Format(time.RFC3339Nano),
			)

		case reqReport:
			rep := r.report
			region, _ := json.Marshal(rep.Region)
			exec(insertRun,
				rep.RunID,
				string(region),
				rep.Started.UTC().Format(time.RFC3339Nano),
				rep.Finished.UTC().Format(time.RFC3339Nano),
				rep.Status(),
				rep.Targets, rep.Visited, rep.Unreachable,
				rep.AbortReason,
			)
			// A finished run is a natural commit point.
			commit()

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.Path, sn.WorldID, sn.SavedAt, sn.Chunks, sn.Agents)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
