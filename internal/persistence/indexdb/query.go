package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"blockwalker.ai/internal/walker/model"
	"blockwalker.ai/internal/walker/runtime"
)

type RunRow struct {
	RunID       string
	Region      model.Region
	Started     time.Time
	Finished    time.Time
	Status      string
	Targets     int
	Visited     int
	Unreachable int
	AbortReason string
}

// RecentRuns returns up to limit runs, newest first.
func (s *SQLiteIndex) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,region_json,started_at,finished_at,status,targets,visited,unreachable,COALESCE(abort_reason,'')
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			r                 RunRow
			region            string
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &region, &started, &finished, &r.Status, &r.Targets, &r.Visited, &r.Unreachable, &r.AbortReason); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(region), &r.Region)
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Finished, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Outcomes returns the per-target outcomes of one run in processing order.
func (s *SQLiteIndex) Outcomes(ctx context.Context, runID string) ([]runtime.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq,x,y,z,result,ap_x,ap_y,ap_z,candidates,attempts,path_len,expanded,at
		FROM outcomes WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []runtime.Outcome
	for rows.Next() {
		var (
			o             runtime.Outcome
			result, at    string
			apX, apY, apZ sql.NullInt64
		)
		if err := rows.Scan(&o.Seq, &o.Target.X, &o.Target.Y, &o.Target.Z, &result, &apX, &apY, &apZ, &o.Candidates, &o.Attempts, &o.PathLen, &o.Expanded, &at); err != nil {
			return nil, err
		}
		o.RunID = runID
		o.Result = runtime.Result(result)
		if apX.Valid {
			o.AccessPoint = &model.Vec3i{X: int(apX.Int64), Y: int(apY.Int64), Z: int(apZ.Int64)}
		}
		o.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// UnreachableCounts tallies, per cell, how many runs could not reach it. Cells that are
// never reachable point at structure the walker cannot get to.
func (s *SQLiteIndex) UnreachableCounts(ctx context.Context, limit int) (map[model.Vec3i]int, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT x,y,z,COUNT(*) AS n FROM outcomes WHERE result=?
		GROUP BY x,y,z ORDER BY n DESC LIMIT ?`, string(runtime.ResultUnreachable), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.Vec3i]int{}
	for rows.Next() {
		var (
			p model.Vec3i
			n int
		)
		if err := rows.Scan(&p.X, &p.Y, &p.Z, &n); err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, rows.Err()
}
