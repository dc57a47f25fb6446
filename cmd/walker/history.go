package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"blockwalker.ai/internal/persistence/indexdb"
	"blockwalker.ai/internal/walker/model"
)

func printHistory(ctx context.Context, out io.Writer, idx *indexdb.SQLiteIndex, n int) {
	runs, err := idx.RecentRuns(ctx, n)
	if err != nil {
		fmt.Fprintf(out, "recent runs: %v\n", err)
		return
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %-9s targets=%d visited=%d unreachable=%d took=%s",
			r.Started.Format(time.RFC3339), r.Status, r.Targets, r.Visited, r.Unreachable,
			r.Finished.Sub(r.Started).Round(time.Millisecond))
		if r.AbortReason != "" {
			fmt.Fprintf(out, " reason=%q", r.AbortReason)
		}
		fmt.Fprintf(out, "  %s\n", r.RunID)
	}

	counts, err := idx.UnreachableCounts(ctx, 10)
	if err != nil {
		fmt.Fprintf(out, "unreachable counts: %v\n", err)
		return
	}
	if len(counts) == 0 {
		return
	}
	cells := make([]model.Vec3i, 0, len(counts))
	for p := range counts {
		cells = append(cells, p)
	}
	sort.Slice(cells, func(i, j int) bool {
		if counts[cells[i]] != counts[cells[j]] {
			return counts[cells[i]] > counts[cells[j]]
		}
		a, b := cells[i], cells[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Z < b.Z
	})
	fmt.Fprintln(out, "most often unreachable:")
	for _, p := range cells {
		fmt.Fprintf(out, "  %s  x%d\n", p, counts[p])
	}
}
