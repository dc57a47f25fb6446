package main

import (
	"fmt"

	persistlog "blockwalker.ai/internal/persistence/log"
	"blockwalker.ai/internal/walker/runtime"
)

type summary struct {
	Runs     int
	Outcomes int
	// Open counts runs with outcomes but no report, e.g. the process was killed mid-run.
	Open int
}

type runTally struct {
	outcomes    int
	visited     int
	unreachable int
	reported    bool
}

// verifyRuns checks journal entries in write order: outcome seqs are contiguous from 0, each
// outcome has a consistent access point, and every report matches the outcomes before it.
func verifyRuns(entries []persistlog.JournalEntry) (summary, error) {
	var sum summary
	runs := map[string]*runTally{}
	get := func(id string) *runTally {
		t, ok := runs[id]
		if !ok {
			t = &runTally{}
			runs[id] = t
		}
		return t
	}

	for i, e := range entries {
		switch e.Type {
		case "outcome":
			o := e.Outcome
			if o == nil {
				return sum, fmt.Errorf("entry %d: outcome without payload", i)
			}
			t := get(o.RunID)
			if t.reported {
				return sum, fmt.Errorf("entry %d: run %s: outcome after report", i, o.RunID)
			}
			if o.Seq != t.outcomes {
				return sum, fmt.Errorf("entry %d: run %s: seq=%d want %d", i, o.RunID, o.Seq, t.outcomes)
			}
			switch o.Result {
			case runtime.ResultVisited:
				if o.AccessPoint == nil {
					return sum, fmt.Errorf("entry %d: run %s: visited %v without access point", i, o.RunID, o.Target)
				}
				t.visited++
			case runtime.ResultUnreachable:
				if o.AccessPoint != nil {
					return sum, fmt.Errorf("entry %d: run %s: unreachable %v with access point", i, o.RunID, o.Target)
				}
				t.unreachable++
			default:
				return sum, fmt.Errorf("entry %d: run %s: unknown result %q", i, o.RunID, o.Result)
			}
			t.outcomes++
			sum.Outcomes++

		case "report":
			r := e.Report
			if r == nil {
				return sum, fmt.Errorf("entry %d: report without payload", i)
			}
			t := get(r.RunID)
			if t.reported {
				return sum, fmt.Errorf("entry %d: run %s reported twice", i, r.RunID)
			}
			t.reported = true
			if r.Visited != t.visited || r.Unreachable != t.unreachable {
				return sum, fmt.Errorf("entry %d: run %s: report visited=%d unreachable=%d, journal has %d/%d",
					i, r.RunID, r.Visited, r.Unreachable, t.visited, t.unreachable)
			}
			done := r.Visited + r.Unreachable
			if r.Status() == "completed" && done != r.Targets {
				return sum, fmt.Errorf("entry %d: run %s completed with %d of %d targets", i, r.RunID, done, r.Targets)
			}
			if done > r.Targets {
				return sum, fmt.Errorf("entry %d: run %s has %d outcomes for %d targets", i, r.RunID, done, r.Targets)
			}
			if e.Status != "" && e.Status != r.Status() {
				return sum, fmt.Errorf("entry %d: run %s: status %q, report says %q", i, r.RunID, e.Status, r.Status())
			}
			sum.Runs++

		default:
			return sum, fmt.Errorf("entry %d: unknown type %q", i, e.Type)
		}
	}
	for _, t := range runs {
		if !t.reported {
			sum.Open++
		}
	}
	return sum, nil
}
