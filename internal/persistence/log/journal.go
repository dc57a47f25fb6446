package log

import (
	"encoding/json"
	"fmt"
	stdlog "log"
	"path/filepath"

	"blockwalker.ai/internal/walker/runtime"
)

// JournalEntry is one line of the run journal.
type JournalEntry struct {
	Type    string           `json:"type"` // "outcome" or "report"
	Outcome *runtime.Outcome `json:"outcome,omitempty"`
	Report  *runtime.Report  `json:"report,omitempty"`
	Status  string           `json:"status,omitempty"`
}

// RunJournal records target outcomes and run reports as compressed JSONL.
type RunJournal struct {
	w   *JSONLZstdWriter
	log *stdlog.Logger
}

func NewRunJournal(dataDir string, logger *stdlog.Logger) *RunJournal {
	if logger == nil {
		logger = stdlog.Default()
	}
	return &RunJournal{w: NewJSONLZstdWriter(filepath.Join(dataDir, "runs"), "runs"), log: logger}
}

func (j *RunJournal) RecordOutcome(o runtime.Outcome) {
	if err := j.w.Write(JournalEntry{Type: "outcome", Outcome: &o}); err != nil {
		j.log.Printf("journal outcome: %v", err)
	}
}

func (j *RunJournal) RecordReport(r runtime.Report) {
	if err := j.w.Write(JournalEntry{Type: "report", Report: &r, Status: r.Status()}); err != nil {
		j.log.Printf("journal report: %v", err)
	}
}

func (j *RunJournal) Close() error { return j.w.Close() }

// ReadJournal loads every entry of one journal file.
func ReadJournal(path string) ([]JournalEntry, error) {
	var out []JournalEntry
	err := ReadJSONL(path, func(line []byte) error {
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("journal %s: %w", path, err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// JournalFiles lists journal files under dataDir in name (chronological) order.
func JournalFiles(dataDir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dataDir, "runs", "runs-*.jsonl.zst"))
}
