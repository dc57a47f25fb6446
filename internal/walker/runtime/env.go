package runtime

import (
	"context"
	"log"
	"time"

	"blockwalker.ai/internal/walker/model"
	"blockwalker.ai/internal/walker/pathfind"
)

// Pose reads the agent's current sub-cell position from the synchronized context.
type Pose interface {
	AgentPose(ctx context.Context) (model.Pose, error)
}

// Executor moves the agent onto a cell. Each call is one step of a path.
type Executor interface {
	MoveTo(ctx context.Context, p model.Vec3i) error
}

// Notifier receives one-way text notices. Implementations must not block.
type Notifier interface {
	Notify(text string)
}

// Env bundles the collaborators a run reads from and acts through.
type Env struct {
	Grid     model.GridView
	Pose     Pose
	Executor Executor
}

// CacheResetter is an optional GridView extension. Every run starts by dropping cached cells.
type CacheResetter interface {
	ResetCache()
}

// Recorder sinks run history (journal, index, metrics). Calls happen on the worker goroutine.
type Recorder interface {
	RecordOutcome(o Outcome)
	RecordReport(r Report)
}

// PlanObserver is an optional Recorder extension notified after every planner call.
type PlanObserver interface {
	ObservePlan(st pathfind.Stats, ok bool)
}

// StepObserver is an optional Recorder extension notified after every failed move.
type StepObserver interface {
	ObserveStepFailure(err error)
}

type Result string

const (
	ResultVisited     Result = "visited"
	ResultUnreachable Result = "unreachable"
)

type Outcome struct {
	RunID       string       `json:"run_id"`
	Seq         int          `json:"seq"`
	Target      model.Vec3i  `json:"target"`
	Result      Result       `json:"result"`
	AccessPoint *model.Vec3i `json:"access_point,omitempty"`
	Candidates  int          `json:"candidates"`
	Attempts    int          `json:"attempts"`
	PathLen     int          `json:"path_len,omitempty"`
	Expanded    int          `json:"expanded"`
	At          time.Time    `json:"at"`
}

type Report struct {
	RunID       string       `json:"run_id"`
	Region      model.Region `json:"region"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished"`
	Targets     int          `json:"targets"`
	Visited     int          `json:"visited"`
	Unreachable int          `json:"unreachable"`
	Cancelled   bool         `json:"cancelled,omitempty"`
	Aborted     bool         `json:"aborted,omitempty"`
	AbortReason string       `json:"abort_reason,omitempty"`
}

// Status summarizes how a run ended.
func (r Report) Status() string {
	switch {
	case r.Aborted:
		return "aborted"
	case r.Cancelled:
		return "cancelled"
	default:
		return "completed"
	}
}

// LogNotifier prints notices to a logger.
type LogNotifier struct {
	L *log.Logger
}

func (n LogNotifier) Notify(text string) {
	if n.L == nil {
		log.Print(text)
		return
	}
	n.L.Print(text)
}

// ChanNotifier forwards notices to a buffered channel, dropping the oldest notice when the
// reader falls behind.
type ChanNotifier struct {
	Out chan string
}

func NewChanNotifier(size int) ChanNotifier {
	if size <= 0 {
		size = 64
	}
	return ChanNotifier{Out: make(chan string, size)}
}

func (n ChanNotifier) Notify(text string) {
	select {
	case n.Out <- text:
		return
	default:
	}
	// Drop one.
	select {
	case <-n.Out:
	default:
	}
	select {
	case n.Out <- text:
	default:
	}
}

// MultiNotifier fans a notice out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(text string) {
	for _, n := range m {
		if n != nil {
			n.Notify(text)
		}
	}
}
