package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"blockwalker.ai/internal/walker/model"
	"blockwalker.ai/internal/walker/pathfind"
	"blockwalker.ai/internal/walker/scan"
	"blockwalker.ai/internal/walker/standing"
	"blockwalker.ai/internal/walker/tuning"
)

type Config struct {
	Region       model.Region
	MaxDrop      int
	IterationCap int
	Metric       pathfind.Metric

	InterTargetDelay time.Duration
	PerStepTimeout   time.Duration
	StepDelay        time.Duration

	StartToken   string
	StopToken    string
	NoticePrefix string
}

func ConfigFromTuning(w tuning.Walker) Config {
	metric := pathfind.MetricSquared
	if w.StepCost == "euclidean" {
		metric = pathfind.MetricEuclidean
	}
	return Config{
		Region:           w.Region.Region(),
		MaxDrop:          w.MaxDrop,
		IterationCap:     w.IterationCap,
		Metric:           metric,
		InterTargetDelay: w.InterTargetDelay(),
		PerStepTimeout:   w.PerStepTimeout(),
		StepDelay:        w.StepDelay(),
		StartToken:       w.StartToken,
		StopToken:        w.StopToken,
		NoticePrefix:     w.NoticePrefix,
	}
}

type State int32

const (
	StateIdle State = iota
	StateScanning
	StateProcessingTargets
	StateFindingAccess
	StatePlanning
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateProcessingTargets:
		return "processing_targets"
	case StateFindingAccess:
		return "finding_access"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	default:
		return "idle"
	}
}

// Controller sequences runs: scan, order, plan, execute, report. At most one run is active.
// Cancellation is cooperative: the run flag is polled before every target and every step.
type Controller struct {
	cfg       Config
	env       Env
	notifier  Notifier
	log       *log.Logger
	recorders []Recorder

	// active is held for the whole lifetime of the worker goroutine; running is the
	// cancellation flag the worker polls.
	active  atomic.Bool
	running atomic.Bool
	state   atomic.Int32

	mu   sync.Mutex
	cur  *runHandle
	last *Report
}

type runHandle struct {
	id   string
	wake chan struct{}
	once sync.Once
	done chan struct{}
}

func (h *runHandle) interrupt() { h.once.Do(func() { close(h.wake) }) }

func NewController(cfg Config, env Env, notifier Notifier, logger *log.Logger, recorders ...Recorder) *Controller {
	if cfg.StartToken == "" {
		cfg.StartToken = ".start"
	}
	if logger == nil {
		logger = log.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{L: logger}
	}
	return &Controller{
		cfg:       cfg,
		env:       env,
		notifier:  notifier,
		log:       logger,
		recorders: recorders,
	}
}

// HandleCommand interprets one line of user input. It reports whether the line was a
// recognized command.
func (c *Controller) HandleCommand(ctx context.Context, line string) bool {
	switch strings.TrimSpace(line) {
	case c.cfg.StartToken:
		c.Start(ctx)
		return true
	case "":
		return false
	case c.cfg.StopToken:
		c.Stop()
		return true
	}
	return false
}

// Start launches a run unless one is already active. It returns false when a run is active.
func (c *Controller) Start(ctx context.Context) bool {
	if !c.active.CompareAndSwap(false, true) {
		return false
	}
	h := &runHandle{
		id:   uuid.NewString(),
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
	// Set the flag before publishing the handle so a Stop that sees h also clears it.
	c.running.Store(true)
	c.mu.Lock()
	c.cur = h
	c.mu.Unlock()

	go c.run(ctx, h)
	return true
}

// Stop clears the run flag. The active run finishes its current A* call or step and exits.
func (c *Controller) Stop() {
	c.running.Store(false)
	c.mu.Lock()
	h := c.cur
	c.mu.Unlock()
	if h != nil {
		h.interrupt()
	}
}

// Running reports whether a run is active.
func (c *Controller) Running() bool { return c.active.Load() }

func (c *Controller) State() State { return State(c.state.Load()) }

// Wait blocks until the active run (if any) has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	h := c.cur
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastReport returns the report of the most recently finished run.
func (c *Controller) LastReport() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

func (c *Controller) notice(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.cfg.NoticePrefix != "" {
		msg = c.cfg.NoticePrefix + " " + msg
	}
	c.notifier.Notify(msg)
}

func (c *Controller) run(ctx context.Context, h *runHandle) {
	rep := Report{RunID: h.id, Region: c.cfg.Region, Started: time.Now().UTC()}
	defer func() {
		rep.Finished = time.Now().UTC()
		c.setState(StateIdle)
		c.running.Store(false)
		c.notice("finished/stop.")
		for _, r := range c.recorders {
			r.RecordReport(rep)
		}
		c.log.Printf("run %s %s: targets=%d visited=%d unreachable=%d", rep.RunID, rep.Status(), rep.Targets, rep.Visited, rep.Unreachable)
		c.mu.Lock()
		c.last = &rep
		c.mu.Unlock()
		c.active.Store(false)
		close(h.done)
	}()

	c.setState(StateScanning)
	c.notice("starting scan...")

	grid := timeoutGrid{g: c.env.Grid, timeout: c.cfg.PerStepTimeout}
	pose, err := c.agentPose(ctx)
	if err != nil || c.env.Grid == nil || c.env.Executor == nil {
		if err == nil {
			err = fmt.Errorf("missing grid or executor: %w", model.ErrUnavailable)
		}
		rep.Aborted = true
		rep.AbortReason = err.Error()
		c.notice("environment unavailable: %v", err)
		return
	}

	if cr, ok := c.env.Grid.(CacheResetter); ok {
		cr.ResetCache()
	}
	targets := scan.Scan(ctx, grid, c.cfg.Region)
	sortByPose(targets, pose)
	rep.Targets = len(targets)
	c.log.Printf("run %s: %d targets in %v..%v", h.id, len(targets), c.cfg.Region.Min, c.cfg.Region.Max)

	planner := pathfind.New(standing.New(grid, c.cfg.Region), c.cfg.MaxDrop, c.cfg.IterationCap)
	planner.Metric = c.cfg.Metric

	c.setState(StateProcessingTargets)
	for i, target := range targets {
		if !c.running.Load() || ctx.Err() != nil {
			rep.Cancelled = true
			return
		}
		out, err := c.visit(ctx, h, planner, target)
		if err != nil {
			if errors.Is(err, errCancelled) {
				rep.Cancelled = true
				return
			}
			rep.Aborted = true
			rep.AbortReason = err.Error()
			c.notice("environment unavailable: %v", err)
			return
		}
		out.Seq = i
		switch out.Result {
		case ResultVisited:
			rep.Visited++
			c.notice("visited %s", target)
		default:
			rep.Unreachable++
			c.notice("unreachable: %s", target)
		}
		for _, r := range c.recorders {
			r.RecordOutcome(out)
		}
		c.setState(StateProcessingTargets)
		if i < len(targets)-1 {
			c.pause(ctx, h, c.cfg.InterTargetDelay)
		}
	}
}

var errCancelled = errors.New("run cancelled")

// visit tries the access points of one target nearest-first until a planned path is walked
// to its end. Only cancellation and an unavailable environment end it with an error.
func (c *Controller) visit(ctx context.Context, h *runHandle, planner *pathfind.Planner, target model.Vec3i) (Outcome, error) {
	out := Outcome{RunID: h.id, Target: target, Result: ResultUnreachable}

	c.setState(StateFindingAccess)
	pose, err := c.agentPose(ctx)
	if err != nil {
		if errors.Is(err, model.ErrUnavailable) {
			return out, err
		}
		c.log.Printf("run %s: pose for %v: %v", h.id, target, err)
		out.At = time.Now().UTC()
		return out, nil
	}
	access := planner.Rule.AccessPoints(ctx, target)
	sortByPose(access, pose)
	out.Candidates = len(access)

	for _, ap := range access {
		if !c.running.Load() {
			return out, errCancelled
		}
		if out.Attempts > 0 {
			// Earlier attempts may have moved the agent part way.
			if p, err := c.agentPose(ctx); err == nil {
				pose = p
			} else if errors.Is(err, model.ErrUnavailable) {
				return out, err
			}
		}
		out.Attempts++

		c.setState(StatePlanning)
		path, st, ok := planner.FindPath(ctx, pose.Cell(), ap)
		out.Expanded += st.Expanded
		for _, r := range c.recorders {
			if po, isPO := r.(PlanObserver); isPO {
				po.ObservePlan(st, ok)
			}
		}
		if !ok {
			continue
		}

		c.setState(StateExecuting)
		done, err := c.followPath(ctx, h, path)
		if err != nil {
			return out, err
		}
		if done {
			out.Result = ResultVisited
			out.AccessPoint = &ap
			out.PathLen = len(path)
			out.At = time.Now().UTC()
			return out, nil
		}
	}
	if !c.running.Load() {
		return out, errCancelled
	}
	out.At = time.Now().UTC()
	return out, nil
}

// followPath moves through path one step at a time. A failed or timed-out step abandons the
// path (false, nil); a cleared run flag returns errCancelled.
func (c *Controller) followPath(ctx context.Context, h *runHandle, path model.Path) (bool, error) {
	for _, step := range path {
		if !c.running.Load() || ctx.Err() != nil {
			return false, errCancelled
		}
		sctx, cancel := c.stepContext(ctx)
		err := c.env.Executor.MoveTo(sctx, step)
		cancel()
		if err != nil {
			for _, r := range c.recorders {
				if so, ok := r.(StepObserver); ok {
					so.ObserveStepFailure(err)
				}
			}
			if errors.Is(err, model.ErrUnavailable) {
				return false, err
			}
			c.log.Printf("run %s: move to %v: %v", h.id, step, err)
			return false, nil
		}
		c.pause(ctx, h, c.cfg.StepDelay)
	}
	return true, nil
}

func (c *Controller) agentPose(ctx context.Context) (model.Pose, error) {
	if c.env.Pose == nil {
		return model.Pose{}, fmt.Errorf("no agent: %w", model.ErrUnavailable)
	}
	sctx, cancel := c.stepContext(ctx)
	defer cancel()
	return c.env.Pose.AgentPose(sctx)
}

func (c *Controller) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.PerStepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.PerStepTimeout)
}

// pause sleeps for d unless the run is stopped or ctx ends first.
func (c *Controller) pause(ctx context.Context, h *runHandle, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-h.wake:
	case <-ctx.Done():
	}
}

// timeoutGrid bounds every lookup by the per-step timeout.
type timeoutGrid struct {
	g       model.GridView
	timeout time.Duration
}

func (t timeoutGrid) CellKindAt(ctx context.Context, p model.Vec3i) (model.CellKind, error) {
	if t.g == nil {
		return model.CellUnknown, model.ErrUnavailable
	}
	if t.timeout <= 0 {
		return t.g.CellKindAt(ctx, p)
	}
	sctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.g.CellKindAt(sctx, p)
}

// DistSqToPose measures from the agent to the base centre of cell c.
func DistSqToPose(pose model.Pose, c model.Vec3i) float64 {
	center := r3.Vec{X: float64(c.X) + 0.5, Y: float64(c.Y), Z: float64(c.Z) + 0.5}
	return r3.Norm2(r3.Sub(r3.Vec{X: pose.X, Y: pose.Y, Z: pose.Z}, center))
}

func sortByPose(cells []model.Vec3i, pose model.Pose) {
	sort.SliceStable(cells, func(i, j int) bool {
		return DistSqToPose(pose, cells[i]) < DistSqToPose(pose, cells[j])
	})
}
