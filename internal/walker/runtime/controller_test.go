package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"blockwalker.ai/internal/walker/gridtest"
	"blockwalker.ai/internal/walker/model"
	"blockwalker.ai/internal/walker/pathfind"
)

func v(x, y, z int) model.Vec3i { return model.Vec3i{X: x, Y: y, Z: z} }

type fakeAgent struct {
	mu       sync.Mutex
	pose     model.Pose
	moves    []model.Vec3i
	fail     map[model.Vec3i]bool
	hang     map[model.Vec3i]bool
	gate     chan struct{}
	poseGate chan struct{}
	poseErr  error
}

func newAgent(at model.Vec3i) *fakeAgent {
	return &fakeAgent{pose: model.CellCenter(at), fail: map[model.Vec3i]bool{}, hang: map[model.Vec3i]bool{}}
}

func (a *fakeAgent) AgentPose(ctx context.Context) (model.Pose, error) {
	a.mu.Lock()
	gate := a.poseGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Pose{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poseErr != nil {
		return model.Pose{}, a.poseErr
	}
	return a.pose, nil
}

func (a *fakeAgent) MoveTo(ctx context.Context, p model.Vec3i) error {
	a.mu.Lock()
	gate := a.gate
	hang := a.hang[p]
	fail := a.fail[p]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return fmt.Errorf("blocked at %v", p)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moves = append(a.moves, p)
	a.pose = model.CellCenter(p)
	return nil
}

func (a *fakeAgent) Moves() []model.Vec3i {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Vec3i(nil), a.moves...)
}

type notices struct {
	mu   sync.Mutex
	msgs []string
	hook func(string)
}

func (n *notices) Notify(text string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	hook := n.hook
	n.mu.Unlock()
	if hook != nil {
		hook(text)
	}
}

func (n *notices) count(sub string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.msgs {
		if strings.Contains(m, sub) {
			c++
		}
	}
	return c
}

type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	reports  []Report
	plans    int
	stepErrs int
}

func (r *recorder) RecordOutcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) RecordReport(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recorder) ObservePlan(pathfind.Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans++
}

func (r *recorder) ObserveStepFailure(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepErrs++
}

func testConfig(region model.Region) Config {
	return Config{
		Region:         region,
		MaxDrop:        3,
		IterationCap:   20000,
		PerStepTimeout: time.Second,
		StartToken:     ".start",
		StopToken:      ".stop",
		NoticePrefix:   "[BlockWalker]",
	}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func runToEnd(t *testing.T, c *Controller) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	rep, ok := c.LastReport()
	if !ok {
		t.Fatalf("expected a report")
	}
	if c.Running() || c.State() != StateIdle {
		t.Fatalf("controller not idle after run")
	}
	return rep
}

func scenario() (*gridtest.Grid, model.Region) {
	region := model.NewRegion(v(0, 0, 0), v(2, 0, 2))
	g := gridtest.New().Floor(region, -1)
	g.Set(v(1, 0, 1), model.CellSolid)
	return g, region
}

func TestRunVisitsScenarioTarget(t *testing.T) {
	g, region := scenario()
	agent := newAgent(v(0, 0, 0))
	n := &notices{}
	rec := &recorder{}
	c := NewController(testConfig(region), Env{Grid: g, Pose: agent, Executor: agent}, n, quietLogger(), rec)

	if !c.HandleCommand(context.Background(), "  .start \n") {
		t.Fatalf("start token not recognized")
	}
	rep := runToEnd(t, c)

	if rep.Targets != 1 || rep.Visited != 1 || rep.Unreachable != 0 || rep.Status() != "completed" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if n.count("[BlockWalker] starting scan...") != 1 || n.count("visited 1, 0, 1") != 1 || n.count("finished/stop.") != 1 {
		t.Fatalf("unexpected notices: %v", n.msgs)
	}
	moves := agent.Moves()
	if len(moves) != 2 || moves[0] != v(0, 0, 0) || moves[1] != v(0, 0, 1) {
		t.Fatalf("unexpected moves: %v", moves)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0].AccessPoint == nil || *rec.outcomes[0].AccessPoint != v(0, 0, 1) {
		t.Fatalf("unexpected outcomes: %+v", rec.outcomes)
	}
	if len(rec.reports) != 1 || rec.reports[0].RunID != rep.RunID || rec.plans != 1 {
		t.Fatalf("recorder saw reports=%d plans=%d", len(rec.reports), rec.plans)
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	g, region := scenario()
	agent := newAgent(v(0, 0, 0))
	agent.gate = make(chan struct{})
	c := NewController(testConfig(region), Env{Grid: g, Pose: agent, Executor: agent}, &notices{}, quietLogger())

	if !c.Start(context.Background()) {
		t.Fatalf("first start refused")
	}
	if c.Start(context.Background()) {
		t.Fatalf("second start must be a no-op while running")
	}
	if c.HandleCommand(context.Background(), "start") {
		t.Fatalf("non-exact token must be ignored")
	}
	close(agent.gate)
	runToEnd(t, c)

	if !c.Start(context.Background()) {
		t.Fatalf("start after finish refused")
	}
	runToEnd(t, c)
}

func TestStopRightAfterStartCancelsRun(t *testing.T) {
	g, region := scenario()
	agent := newAgent(v(0, 0, 0))
	agent.poseGate = make(chan struct{})
	rec := &recorder{}
	cfg := testConfig(region)
	cfg.PerStepTimeout = 0
	c := NewController(cfg, Env{Grid: g, Pose: agent, Executor: agent}, &notices{}, quietLogger(), rec)

	if !c.Start(context.Background()) {
		t.Fatalf("start refused")
	}
	c.Stop()
	close(agent.poseGate)
	rep := runToEnd(t, c)

	if !rep.Cancelled || rep.Targets != 1 || rep.Visited != 0 {
		t.Fatalf("stop issued before the first target must cancel the run: %+v", rep)
	}
	if len(agent.Moves()) != 0 || len(rec.outcomes) != 0 {
		t.Fatalf("nothing should have been attempted: moves=%v outcomes=%d", agent.Moves(), len(rec.outcomes))
	}
}

func TestEmptyNoticePrefix(t *testing.T) {
	g, region := scenario()
	agent := newAgent(v(0, 0, 0))
	n := &notices{}
	cfg := testConfig(region)
	cfg.NoticePrefix = ""
	c := NewController(cfg, Env{Grid: g, Pose: agent, Executor: agent}, n, quietLogger())
	c.Start(context.Background())
	runToEnd(t, c)

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 || n.msgs[0] != "starting scan..." {
		t.Fatalf("unexpected notices: %v", n.msgs)
	}
}

func TestStopAfterFirstTargetCancelsRun(t *testing.T) {
	region := model.NewRegion(v(0, 0, 0), v(8, 0, 2))
	g := gridtest.New().Floor(region, -1)
	g.Set(v(2, 0, 1), model.CellSolid)
	g.Set(v(5, 0, 1), model.CellSolid)
	g.Set(v(8, 0, 1), model.CellSolid)

	agent := newAgent(v(0, 0, 1))
	rec := &recorder{}
	n := &notices{}
	cfg := testConfig(region)
	cfg.InterTargetDelay = time.Minute
	c := NewController(cfg, Env{Grid: g, Pose: agent, Executor: agent}, n, quietLogger(), rec)
	n.hook = func(text string) {
		if strings.Contains(text, "visited") {
			c.Stop()
		}
	}

	c.Start(context.Background())
	rep := runToEnd(t, c)

	if !rep.Cancelled || rep.Visited != 1 || rep.Unreachable != 0 || rep.Targets != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if n.count("finished/stop.") != 1 {
		t.Fatalf("expected exactly one completion notice: %v", n.msgs)
	}
	if n.count("unreachable") != 0 || n.count("visited") != 1 {
		t.Fatalf("later targets must not be attempted: %v", n.msgs)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0].Target != v(2, 0, 1) {
		t.Fatalf("unexpected outcomes: %+v", rec.outcomes)
	}
	for _, m := range agent.Moves() {
		if m.X > 3 {
			t.Fatalf("agent moved toward a later target: %v", agent.Moves())
		}
	}
}

func TestUnreachableTargetDoesNotAbortRun(t *testing.T) {
	region := model.NewRegion(v(0, 0, 0), v(6, 0, 2))
	g := gridtest.New().Floor(model.NewRegion(v(0, 0, 0), v(2, 0, 2)), -1)
	g.Set(v(2, 0, 2), model.CellSolid)
	g.Set(v(6, 0, 0), model.CellSolid) // floating, nothing to stand on around it

	agent := newAgent(v(0, 0, 0))
	n := &notices{}
	rec := &recorder{}
	c := NewController(testConfig(region), Env{Grid: g, Pose: agent, Executor: agent}, n, quietLogger(), rec)
	c.Start(context.Background())
	rep := runToEnd(t, c)

	if rep.Targets != 2 || rep.Visited != 1 || rep.Unreachable != 1 || rep.Status() != "completed" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if n.count("unreachable: 6, 0, 0") != 1 {
		t.Fatalf("missing unreachable notice: %v", n.msgs)
	}
	if len(rec.outcomes) != 2 || rec.outcomes[1].Candidates != 0 || rec.outcomes[1].Seq != 1 {
		t.Fatalf("unexpected outcomes: %+v", rec.outcomes)
	}
}

func TestFailedStepFallsBackToNextAccessPoint(t *testing.T) {
	g, region := scenario()
	agent := newAgent(v(0, 0, 0))
	agent.fail[v(0, 0, 1)] = true
	rec := &recorder{}
	c := NewController(testConfig(region), Env{Grid: g, Pose: agent, Executor: agent}, &notices{}, quietLogger(), rec)
	c.Start(context.Background())
	rep := runToEnd(t, c)

	if rep.Visited != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	o := rec.outcomes[0]
	if o.Attempts != 2 || o.AccessPoint == nil || *o.AccessPoint != v(1, 0, 0) {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if rec.stepErrs != 1 {
		t.Fatalf("stepErrs=%d", rec.stepErrs)
	}
}

func TestStepTimeoutAbandonsOnlyThatAttempt(t *testing.T) {
	g, region := scenario()
	agent := newAgent(v(0, 0, 0))
	agent.hang[v(0, 0, 1)] = true
	cfg := testConfig(region)
	cfg.PerStepTimeout = 20 * time.Millisecond
	rec := &recorder{}
	c := NewController(cfg, Env{Grid: g, Pose: agent, Executor: agent}, &notices{}, quietLogger(), rec)
	c.Start(context.Background())
	rep := runToEnd(t, c)

	if rep.Visited != 1 || rep.Aborted {
		t.Fatalf("timeout must not fail the run: %+v", rep)
	}
	if *rec.outcomes[0].AccessPoint != v(1, 0, 0) {
		t.Fatalf("expected fallback access point, got %v", *rec.outcomes[0].AccessPoint)
	}
}

func TestUnavailableEnvironmentAbortsRun(t *testing.T) {
	g, region := scenario()
	agent := newAgent(v(0, 0, 0))
	agent.poseErr = fmt.Errorf("no player: %w", model.ErrUnavailable)
	n := &notices{}
	rec := &recorder{}
	c := NewController(testConfig(region), Env{Grid: g, Pose: agent, Executor: agent}, n, quietLogger(), rec)
	c.Start(context.Background())
	rep := runToEnd(t, c)

	if !rep.Aborted || rep.Status() != "aborted" || rep.Targets != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if n.count("environment unavailable") != 1 || n.count("finished/stop.") != 1 {
		t.Fatalf("unexpected notices: %v", n.msgs)
	}
	if len(agent.Moves()) != 0 || len(rec.outcomes) != 0 {
		t.Fatalf("nothing should have been attempted")
	}
}

func TestStopCommandInterruptsPause(t *testing.T) {
	region := model.NewRegion(v(0, 0, 0), v(4, 0, 0))
	g := gridtest.New().Floor(model.NewRegion(v(0, 0, 0), v(4, 0, 1)), -1)
	g.Set(v(2, 0, 0), model.CellSolid)
	g.Set(v(4, 0, 0), model.CellSolid)
	agent := newAgent(v(0, 0, 1))
	cfg := testConfig(region)
	cfg.InterTargetDelay = time.Hour
	n := &notices{}
	c := NewController(cfg, Env{Grid: g, Pose: agent, Executor: agent}, n, quietLogger())
	visited := make(chan struct{}, 1)
	n.hook = func(text string) {
		if strings.Contains(text, "visited") {
			visited <- struct{}{}
		}
	}

	c.HandleCommand(context.Background(), ".start")
	select {
	case <-visited:
	case <-time.After(5 * time.Second):
		t.Fatalf("first target never visited")
	}
	if !c.HandleCommand(context.Background(), ".stop") {
		t.Fatalf("stop token not recognized")
	}
	rep := runToEnd(t, c)
	if !rep.Cancelled || rep.Visited != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestDistSqToPoseUsesCellBaseCentre(t *testing.T) {
	pose := model.Pose{X: 0.5, Y: 0, Z: 0.5}
	if got := DistSqToPose(pose, v(0, 0, 0)); got != 0 {
		t.Fatalf("DistSqToPose=%v", got)
	}
	if got := DistSqToPose(pose, v(1, 2, 0)); got != 5 {
		t.Fatalf("DistSqToPose=%v", got)
	}
	cells := []model.Vec3i{v(3, 0, 0), v(0, 0, 1), v(1, 0, 0), v(0, 0, 0)}
	sortByPose(cells, pose)
	want := []model.Vec3i{v(0, 0, 0), v(0, 0, 1), v(1, 0, 0), v(3, 0, 0)}
	for i := range want {
		if cells[i] != want[i] {
			t.Fatalf("sorted=%v want %v", cells, want)
		}
	}
}

func TestChanNotifierDropsOldest(t *testing.T) {
	n := NewChanNotifier(2)
	n.Notify("a")
	n.Notify("b")
	n.Notify("c")
	if got := <-n.Out; got != "b" {
		t.Fatalf("got %q want b", got)
	}
	if got := <-n.Out; got != "c" {
		t.Fatalf("got %q want c", got)
	}
}
