package world_test

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"blockwalker.ai/internal/sim/catalogs"
	"blockwalker.ai/internal/sim/world"
	"blockwalker.ai/internal/walker/runtime"
	"blockwalker.ai/internal/walker/tuning"
)

func TestWalkerRunOverDemoWorld(t *testing.T) {
	cats, err := catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	w, err := world.GenerateDemo(cats)
	if err != nil {
		t.Fatalf("GenerateDemo: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	defer w.Stop()

	local, err := world.JoinLocal(ctx, w, "walker")
	if err != nil {
		t.Fatalf("JoinLocal: %v", err)
	}

	cfg := runtime.ConfigFromTuning(tuning.Defaults())
	cfg.InterTargetDelay = 0
	cfg.StepDelay = 0
	notices := runtime.NewChanNotifier(256)
	c := runtime.NewController(cfg, runtime.Env{Grid: local, Pose: local, Executor: local}, notices, log.New(io.Discard, "", 0))

	if !c.HandleCommand(ctx, " .start ") {
		t.Fatalf("start command not recognized")
	}
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	rep, ok := c.LastReport()
	if !ok {
		t.Fatalf("no report")
	}
	if rep.Aborted || rep.Cancelled {
		t.Fatalf("run ended early: %+v", rep)
	}
	if rep.Targets == 0 || rep.Visited == 0 || rep.Unreachable == 0 {
		t.Fatalf("expected both visited and unreachable targets: %+v", rep)
	}
	if rep.Visited+rep.Unreachable != rep.Targets {
		t.Fatalf("every target needs exactly one outcome: %+v", rep)
	}
	if w.Moves() == 0 {
		t.Fatalf("walker never moved")
	}

	first := <-notices.Out
	if first != "[BlockWalker] starting scan..." {
		t.Fatalf("first notice=%q", first)
	}
}
