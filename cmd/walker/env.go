package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"blockwalker.ai/internal/persistence/snapshot"
	"blockwalker.ai/internal/sim/catalogs"
	"blockwalker.ai/internal/sim/world"
	"blockwalker.ai/internal/transport/ws"
	"blockwalker.ai/internal/walker/runtime"
)

type envOptions struct {
	WorldURL  string
	Snapshot  string
	ConfigDir string
	Name      string
	AgentID   string
}

// openEnv connects the walker to a remote world over ws, or starts an in-process world
// (snapshot or demo) and joins it. The returned func releases the connection or world.
func openEnv(ctx context.Context, opts envOptions, logger *log.Logger) (runtime.Env, func(), error) {
	if u := strings.TrimSpace(opts.WorldURL); u != "" {
		cl, err := ws.Dial(ctx, u, opts.Name, opts.AgentID, logger)
		if err != nil {
			return runtime.Env{}, nil, err
		}
		wel := cl.Welcome()
		logger.Printf("joined world=%s agent=%s pos=%v", wel.WorldID, wel.AgentID, wel.Pos)
		return runtime.Env{Grid: cl, Pose: cl, Executor: cl}, func() { _ = cl.Close() }, nil
	}

	w, err := localWorld(opts)
	if err != nil {
		return runtime.Env{}, nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		if err := w.Run(wctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()
	local, err := world.JoinLocal(ctx, w, opts.Name)
	if err != nil {
		cancel()
		return runtime.Env{}, nil, err
	}
	logger.Printf("in-process world=%s agent=%s", w.ID(), local.AgentID)
	release := func() {
		w.Stop()
		cancel()
	}
	return runtime.Env{Grid: local, Pose: local, Executor: local}, release, nil
}

func localWorld(opts envOptions) (*world.World, error) {
	cats, err := catalogs.Load(opts.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("load catalogs: %w", err)
	}
	if p := strings.TrimSpace(opts.Snapshot); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		return world.FromSnapshot(snap, cats)
	}
	return world.GenerateDemo(cats)
}
