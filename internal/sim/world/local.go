package world

import (
	"context"
	"errors"
	"fmt"

	"blockwalker.ai/internal/protocol"
	"blockwalker.ai/internal/walker/model"
)

// Local binds one agent of an in-process world to the walker's grid, pose and executor
// interfaces.
type Local struct {
	W       *World
	AgentID string
}

// JoinLocal spawns a new agent and returns its binding.
func JoinLocal(ctx context.Context, w *World, name string) (Local, error) {
	resp, err := w.Join(ctx, name, "")
	if err != nil {
		return Local{}, unavailable(err)
	}
	return Local{W: w, AgentID: resp.AgentID}, nil
}

func (l Local) CellKindAt(ctx context.Context, p model.Vec3i) (model.CellKind, error) {
	k, err := l.W.RequestCellKind(ctx, p)
	if err != nil {
		return model.CellUnknown, unavailable(err)
	}
	return k, nil
}

func (l Local) AgentPose(ctx context.Context) (model.Pose, error) {
	p, err := l.W.RequestPose(ctx, l.AgentID)
	if err != nil {
		return model.Pose{}, unavailable(err)
	}
	return p, nil
}

func (l Local) MoveTo(ctx context.Context, p model.Vec3i) error {
	if _, err := l.W.RequestMove(ctx, l.AgentID, p); err != nil {
		return unavailable(err)
	}
	return nil
}

// unavailable marks errors that mean the world itself is gone, leaving per-request failures
// (blocked moves, timeouts) as they are.
func unavailable(err error) error {
	var ce *protocol.CodeError
	switch {
	case errors.Is(err, ErrStopped):
	case errors.As(err, &ce) && ce.Code == protocol.ErrNoAgent:
	default:
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
}
