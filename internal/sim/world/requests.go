package world

import (
	"context"
	"fmt"

	"blockwalker.ai/internal/persistence/snapshot"
	"blockwalker.ai/internal/protocol"
	"blockwalker.ai/internal/walker/model"
)

// Largest downward step a MOVE accepts.
const maxMoveDrop = 8

type cellReq struct {
	Pos  model.Vec3i
	Resp chan model.CellKind
}

// RequestCellKind classifies one cell from the world loop goroutine.
func (w *World) RequestCellKind(ctx context.Context, p model.Vec3i) (model.CellKind, error) {
	req := cellReq{Pos: p, Resp: make(chan model.CellKind, 1)}
	return request(ctx, w, w.cellReq, req, req.Resp)
}

func (w *World) handleCellReq(req cellReq) {
	reply(req.Resp, w.kindAt(req.Pos))
}

type cellsReq struct {
	Box  model.Region
	Resp chan cellsResp
}

type cellsResp struct {
	Kinds []model.CellKind
	Err   error
}

// RequestCells classifies every cell of box in Region.Each order.
func (w *World) RequestCells(ctx context.Context, box model.Region) ([]model.CellKind, error) {
	if box.Volume() > protocol.MaxCellsVolume {
		return nil, protocol.NewError(protocol.ErrTooLarge, fmt.Sprintf("box volume %d exceeds %d", box.Volume(), protocol.MaxCellsVolume))
	}
	req := cellsReq{Box: box, Resp: make(chan cellsResp, 1)}
	resp, err := request(ctx, w, w.cellsReq, req, req.Resp)
	if err != nil {
		return nil, err
	}
	return resp.Kinds, resp.Err
}

func (w *World) handleCellsReq(req cellsReq) {
	kinds := make([]model.CellKind, 0, req.Box.Volume())
	req.Box.Each(func(p model.Vec3i) bool {
		kinds = append(kinds, w.kindAt(p))
		return true
	})
	reply(req.Resp, cellsResp{Kinds: kinds})
}

type poseReq struct {
	AgentID string
	Resp    chan poseResp
}

type poseResp struct {
	Pose model.Pose
	Err  error
}

// RequestPose returns the current position for an agent from the world loop goroutine.
func (w *World) RequestPose(ctx context.Context, agentID string) (model.Pose, error) {
	req := poseReq{AgentID: agentID, Resp: make(chan poseResp, 1)}
	resp, err := request(ctx, w, w.poseReq, req, req.Resp)
	if err != nil {
		return model.Pose{}, err
	}
	return resp.Pose, resp.Err
}

func (w *World) handlePoseReq(req poseReq) {
	a := w.agents[req.AgentID]
	if a == nil {
		reply(req.Resp, poseResp{Err: protocol.NewError(protocol.ErrNoAgent, req.AgentID)})
		return
	}
	reply(req.Resp, poseResp{Pose: a.Pose})
}

type moveReq struct {
	AgentID string
	Target  model.Vec3i
	Resp    chan poseResp
}

// RequestMove steps an agent onto target and returns its settled pose.
func (w *World) RequestMove(ctx context.Context, agentID string, target model.Vec3i) (model.Pose, error) {
	req := moveReq{AgentID: agentID, Target: target, Resp: make(chan poseResp, 1)}
	resp, err := request(ctx, w, w.moveReq, req, req.Resp)
	if err != nil {
		return model.Pose{}, err
	}
	return resp.Pose, resp.Err
}

func (w *World) handleMoveReq(req moveReq) {
	a := w.agents[req.AgentID]
	if a == nil {
		reply(req.Resp, poseResp{Err: protocol.NewError(protocol.ErrNoAgent, req.AgentID)})
		return
	}
	if err := w.checkMove(a.Pose.Cell(), req.Target); err != nil {
		reply(req.Resp, poseResp{Pose: a.Pose, Err: err})
		return
	}
	a.Pose = model.CellCenter(w.settle(req.Target))
	w.moves.Add(1)
	reply(req.Resp, poseResp{Pose: a.Pose})
}

func passable(k model.CellKind) bool {
	return k == model.CellEmpty || k == model.CellClimbable
}

// checkMove accepts one step: at most one horizontal cell, up one with head-room, or down a
// clear column.
func (w *World) checkMove(from, to model.Vec3i) error {
	if !w.cfg.Bounds.Contains(to) {
		return protocol.NewError(protocol.ErrOutOfBounds, to.String())
	}
	dx, dy, dz := to.X-from.X, to.Y-from.Y, to.Z-from.Z
	if abs(dx)+abs(dz) > 1 || dy > 1 || dy < -maxMoveDrop {
		return protocol.NewError(protocol.ErrTooFar, fmt.Sprintf("%s -> %s", from, to))
	}
	if !passable(w.kindAt(to)) {
		return protocol.NewError(protocol.ErrBlocked, to.String())
	}
	switch {
	case dy == 1 && (dx != 0 || dz != 0):
		if !passable(w.kindAt(from.Up(1))) {
			return protocol.NewError(protocol.ErrBlocked, "no head-room at "+from.Up(1).String())
		}
	case dy < 0:
		// The column from the departure height down to the target must be clear.
		col := model.Vec3i{X: to.X, Y: from.Y, Z: to.Z}
		for y := col.Y; y > to.Y; y-- {
			if p := (model.Vec3i{X: col.X, Y: y, Z: col.Z}); !passable(w.kindAt(p)) {
				return protocol.NewError(protocol.ErrBlocked, p.String())
			}
		}
	}
	return nil
}

// settle drops p until it rests on something or leaves the bounds. Climbable cells hold.
func (w *World) settle(p model.Vec3i) model.Vec3i {
	for w.kindAt(p) != model.CellClimbable && w.kindAt(p.Down(1)) == model.CellEmpty {
		p = p.Down(1)
	}
	return p
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type setBlockReq struct {
	Pos   model.Vec3i
	Block string
	Resp  chan error
}

// RequestSetBlock replaces a block while the loop is running.
func (w *World) RequestSetBlock(ctx context.Context, p model.Vec3i, block string) error {
	req := setBlockReq{Pos: p, Block: block, Resp: make(chan error, 1)}
	res, err := request(ctx, w, w.setBlockReq, req, req.Resp)
	if err != nil {
		return err
	}
	return res
}

func (w *World) handleSetBlockReq(req setBlockReq) {
	reply(req.Resp, w.setBlock(req.Pos, req.Block))
}

type JoinRequest struct {
	Name string
	// AgentID re-attaches to an existing agent instead of spawning a new one.
	AgentID string
	Resp    chan JoinResponse
}

type JoinResponse struct {
	AgentID string
	Pose    model.Pose
	Err     error
}

func (w *World) Join(ctx context.Context, name, agentID string) (JoinResponse, error) {
	req := JoinRequest{Name: name, AgentID: agentID, Resp: make(chan JoinResponse, 1)}
	resp, err := request(ctx, w, w.join, req, req.Resp)
	if err != nil {
		return JoinResponse{}, err
	}
	return resp, resp.Err
}

func (w *World) handleJoin(req JoinRequest) {
	if req.AgentID != "" {
		a := w.agents[req.AgentID]
		if a == nil {
			reply(req.Resp, JoinResponse{Err: protocol.NewError(protocol.ErrNoAgent, req.AgentID)})
			return
		}
		reply(req.Resp, JoinResponse{AgentID: a.ID, Pose: a.Pose})
		return
	}
	a := &Agent{ID: w.newAgentID(), Name: req.Name, Pose: model.CellCenter(w.settle(w.cfg.Spawn))}
	w.agents[a.ID] = a
	reply(req.Resp, JoinResponse{AgentID: a.ID, Pose: a.Pose})
}

type snapReq struct {
	Resp chan snapshot.SnapshotV1
}

// RequestSnapshot captures a consistent snapshot from the world loop goroutine.
func (w *World) RequestSnapshot(ctx context.Context) (snapshot.SnapshotV1, error) {
	req := snapReq{Resp: make(chan snapshot.SnapshotV1, 1)}
	return request(ctx, w, w.snapReq, req, req.Resp)
}

func (w *World) handleSnapReq(req snapReq) {
	reply(req.Resp, w.ExportSnapshot())
}
