package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"blockwalker.ai/internal/protocol"
	"blockwalker.ai/internal/sim/catalogs"
	"blockwalker.ai/internal/walker/model"
)

// ErrStopped is returned by requests issued after the world loop exited.
var ErrStopped = errors.New("world stopped")

// World is a single-threaded authoritative voxel store.
// All state must be accessed only from the world loop goroutine.
type World struct {
	cfg    WorldConfig
	blocks *catalogs.BlockCatalog

	chunks *ChunkStore
	agents map[string]*Agent

	nextAgentNum uint64

	cellReq     chan cellReq
	cellsReq    chan cellsReq
	poseReq     chan poseReq
	moveReq     chan moveReq
	setBlockReq chan setBlockReq
	join        chan JoinRequest
	snapReq     chan snapReq

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	moves atomic.Uint64
}

type Agent struct {
	ID   string
	Name string
	Pose model.Pose
}

func New(cfg WorldConfig, cats *catalogs.Catalogs) (*World, error) {
	if cats == nil {
		return nil, fmt.Errorf("catalogs are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &World{
		cfg:         cfg,
		blocks:      &cats.Blocks,
		chunks:      NewChunkStore(cats.Blocks.Index["AIR"]),
		agents:      map[string]*Agent{},
		cellReq:     make(chan cellReq, 64),
		cellsReq:    make(chan cellsReq, 8),
		poseReq:     make(chan poseReq, 16),
		moveReq:     make(chan moveReq, 16),
		setBlockReq: make(chan setBlockReq, 16),
		join:        make(chan JoinRequest, 4),
		snapReq:     make(chan snapReq, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

func (w *World) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("world %s already running", w.cfg.ID)
	}
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.cellReq:
			w.handleCellReq(req)
		case req := <-w.cellsReq:
			w.handleCellsReq(req)
		case req := <-w.poseReq:
			w.handlePoseReq(req)
		case req := <-w.moveReq:
			w.handleMoveReq(req)
		case req := <-w.setBlockReq:
			w.handleSetBlockReq(req)
		case req := <-w.join:
			w.handleJoin(req)
		case req := <-w.snapReq:
			w.handleSnapReq(req)
		}
	}
}

func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// Done is closed once Run has returned.
func (w *World) Done() <-chan struct{} { return w.done }

func (w *World) ID() string {
	if w == nil {
		return ""
	}
	return w.cfg.ID
}

func (w *World) Bounds() model.Region { return w.cfg.Bounds }

func (w *World) Blocks() *catalogs.BlockCatalog { return w.blocks }

// Moves counts accepted MOVE requests.
func (w *World) Moves() uint64 { return w.moves.Load() }

// kindAt classifies a cell. Loop goroutine only.
func (w *World) kindAt(p model.Vec3i) model.CellKind {
	if !w.cfg.Bounds.Contains(p) {
		return model.CellUnknown
	}
	return w.blocks.KindOf(w.chunks.GetBlock(p))
}

// SetBlock writes a block before the loop is started (world generation, imports).
func (w *World) SetBlock(p model.Vec3i, name string) error {
	if w.started.Load() {
		return fmt.Errorf("world %s is running; use RequestSetBlock", w.cfg.ID)
	}
	return w.setBlock(p, name)
}

func (w *World) setBlock(p model.Vec3i, name string) error {
	id, ok := w.blocks.Index[name]
	if !ok {
		return protocol.NewError(protocol.ErrBadRequest, "unknown block "+name)
	}
	if !w.cfg.Bounds.Contains(p) {
		return protocol.NewError(protocol.ErrOutOfBounds, p.String())
	}
	w.chunks.SetBlock(p, id)
	return nil
}

func (w *World) newAgentID() string {
	w.nextAgentNum++
	return fmt.Sprintf("A%d", w.nextAgentNum)
}

// request sends q on ch and waits for the loop's reply on resp.
func request[Q any, R any](ctx context.Context, w *World, ch chan<- Q, q Q, resp <-chan R) (R, error) {
	var zero R
	if w == nil {
		return zero, ErrStopped
	}
	select {
	case ch <- q:
	case <-w.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-resp:
		return r, nil
	case <-w.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func reply[R any](ch chan R, r R) {
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	default:
	}
}
