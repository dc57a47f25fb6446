// Package gridtest provides an in-memory GridView for deterministic tests of the walker
// packages without a running world loop.
package gridtest

import (
	"context"
	"sync"

	"blockwalker.ai/internal/walker/model"
)

// Grid is a sparse map of non-empty cells. Cells not present are Empty unless they fall
// outside Bounds (when set), in which case they are Unknown.
type Grid struct {
	mu     sync.Mutex
	cells  map[model.Vec3i]model.CellKind
	Bounds *model.Region

	// Err, when non-nil, is returned by every lookup.
	Err error

	Lookups int
}

func New() *Grid {
	return &Grid{cells: map[model.Vec3i]model.CellKind{}}
}

func (g *Grid) Set(p model.Vec3i, k model.CellKind) *Grid {
	g.mu.Lock()
	defer g.mu.Unlock()
	if k == model.CellEmpty {
		delete(g.cells, p)
		return g
	}
	g.cells[p] = k
	return g
}

// Fill sets every cell of r to k.
func (g *Grid) Fill(r model.Region, k model.CellKind) *Grid {
	r.Each(func(p model.Vec3i) bool {
		g.Set(p, k)
		return true
	})
	return g
}

// Floor places a solid layer at height y under the XZ footprint of r.
func (g *Grid) Floor(r model.Region, y int) *Grid {
	return g.Fill(model.Region{
		Min: model.Vec3i{X: r.Min.X, Y: y, Z: r.Min.Z},
		Max: model.Vec3i{X: r.Max.X, Y: y, Z: r.Max.Z},
	}, model.CellSolid)
}

func (g *Grid) CellKindAt(ctx context.Context, p model.Vec3i) (model.CellKind, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Lookups++
	if g.Err != nil {
		return model.CellUnknown, g.Err
	}
	if g.Bounds != nil && !g.Bounds.Contains(p) {
		return model.CellUnknown, nil
	}
	if k, ok := g.cells[p]; ok {
		return k, nil
	}
	return model.CellEmpty, nil
}

// NonEmpty returns the set of non-empty cells inside r.
func (g *Grid) NonEmpty(r model.Region) map[model.Vec3i]bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[model.Vec3i]bool{}
	for p := range g.cells {
		if r.Contains(p) {
			out[p] = true
		}
	}
	return out
}
