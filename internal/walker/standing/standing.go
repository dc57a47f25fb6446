package standing

import (
	"context"

	"blockwalker.ai/internal/walker/model"
)

// Rule decides where the agent may stand. Climbable supports inside Region do not count as
// floor: a ladder that belongs to the explored structure is not a place to stand on.
type Rule struct {
	Grid   model.GridView
	Region model.Region
}

func New(grid model.GridView, region model.Region) Rule {
	return Rule{Grid: grid, Region: region}
}

// Kind classifies p. Lookup errors collapse to CellUnknown.
func (r Rule) Kind(ctx context.Context, p model.Vec3i) model.CellKind {
	if r.Grid == nil {
		return model.CellUnknown
	}
	k, err := r.Grid.CellKindAt(ctx, p)
	if err != nil {
		return model.CellUnknown
	}
	return k
}

func (r Rule) CanStand(ctx context.Context, p model.Vec3i) bool {
	if !r.Kind(ctx, p).IsEmpty() {
		return false
	}
	below := p.Down(1)
	bk := r.Kind(ctx, below)
	if !bk.IsSupport() {
		return false
	}
	if bk == model.CellClimbable && r.Region.Contains(below) {
		return false
	}
	return true
}

// Fixed neighbour order for determinism. The cell above the target is handled separately.
var accessDirs = []model.Vec3i{
	{X: 1}, {X: -1}, {Z: 1}, {Z: -1}, {Y: -1},
}

// AccessPoints lists cells next to target from which the agent can reach it. The order is
// fixed but callers are expected to sort.
func (r Rule) AccessPoints(ctx context.Context, target model.Vec3i) []model.Vec3i {
	out := make([]model.Vec3i, 0, len(accessDirs)+1)
	for _, d := range accessDirs {
		p := target.Add(d)
		if r.CanStand(ctx, p) {
			out = append(out, p)
		}
	}
	// Stand on top of the target: the cell above must be free and the one above that occupied.
	above := target.Up(1)
	if r.Kind(ctx, above).IsEmpty() && r.Kind(ctx, target.Up(2)).IsSupport() {
		out = append(out, above)
	}
	return out
}
