package scan

import (
	"context"
	"errors"

	"blockwalker.ai/internal/walker/model"
)

// Scan returns every non-empty cell of region in Region.Each order. Cells the grid cannot
// classify are skipped. If the grid reports itself unavailable, or ctx ends, the result is
// empty rather than partial.
func Scan(ctx context.Context, grid model.GridView, region model.Region) []model.Vec3i {
	if grid == nil {
		return nil
	}
	var (
		out    []model.Vec3i
		failed bool
	)
	region.Each(func(p model.Vec3i) bool {
		k, err := grid.CellKindAt(ctx, p)
		if err != nil {
			if errors.Is(err, model.ErrUnavailable) || ctx.Err() != nil {
				failed = true
				return false
			}
			return true
		}
		if k.IsSupport() {
			out = append(out, p)
		}
		return true
	})
	if failed {
		return nil
	}
	return out
}
