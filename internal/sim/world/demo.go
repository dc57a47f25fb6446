package world

import (
	"blockwalker.ai/internal/sim/catalogs"
	"blockwalker.ai/internal/walker/model"
)

// DemoConfig is a small walled yard around the default walker region.
func DemoConfig() WorldConfig {
	return WorldConfig{
		ID:     "demo",
		Bounds: model.NewRegion(model.Vec3i{X: 5, Y: 20, Z: -175}, model.Vec3i{X: 41, Y: 50, Z: -137}),
		Spawn:  model.Vec3i{X: 23, Y: 29, Z: -156},
	}
}

type placement struct {
	min, max model.Vec3i
	block    string
}

func box(x0, y0, z0, x1, y1, z1 int, block string) placement {
	return placement{min: model.Vec3i{X: x0, Y: y0, Z: z0}, max: model.Vec3i{X: x1, Y: y1, Z: z1}, block: block}
}

// demoLayout places features that exercise walking, stepping up, ledge drops, a ladder and
// a target that cannot be reached.
var demoLayout = []placement{
	box(5, 28, -175, 41, 28, -137, "GRASS"),
	box(5, 27, -175, 41, 27, -137, "DIRT"),

	// Pillar.
	box(16, 29, -162, 16, 31, -162, "STONE"),
	// Staircase going +X.
	box(20, 29, -160, 20, 29, -160, "PLANKS"),
	box(21, 29, -160, 21, 30, -160, "PLANKS"),
	box(22, 29, -160, 22, 31, -160, "PLANKS"),
	// Ladder against a wall.
	box(27, 29, -150, 27, 33, -150, "BRICK"),
	box(26, 29, -150, 26, 33, -150, "LADDER"),
	// Glass pane and a fence post.
	box(18, 29, -150, 18, 29, -150, "GLASS"),
	box(30, 29, -155, 30, 29, -155, "FENCE"),
	// Floating platform, out of reach.
	box(29, 36, -164, 31, 36, -162, "PLANKS"),
	// Pit with a stone floor three cells down.
	box(14, 27, -148, 15, 28, -147, "AIR"),
	box(14, 25, -148, 15, 25, -147, "STONE"),
}

// GenerateDemo builds the demo world. The loop is not started.
func GenerateDemo(cats *catalogs.Catalogs) (*World, error) {
	w, err := New(DemoConfig(), cats)
	if err != nil {
		return nil, err
	}
	for _, pl := range demoLayout {
		id, ok := cats.Blocks.Index[pl.block]
		if !ok {
			continue
		}
		w.chunks.Fill(model.NewRegion(pl.min, pl.max), id)
	}
	return w, nil
}
