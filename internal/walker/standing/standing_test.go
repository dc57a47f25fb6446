package standing

import (
	"context"
	"errors"
	"testing"

	"blockwalker.ai/internal/walker/gridtest"
	"blockwalker.ai/internal/walker/model"
)

func v(x, y, z int) model.Vec3i { return model.Vec3i{X: x, Y: y, Z: z} }

func isStandOnTop(target, p model.Vec3i) bool { return p == target.Up(1) }

func scenarioGrid() (*gridtest.Grid, model.Region) {
	region := model.NewRegion(v(0, 0, 0), v(2, 0, 2))
	g := gridtest.New().Floor(region, -1)
	g.Set(v(1, 0, 1), model.CellSolid)
	return g, region
}

func TestCanStandRequiresEmptyCellAndSupport(t *testing.T) {
	ctx := context.Background()
	g := gridtest.New()
	g.Set(v(0, 0, 0), model.CellSolid)
	g.Set(v(0, 1, 0), model.CellSolid)
	g.Set(v(5, 0, 0), model.CellOtherSolid)
	r := New(g, model.NewRegion(v(10, 10, 10), v(12, 12, 12)))

	if r.CanStand(ctx, v(0, 1, 0)) {
		t.Fatalf("occupied cell must not be standable even with support below")
	}
	if !r.CanStand(ctx, v(0, 2, 0)) {
		t.Fatalf("empty cell over solid should be standable")
	}
	if !r.CanStand(ctx, v(5, 1, 0)) {
		t.Fatalf("empty cell over other-solid should be standable")
	}
	if r.CanStand(ctx, v(3, 1, 0)) {
		t.Fatalf("empty cell over empty must not be standable")
	}
}

func TestCanStandClimbableSupportDependsOnRegion(t *testing.T) {
	ctx := context.Background()
	region := model.NewRegion(v(0, 0, 0), v(4, 4, 4))
	g := gridtest.New()
	g.Set(v(1, 1, 1), model.CellClimbable)
	g.Set(v(9, 1, 1), model.CellClimbable)
	r := New(g, region)

	if r.CanStand(ctx, v(1, 2, 1)) {
		t.Fatalf("climbable support inside region must not count as floor")
	}
	if !r.CanStand(ctx, v(9, 2, 1)) {
		t.Fatalf("climbable support outside region should count as floor")
	}
}

func TestCanStandUnknownIsNotStandable(t *testing.T) {
	ctx := context.Background()
	bounds := model.NewRegion(v(0, 0, 0), v(3, 3, 3))
	g := gridtest.New()
	g.Bounds = &bounds
	r := New(g, bounds)
	if r.CanStand(ctx, v(1, 0, 1)) {
		t.Fatalf("support outside loaded bounds is unknown and must not be standable")
	}

	g.Err = errors.New("chunk not loaded")
	if r.CanStand(ctx, v(1, 2, 1)) {
		t.Fatalf("lookup errors must map to not standable")
	}
}

func TestAccessPointsScenario(t *testing.T) {
	g, region := scenarioGrid()
	r := New(g, region)
	got := r.AccessPoints(context.Background(), v(1, 0, 1))

	want := map[model.Vec3i]bool{
		v(2, 0, 1): true,
		v(0, 0, 1): true,
		v(1, 0, 2): true,
		v(1, 0, 0): true,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected access point %v in %v", p, got)
		}
	}
}

func TestAccessPointsStandOnTop(t *testing.T) {
	ctx := context.Background()
	g, region := scenarioGrid()
	g.Set(v(1, 2, 1), model.CellSolid)
	r := New(g, region)

	got := r.AccessPoints(ctx, v(1, 0, 1))
	found := false
	for _, p := range got {
		if isStandOnTop(v(1, 0, 1), p) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stand-on-top access point in %v", got)
	}

	g.Set(v(1, 1, 1), model.CellSolid)
	for _, p := range r.AccessPoints(ctx, v(1, 0, 1)) {
		if p == v(1, 1, 1) {
			t.Fatalf("occupied cell above target must not be offered")
		}
	}
}

func TestAccessPointsBelowTarget(t *testing.T) {
	ctx := context.Background()
	g := gridtest.New()
	g.Set(v(0, 5, 0), model.CellSolid) // target hanging in the air
	g.Set(v(0, 3, 0), model.CellSolid) // floor two below
	r := New(g, model.NewRegion(v(-1, 3, -1), v(1, 5, 1)))

	got := r.AccessPoints(ctx, v(0, 5, 0))
	if len(got) != 1 || got[0] != v(0, 4, 0) {
		t.Fatalf("expected only the cell below, got %v", got)
	}
}

func TestAccessPointsAreStandableOrStandOnTop(t *testing.T) {
	ctx := context.Background()
	region := model.NewRegion(v(0, 0, 0), v(4, 3, 4))
	g := gridtest.New().Floor(region, -1)
	// A small stepped structure with a ladder and an overhang.
	g.Set(v(1, 0, 1), model.CellSolid)
	g.Set(v(1, 1, 1), model.CellSolid)
	g.Set(v(2, 0, 1), model.CellClimbable)
	g.Set(v(1, 3, 1), model.CellOtherSolid)
	g.Set(v(3, 2, 3), model.CellSolid)
	r := New(g, region)

	for target := range g.NonEmpty(region) {
		for _, p := range r.AccessPoints(ctx, target) {
			if isStandOnTop(target, p) {
				if !r.Kind(ctx, p).IsEmpty() || !r.Kind(ctx, target.Up(2)).IsSupport() {
					t.Fatalf("bad stand-on-top point %v for %v", p, target)
				}
				continue
			}
			if !r.CanStand(ctx, p) {
				t.Fatalf("access point %v for %v is not standable", p, target)
			}
		}
	}
}
