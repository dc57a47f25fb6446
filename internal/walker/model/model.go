package model

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrUnavailable is returned by grid and pose adapters when the world (or the agent in it)
// cannot be resolved. Adapters wrap it with %w.
var ErrUnavailable = errors.New("environment unavailable")

type Vec3i struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3i) Add(d Vec3i) Vec3i { return Vec3i{X: v.X + d.X, Y: v.Y + d.Y, Z: v.Z + d.Z} }
func (v Vec3i) Up(n int) Vec3i    { return Vec3i{X: v.X, Y: v.Y + n, Z: v.Z} }
func (v Vec3i) Down(n int) Vec3i  { return Vec3i{X: v.X, Y: v.Y - n, Z: v.Z} }

// DistSq is the squared Euclidean distance between two cells.
func (v Vec3i) DistSq(o Vec3i) int {
	dx := v.X - o.X
	dy := v.Y - o.Y
	dz := v.Z - o.Z
	return dx*dx + dy*dy + dz*dz
}

// String matches the short "x, y, z" form used in notices.
func (v Vec3i) String() string { return fmt.Sprintf("%d, %d, %d", v.X, v.Y, v.Z) }

// Region is an inclusive axis-aligned box. Min <= Max holds component-wise.
type Region struct {
	Min Vec3i `json:"min"`
	Max Vec3i `json:"max"`
}

func NewRegion(a, b Vec3i) Region {
	return Region{
		Min: Vec3i{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)},
		Max: Vec3i{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)},
	}
}

func (r Region) Contains(p Vec3i) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X &&
		p.Y >= r.Min.Y && p.Y <= r.Max.Y &&
		p.Z >= r.Min.Z && p.Z <= r.Max.Z
}

func (r Region) Volume() int {
	return (r.Max.X - r.Min.X + 1) * (r.Max.Y - r.Min.Y + 1) * (r.Max.Z - r.Min.Z + 1)
}

// Each visits every cell of the region, X outermost then Y then Z, all ascending.
// Iteration stops early when fn returns false.
func (r Region) Each(fn func(Vec3i) bool) {
	for x := r.Min.X; x <= r.Max.X; x++ {
		for y := r.Min.Y; y <= r.Max.Y; y++ {
			for z := r.Min.Z; z <= r.Max.Z; z++ {
				if !fn(Vec3i{X: x, Y: y, Z: z}) {
					return
				}
			}
		}
	}
}

type CellKind uint8

const (
	// CellUnknown is reported when the grid cannot answer for a cell (unloaded, out of bounds,
	// timed out). It is neither Empty nor a valid support.
	CellUnknown CellKind = iota
	CellEmpty
	CellSolid
	CellClimbable
	CellOtherSolid
)

func (k CellKind) IsEmpty() bool { return k == CellEmpty }

// IsSupport reports whether something can stand on a cell of this kind.
func (k CellKind) IsSupport() bool {
	return k == CellSolid || k == CellClimbable || k == CellOtherSolid
}

func (k CellKind) String() string {
	switch k {
	case CellEmpty:
		return "empty"
	case CellSolid:
		return "solid"
	case CellClimbable:
		return "climbable"
	case CellOtherSolid:
		return "other"
	default:
		return "unknown"
	}
}

// ParseCellKind is the inverse of String. Unrecognized names map to CellUnknown.
func ParseCellKind(s string) CellKind {
	switch s {
	case "empty":
		return CellEmpty
	case "solid":
		return CellSolid
	case "climbable":
		return CellClimbable
	case "other":
		return CellOtherSolid
	default:
		return CellUnknown
	}
}

// GridView is the read-only query surface over the voxel world.
type GridView interface {
	CellKindAt(ctx context.Context, p Vec3i) (CellKind, error)
}

// GridFunc adapts a plain function to GridView.
type GridFunc func(ctx context.Context, p Vec3i) (CellKind, error)

func (f GridFunc) CellKindAt(ctx context.Context, p Vec3i) (CellKind, error) { return f(ctx, p) }

// Pose is the agent's sub-cell position.
type Pose struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Cell floors the pose onto the grid.
func (p Pose) Cell() Vec3i {
	return Vec3i{X: int(math.Floor(p.X)), Y: int(math.Floor(p.Y)), Z: int(math.Floor(p.Z))}
}

// CellCenter is the pose an agent takes when standing on cell c.
func CellCenter(c Vec3i) Pose {
	return Pose{X: float64(c.X) + 0.5, Y: float64(c.Y), Z: float64(c.Z) + 0.5}
}

// Path is an ordered start->goal sequence of cells, both ends included.
type Path []Vec3i
