package pathfind

import (
	"container/heap"
	"context"

	"gonum.org/v1/gonum/spatial/r3"

	"blockwalker.ai/internal/walker/model"
	"blockwalker.ai/internal/walker/standing"
)

const (
	DefaultMaxDrop      = 3
	DefaultIterationCap = 20000
)

// Metric selects the per-step cost. MetricSquared sums squared step lengths while the
// heuristic stays Euclidean, so h is not guaranteed admissible on multi-step paths.
// MetricEuclidean uses the same measure for both.
type Metric int

const (
	MetricSquared Metric = iota
	MetricEuclidean
)

type Planner struct {
	Rule         standing.Rule
	MaxDrop      int
	IterationCap int
	Metric       Metric
}

func New(rule standing.Rule, maxDrop, iterationCap int) *Planner {
	p := &Planner{Rule: rule, MaxDrop: maxDrop, IterationCap: iterationCap}
	p.applyDefaults()
	return p
}

func (p *Planner) applyDefaults() {
	if p.MaxDrop <= 0 {
		p.MaxDrop = DefaultMaxDrop
	}
	if p.IterationCap <= 0 {
		p.IterationCap = DefaultIterationCap
	}
}

// Stats describes one FindPath call.
type Stats struct {
	Expanded int
	CapHit   bool
}

// Horizontal directions in fixed order for deterministic expansion.
var horizontalDirs = []model.Vec3i{{X: 1}, {X: -1}, {Z: 1}, {Z: -1}}

// Neighbors returns the cells reachable from cur in one move: a walk to a standable
// horizontal neighbour, else a one-level step-up when head-room above cur is free, else a
// drop off the ledge into that column. A straight drop below cur is added last.
func (p *Planner) Neighbors(ctx context.Context, cur model.Vec3i) []model.Vec3i {
	p.applyDefaults()
	out := make([]model.Vec3i, 0, 5)
	headroom := -1
	for _, d := range horizontalDirs {
		h := cur.Add(d)
		if p.Rule.CanStand(ctx, h) {
			out = append(out, h)
			continue
		}
		if headroom < 0 {
			headroom = 0
			if p.Rule.Kind(ctx, cur.Up(1)).IsEmpty() {
				headroom = 1
			}
		}
		if up := h.Up(1); headroom == 1 && p.Rule.CanStand(ctx, up) {
			out = append(out, up)
			continue
		}
		if p.Rule.Kind(ctx, h).IsEmpty() {
			if q, ok := p.dropFrom(ctx, h); ok {
				out = append(out, q)
			}
		}
	}
	if q, ok := p.dropFrom(ctx, cur); ok {
		out = append(out, q)
	}
	return out
}

// dropFrom scans straight down from col for the first standable cell within MaxDrop levels.
func (p *Planner) dropFrom(ctx context.Context, col model.Vec3i) (model.Vec3i, bool) {
	for down := 1; down <= p.MaxDrop; down++ {
		c := col.Down(down)
		if !p.Rule.Kind(ctx, c).IsEmpty() {
			return model.Vec3i{}, false
		}
		if p.Rule.CanStand(ctx, c) {
			return c, true
		}
	}
	return model.Vec3i{}, false
}

// ValidStep reports whether b is reachable from a by exactly one move.
func (p *Planner) ValidStep(ctx context.Context, a, b model.Vec3i) bool {
	for _, n := range p.Neighbors(ctx, a) {
		if n == b {
			return true
		}
	}
	return false
}

func vec(c model.Vec3i) r3.Vec {
	return r3.Vec{X: float64(c.X), Y: float64(c.Y), Z: float64(c.Z)}
}

func (p *Planner) stepCost(a, b model.Vec3i) float64 {
	d := r3.Sub(vec(a), vec(b))
	if p.Metric == MetricEuclidean {
		return r3.Norm(d)
	}
	return r3.Norm2(d)
}

func heuristic(a, goal model.Vec3i) float64 {
	return r3.Norm(r3.Sub(vec(a), vec(goal)))
}

// FindPath runs A* from start to goal. It returns false when the goal is not standable, the
// grid cannot classify start, the open set runs dry, or IterationCap expansions pass without
// reaching the goal.
func (p *Planner) FindPath(ctx context.Context, start, goal model.Vec3i) (model.Path, Stats, bool) {
	p.applyDefaults()
	var st Stats
	if !p.Rule.CanStand(ctx, goal) {
		return nil, st, false
	}
	if p.Rule.Kind(ctx, start) == model.CellUnknown {
		return nil, st, false
	}
	if start == goal {
		return model.Path{start}, st, true
	}

	open := &openSet{}
	var seq uint64
	push := func(pos model.Vec3i, g float64) {
		seq++
		heap.Push(open, &node{pos: pos, g: g, f: g + heuristic(pos, goal), seq: seq})
	}

	closed := map[model.Vec3i]bool{}
	cameFrom := map[model.Vec3i]model.Vec3i{}
	gScore := map[model.Vec3i]float64{start: 0}
	push(start, 0)

	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		if closed[cur.pos] {
			continue
		}
		if st.Expanded >= p.IterationCap {
			st.CapHit = true
			return nil, st, false
		}
		st.Expanded++
		if cur.pos == goal {
			return reconstruct(cameFrom, start, goal), st, true
		}
		closed[cur.pos] = true

		for _, nb := range p.Neighbors(ctx, cur.pos) {
			if closed[nb] {
				continue
			}
			tentative := gScore[cur.pos] + p.stepCost(cur.pos, nb)
			if old, ok := gScore[nb]; ok && tentative >= old {
				continue
			}
			cameFrom[nb] = cur.pos
			gScore[nb] = tentative
			push(nb, tentative)
		}
	}
	return nil, st, false
}

func reconstruct(cameFrom map[model.Vec3i]model.Vec3i, start, goal model.Vec3i) model.Path {
	path := model.Path{goal}
	for p := goal; p != start; {
		prev, ok := cameFrom[p]
		if !ok {
			break
		}
		path = append(path, prev)
		p = prev
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

type node struct {
	pos model.Vec3i
	g   float64
	f   float64
	seq uint64
}

// openSet orders by f, then by insertion.
type openSet []*node

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	return o[i].seq < o[j].seq
}
func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x any)   { *o = append(*o, x.(*node)) }
func (o *openSet) Pop() any {
	old := *o
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*o = old[:len(old)-1]
	return n
}
