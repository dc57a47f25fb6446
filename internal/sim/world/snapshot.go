package world

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"blockwalker.ai/internal/persistence/snapshot"
	"blockwalker.ai/internal/sim/catalogs"
	simenc "blockwalker.ai/internal/sim/encoding"
	"blockwalker.ai/internal/walker/model"
)

func vecArr(v model.Vec3i) [3]int { return [3]int{v.X, v.Y, v.Z} }

func arrVec(a [3]int) model.Vec3i { return model.Vec3i{X: a[0], Y: a[1], Z: a[2]} }

// ExportSnapshot captures the world. It must run on the loop goroutine or before Run; use
// RequestSnapshot from elsewhere.
func (w *World) ExportSnapshot() snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			SavedAt: time.Now().Unix(),
		},
		BoundsMin:     vecArr(w.cfg.Bounds.Min),
		BoundsMax:     vecArr(w.cfg.Bounds.Max),
		Spawn:         vecArr(w.cfg.Spawn),
		Palette:       append([]string(nil), w.blocks.Palette...),
		PaletteDigest: w.blocks.PaletteDigest,
		NextAgent:     w.nextAgentNum,
	}
	for _, k := range w.chunks.Keys() {
		c := w.chunks.Chunk(k)
		d := c.Digest()
		snap.Chunks = append(snap.Chunks, snapshot.ChunkV1{
			CX:     k.CX,
			CY:     k.CY,
			CZ:     k.CZ,
			Blocks: simenc.EncodeRLE(c.Blocks),
			Digest: hex.EncodeToString(d[:]),
		})
	}
	ids := make([]string, 0, len(w.agents))
	for id := range w.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := w.agents[id]
		snap.Agents = append(snap.Agents, snapshot.AgentV1{
			ID:   a.ID,
			Name: a.Name,
			Pos:  [3]float64{a.Pose.X, a.Pose.Y, a.Pose.Z},
		})
	}
	return snap
}

// FromSnapshot rebuilds a world. Palette ids are remapped by block name, so a snapshot stays
// loadable after blocks.json gains entries.
func FromSnapshot(snap snapshot.SnapshotV1, cats *catalogs.Catalogs) (*World, error) {
	if cats == nil {
		return nil, fmt.Errorf("catalogs are required")
	}
	cfg := WorldConfig{
		ID:     snap.Header.WorldID,
		Bounds: model.NewRegion(arrVec(snap.BoundsMin), arrVec(snap.BoundsMax)),
		Spawn:  arrVec(snap.Spawn),
	}
	w, err := New(cfg, cats)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snap.Header.WorldID, err)
	}

	remap := make([]uint16, len(snap.Palette))
	for i, name := range snap.Palette {
		id, ok := cats.Blocks.Index[name]
		if !ok {
			return nil, fmt.Errorf("snapshot %s: unknown block %q", cfg.ID, name)
		}
		remap[i] = id
	}

	for _, cv := range snap.Chunks {
		blocks, err := simenc.DecodeRLEExact(cv.Blocks, chunkVolume)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: chunk %d,%d,%d: %w", cfg.ID, cv.CX, cv.CY, cv.CZ, err)
		}
		c := newChunk(ChunkKey{CX: cv.CX, CY: cv.CY, CZ: cv.CZ}, 0)
		for i, b := range blocks {
			if int(b) >= len(remap) {
				return nil, fmt.Errorf("snapshot %s: chunk %d,%d,%d: palette id %d out of range", cfg.ID, cv.CX, cv.CY, cv.CZ, b)
			}
			c.Blocks[i] = remap[b]
		}
		w.chunks.put(c)
	}

	for _, av := range snap.Agents {
		w.agents[av.ID] = &Agent{
			ID:   av.ID,
			Name: av.Name,
			Pose: model.Pose{X: av.Pos[0], Y: av.Pos[1], Z: av.Pos[2]},
		}
	}
	w.nextAgentNum = snap.NextAgent
	return w, nil
}
