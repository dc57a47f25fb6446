package world

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"blockwalker.ai/internal/walker/model"
)

const ChunkSize = 16

const chunkVolume = ChunkSize * ChunkSize * ChunkSize

type ChunkKey struct {
	CX, CY, CZ int
}

type Chunk struct {
	Key    ChunkKey
	Blocks []uint16 // len = 16^3

	dirty bool
	hash  [32]byte
}

func newChunk(k ChunkKey, fill uint16) *Chunk {
	c := &Chunk{Key: k, Blocks: make([]uint16, chunkVolume), dirty: true}
	if fill != 0 {
		for i := range c.Blocks {
			c.Blocks[i] = fill
		}
	}
	return c
}

func (c *Chunk) index(x, y, z int) int {
	// x fastest, then z, then y
	return x + z*ChunkSize + y*ChunkSize*ChunkSize
}

func (c *Chunk) Get(x, y, z int) uint16 {
	return c.Blocks[c.index(x, y, z)]
}

func (c *Chunk) Set(x, y, z int, b uint16) {
	i := c.index(x, y, z)
	if c.Blocks[i] == b {
		return
	}
	c.Blocks[i] = b
	c.dirty = true
}

func (c *Chunk) uniform(b uint16) bool {
	for _, v := range c.Blocks {
		if v != b {
			return false
		}
	}
	return true
}

func (c *Chunk) Digest() [32]byte {
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.Blocks {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}

// ChunkStore is a sparse voxel store. Chunks that were never written read as air.
type ChunkStore struct {
	air    uint16
	chunks map[ChunkKey]*Chunk
}

func NewChunkStore(air uint16) *ChunkStore {
	return &ChunkStore{air: air, chunks: map[ChunkKey]*Chunk{}}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func split(p model.Vec3i) (ChunkKey, int, int, int) {
	k := ChunkKey{CX: floorDiv(p.X, ChunkSize), CY: floorDiv(p.Y, ChunkSize), CZ: floorDiv(p.Z, ChunkSize)}
	return k, p.X - k.CX*ChunkSize, p.Y - k.CY*ChunkSize, p.Z - k.CZ*ChunkSize
}

func (s *ChunkStore) GetBlock(p model.Vec3i) uint16 {
	k, x, y, z := split(p)
	c := s.chunks[k]
	if c == nil {
		return s.air
	}
	return c.Get(x, y, z)
}

func (s *ChunkStore) SetBlock(p model.Vec3i, b uint16) {
	k, x, y, z := split(p)
	c := s.chunks[k]
	if c == nil {
		if b == s.air {
			return
		}
		c = newChunk(k, s.air)
		s.chunks[k] = c
	}
	c.Set(x, y, z, b)
}

// Fill sets every block of an inclusive region.
func (s *ChunkStore) Fill(r model.Region, b uint16) {
	r.Each(func(p model.Vec3i) bool {
		s.SetBlock(p, b)
		return true
	})
}

func (s *ChunkStore) Chunk(k ChunkKey) *Chunk { return s.chunks[k] }

func (s *ChunkStore) put(c *Chunk) { s.chunks[c.Key] = c }

// Keys returns the stored chunk keys in (CY, CZ, CX) order, skipping all-air chunks.
func (s *ChunkStore) Keys() []ChunkKey {
	keys := make([]ChunkKey, 0, len(s.chunks))
	for k, c := range s.chunks {
		if c.uniform(s.air) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.CY != b.CY {
			return a.CY < b.CY
		}
		if a.CZ != b.CZ {
			return a.CZ < b.CZ
		}
		return a.CX < b.CX
	})
	return keys
}
