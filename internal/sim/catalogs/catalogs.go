package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"blockwalker.ai/internal/walker/model"
)

type Catalogs struct {
	Blocks BlockCatalog
}

type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string

	kinds []model.CellKind
}

type BlockDef struct {
	ID    string `json:"id"`
	Solid bool   `json:"solid"`
	// Kind is one of empty, solid, climbable, other. When omitted it is derived from Solid.
	Kind string `json:"kind,omitempty"`
}

func (d BlockDef) CellKind() model.CellKind {
	if d.Kind != "" {
		return model.ParseCellKind(d.Kind)
	}
	if d.ID == "AIR" {
		return model.CellEmpty
	}
	if d.Solid {
		return model.CellSolid
	}
	return model.CellOtherSolid
}

// KindOf classifies a palette id. Ids outside the palette are CellUnknown.
func (c *BlockCatalog) KindOf(id uint16) model.CellKind {
	if int(id) >= len(c.kinds) {
		return model.CellUnknown
	}
	return c.kinds[id]
}

// MustID returns the palette id of a block that the caller knows exists.
func (c *BlockCatalog) MustID(name string) uint16 {
	id, ok := c.Index[name]
	if !ok {
		panic(fmt.Sprintf("catalogs: unknown block %q", name))
	}
	return id
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	raw, err := os.ReadFile(filepath.Join(configDir, "blocks.json"))
	if err != nil {
		return nil, err
	}
	if err := ParseBlocks(raw, &c.Blocks); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseBlocks builds the palette from blocks.json content. AIR is always palette id 0; the
// remaining ids are sorted by name.
func ParseBlocks(raw []byte, out *BlockCatalog) error {
	out.DefsDigest = sha256Hex(raw)

	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	out.Defs = map[string]BlockDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("blocks.json: empty id")
		}
		if d.Kind != "" && model.ParseCellKind(d.Kind) == model.CellUnknown {
			return fmt.Errorf("blocks.json: %s: unknown kind %q", d.ID, d.Kind)
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if d, ok := out.Defs["AIR"]; !ok {
		return fmt.Errorf("blocks.json: missing AIR")
	} else if d.CellKind() != model.CellEmpty {
		return fmt.Errorf("blocks.json: AIR must be empty")
	}
	ids = append([]string{"AIR"}, filterOut(ids, "AIR")...)

	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	out.kinds = make([]model.CellKind, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
		out.kinds[i] = out.Defs[id].CellKind()
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func filterOut(in []string, remove string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == remove {
			continue
		}
		out = append(out, s)
	}
	return out
}
