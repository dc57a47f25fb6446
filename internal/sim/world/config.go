package world

import (
	"fmt"

	"blockwalker.ai/internal/walker/model"
)

type WorldConfig struct {
	ID string
	// Bounds is the loaded volume. Cells outside it classify as unknown.
	Bounds model.Region
	// Spawn is the cell new agents are placed in.
	Spawn model.Vec3i
}

func (c WorldConfig) validate() error {
	if c.ID == "" {
		return fmt.Errorf("world id is required")
	}
	if !c.Bounds.Contains(c.Spawn) {
		return fmt.Errorf("spawn %s outside bounds %s..%s", c.Spawn, c.Bounds.Min, c.Bounds.Max)
	}
	return nil
}
