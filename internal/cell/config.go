package cell

import (
	"context"

	"github.com/thliang01/marimo/internal/ctxlog"
)

// Config is a cell's explicit, user-facing configuration.
type Config struct {
	// Column is the editor column the cell is placed in; nil means the
	// default column.
	Column *int
	// Disabled prevents the cell from ever running. Its descendants are
	// marked disabled-transitively, not idle.
	Disabled bool
	// HideCode hides the cell's source in the editor.
	HideCode bool
}

// configKeys is the schema of recognized configuration keys.
var configKeys = map[string]struct{}{
	"column":    {},
	"disabled":  {},
	"hide_code": {},
}

// Config returns a copy of the cell's current configuration.
func (c *Cell) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// SetConfig replaces the cell's configuration wholesale.
func (c *Cell) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
}

// Disabled reports whether the cell is directly disabled by its config.
func (c *Cell) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Disabled
}

// Configure merges a partial update into the cell's configuration.
// Unknown keys are logged and dropped rather than treated as fatal, so
// notebooks written against newer schemas still load.
func (c *Cell) Configure(ctx context.Context, update map[string]any) {
	logger := ctxlog.FromContext(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, raw := range update {
		if _, known := configKeys[key]; !known {
			logger.Warn("Dropping unknown cell config key.", "cell_id", c.ID, "key", key)
			continue
		}
		switch key {
		case "column":
			switch v := raw.(type) {
			case int:
				col := v
				c.config.Column = &col
			case nil:
				c.config.Column = nil
			default:
				logger.Warn("Ignoring cell config value of wrong type.", "cell_id", c.ID, "key", key)
			}
		case "disabled":
			if v, ok := raw.(bool); ok {
				c.config.Disabled = v
			} else {
				logger.Warn("Ignoring cell config value of wrong type.", "cell_id", c.ID, "key", key)
			}
		case "hide_code":
			if v, ok := raw.(bool); ok {
				c.config.HideCode = v
			} else {
				logger.Warn("Ignoring cell config value of wrong type.", "cell_id", c.ID, "key", key)
			}
		}
	}
}
