package app

import "errors"

// Config holds everything an App needs to run a notebook.
type Config struct {
	NotebookPath string

	LogFormat string
	LogLevel  string

	// CellNames restricts the run to the named cells and their
	// descendants. Empty means run everything.
	CellNames []string

	// PackageManager names the external binary used to install missing
	// packages. Empty disables installation.
	PackageManager string

	// ExportPath, when set, writes the notebook's serialized form there
	// after the run.
	ExportPath string
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.NotebookPath == "" {
		return nil, errors.New("NotebookPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
