package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/ctxlog"
	"github.com/thliang01/marimo/internal/fsutil"
	"github.com/thliang01/marimo/internal/notebook"
	"github.com/thliang01/marimo/internal/packages"
)

// FileExtension is the notebook file suffix used for directory
// discovery.
const FileExtension = ".nb.hcl"

// App encapsulates one session's dependencies and lifecycle. A session
// may span several notebooks when the configured path is a directory.
type App struct {
	outW      io.Writer
	errW      io.Writer
	logger    *slog.Logger
	notebooks []*notebook.Notebook
	paths     []string
	config    *Config
}

// NewApp loads the configured notebooks and returns a fully initialized
// App with its own isolated logger.
func NewApp(outW, errW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, errW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	paths, err := fsutil.Resolve(cfg.NotebookPath, FileExtension)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve notebook path: %w", err)
	}

	a := &App{
		outW:   outW,
		errW:   errW,
		logger: logger,
		paths:  paths,
		config: cfg,
	}
	for _, path := range paths {
		nb, err := notebook.Load(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load notebook: %w", err)
		}
		logger.Debug("Notebook loaded.", "path", path, "cells", len(nb.CellNames()))
		a.observe(nb)
		a.notebooks = append(a.notebooks, nb)
	}
	return a, nil
}

// observe attaches a logging observer to every cell, so state
// transitions show up in the session log.
func (a *App) observe(nb *notebook.Notebook) {
	obs := &logObserver{logger: a.logger, names: make(map[cell.ID]string)}
	for _, name := range nb.CellNames() {
		if c, ok := nb.Cell(name); ok {
			obs.names[c.ID] = name
			c.SetObserver(obs)
		}
	}
}

type logObserver struct {
	logger *slog.Logger
	names  map[cell.ID]string
}

func (o *logObserver) nameFor(id cell.ID) string {
	if name := o.names[id]; name != "" {
		return name
	}
	return string(id)
}

func (o *logObserver) OnRuntimeStateChange(id cell.ID, state cell.RuntimeState) {
	o.logger.Debug("Cell state changed.", "cell", o.nameFor(id), "state", string(state))
}

func (o *logObserver) OnStaleChange(id cell.ID, stale bool) {
	o.logger.Debug("Cell staleness changed.", "cell", o.nameFor(id), "stale", stale)
}

// Notebook exposes the first loaded notebook. This is primarily for
// testing.
func (a *App) Notebook() *notebook.Notebook {
	return a.notebooks[0]
}

// installer builds the package installer for the configured manager, or
// nil when installation is disabled.
func (a *App) installer() *packages.Installer {
	if a.config.PackageManager == "" {
		return nil
	}
	mgr := &packages.CommandManager{
		Binary:        a.config.PackageManager,
		InstallArgs:   []string{"install"},
		UninstallArgs: []string{"uninstall"},
		ListArgs:      []string{"list", "--format=freeze"},
	}
	return packages.NewInstaller(mgr, nil)
}
