// Package app wires a notebook session together: it configures the
// logger, loads the notebook file, optionally installs missing
// packages, runs the cells, and renders results. The CLI is a thin
// shell over this package.
package app
