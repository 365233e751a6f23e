// Package testutil provides shared helpers for integration-style tests:
// a harness that writes a notebook file, runs it through the app, and
// captures output and logs.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thliang01/marimo/internal/app"
)

// SafeBuffer is a thread-safe buffer for capturing output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcomes of one harness run.
type HarnessResult struct {
	Output    string
	LogOutput string
	Err       error
	App       *app.App
}

// RunNotebookTest writes the notebook source to a temp file, runs it
// through the full app, and returns everything the test needs to make
// assertions. Load failures and run failures both land in Err.
func RunNotebookTest(t *testing.T, source string, mutate ...func(*app.Config)) *HarnessResult {
	t.Helper()
	return RunNotebookTestWithContext(context.Background(), t, source, mutate...)
}

// RunNotebookTestWithContext is RunNotebookTest with a caller-provided
// context, for cancellation tests.
func RunNotebookTestWithContext(ctx context.Context, t *testing.T, source string, mutate ...func(*app.Config)) *HarnessResult {
	t.Helper()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "notebook"+app.FileExtension)
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))

	cfg := app.Config{
		NotebookPath: path,
		LogLevel:     "debug",
		LogFormat:    "text",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	config, err := app.NewConfig(cfg)
	require.NoError(t, err)

	outBuf := &SafeBuffer{}
	logBuf := &SafeBuffer{}

	testApp, err := app.NewApp(outBuf, logBuf, config)
	if err != nil {
		return &HarnessResult{
			Output:    outBuf.String(),
			LogOutput: logBuf.String(),
			Err:       err,
		}
	}

	runErr := testApp.Run(ctx)
	return &HarnessResult{
		Output:    outBuf.String(),
		LogOutput: logBuf.String(),
		Err:       runErr,
		App:       testApp,
	}
}
