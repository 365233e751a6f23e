// Package packages maps imported module paths to installable package
// names and drives best-effort installation of missing dependencies.
package packages

import (
	"context"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/thliang01/marimo/internal/ctxlog"
	"github.com/thliang01/marimo/internal/dataflow"
)

// Description identifies one installed package.
type Description struct {
	Name    string
	Version string
}

// Manager installs and removes packages in the environment backing a
// session.
type Manager interface {
	// Name identifies the manager, e.g. "pip" or "uv".
	Name() string
	// Installed reports whether the environment already provides the
	// module. Managers that cannot tell report false; installs are
	// idempotent either way.
	Installed(ctx context.Context, module string) bool
	// Install installs one package. An empty version means latest;
	// upgrade replaces a version already present.
	Install(ctx context.Context, pkg, version string, upgrade bool) error
	// Uninstall removes one package.
	Uninstall(ctx context.Context, pkg string) error
	// ListInstalled enumerates the packages the environment holds.
	ListInstalled(ctx context.Context) ([]Description, error)
}

// Canonicalizer translates between module paths (as they appear in
// import calls) and package names (as the manager knows them). Known
// irregular pairs come from the mapping; everything else falls back to
// the underscore/hyphen convention.
type Canonicalizer struct {
	moduleToPackage map[string]string
	packageToModule map[string]string
}

// NewCanonicalizer builds a Canonicalizer from module-to-package pairs.
func NewCanonicalizer(mapping map[string]string) *Canonicalizer {
	c := &Canonicalizer{
		moduleToPackage: make(map[string]string, len(mapping)),
		packageToModule: make(map[string]string, len(mapping)),
	}
	for module, pkg := range mapping {
		c.moduleToPackage[module] = pkg
		c.packageToModule[pkg] = module
	}
	return c
}

// PackageForModule returns the package that provides a module. Only the
// root segment of a dotted path matters.
func (c *Canonicalizer) PackageForModule(module string) string {
	root := module
	if i := strings.IndexByte(root, '.'); i >= 0 {
		root = root[:i]
	}
	if pkg, ok := c.moduleToPackage[root]; ok {
		return pkg
	}
	return strings.ReplaceAll(root, "_", "-")
}

// ModuleForPackage returns the importable module for a package name.
func (c *Canonicalizer) ModuleForPackage(pkg string) string {
	if module, ok := c.packageToModule[pkg]; ok {
		return module
	}
	return strings.ReplaceAll(pkg, "-", "_")
}

// Installer wraps a Manager with attempt memoization: each package is
// installed at most once per session, whether or not the attempt
// succeeded. Failed installs are reported to the caller but never
// retried implicitly.
type Installer struct {
	manager Manager
	canon   *Canonicalizer

	mu        sync.Mutex
	attempted map[string]error
}

// NewInstaller builds an Installer. A nil canonicalizer gets an empty
// mapping.
func NewInstaller(m Manager, canon *Canonicalizer) *Installer {
	if canon == nil {
		canon = NewCanonicalizer(nil)
	}
	return &Installer{
		manager:   m,
		canon:     canon,
		attempted: make(map[string]error),
	}
}

// Attempted reports whether the package has been tried this session,
// and the recorded outcome if so.
func (in *Installer) Attempted(pkg string) (error, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	err, ok := in.attempted[pkg]
	return err, ok
}

// Install installs one package, memoizing the outcome.
func (in *Installer) Install(ctx context.Context, pkg, version string) error {
	in.mu.Lock()
	if err, done := in.attempted[pkg]; done {
		in.mu.Unlock()
		return err
	}
	in.mu.Unlock()

	err := in.manager.Install(ctx, pkg, version, false)
	in.mu.Lock()
	in.attempted[pkg] = err
	in.mu.Unlock()
	return err
}

// InstallMissing walks the graph's import triples and installs the
// package for every module the environment reports missing. A nil have
// func defers to the manager's own Installed check. The first error
// does not stop the sweep; all failures are logged and the last one is
// returned.
func (in *Installer) InstallMissing(ctx context.Context, g *dataflow.Graph, have func(module string) bool) error {
	logger := ctxlog.FromContext(ctx)
	if have == nil {
		have = func(module string) bool { return in.manager.Installed(ctx, module) }
	}

	missing := make(map[string]struct{})
	for _, triple := range g.ImportTriples() {
		if have(triple.Module) {
			continue
		}
		missing[in.canon.PackageForModule(triple.Module)] = struct{}{}
	}

	pkgs := make([]string, 0, len(missing))
	for pkg := range missing {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	var lastErr error
	for _, pkg := range pkgs {
		if err := in.Install(ctx, pkg, ""); err != nil {
			logger.Warn("package install failed",
				"manager", in.manager.Name(), "package", pkg, "error", err)
			lastErr = err
		} else {
			logger.Info("installed package",
				"manager", in.manager.Name(), "package", pkg)
		}
	}
	return lastErr
}

// CommandManager shells out to an external package manager binary.
type CommandManager struct {
	Binary        string
	InstallArgs   []string
	UninstallArgs []string
	// ListArgs, when set, must produce freeze-format output, one
	// "name==version" line per package.
	ListArgs []string
	// Canon translates modules to package names for Installed checks.
	Canon *Canonicalizer
}

// Name returns the binary name.
func (m *CommandManager) Name() string { return m.Binary }

// Installed consults the manager's package listing. Without ListArgs
// the environment is opaque and every module reports missing.
func (m *CommandManager) Installed(ctx context.Context, module string) bool {
	if len(m.ListArgs) == 0 {
		return false
	}
	canon := m.Canon
	if canon == nil {
		canon = NewCanonicalizer(nil)
	}
	want := canon.PackageForModule(module)
	installed, err := m.ListInstalled(ctx)
	if err != nil {
		return false
	}
	for _, desc := range installed {
		if desc.Name == want {
			return true
		}
	}
	return false
}

// Install runs the configured install command for one package.
func (m *CommandManager) Install(ctx context.Context, pkg, version string, upgrade bool) error {
	spec := pkg
	if version != "" {
		spec = pkg + "==" + version
	}
	args := append([]string{}, m.InstallArgs...)
	if upgrade {
		args = append(args, "--upgrade")
	}
	args = append(args, spec)
	cmd := exec.CommandContext(ctx, m.Binary, args...)
	return cmd.Run()
}

// Uninstall runs the configured uninstall command for one package.
func (m *CommandManager) Uninstall(ctx context.Context, pkg string) error {
	args := append(append([]string{}, m.UninstallArgs...), pkg)
	cmd := exec.CommandContext(ctx, m.Binary, args...)
	return cmd.Run()
}

// ListInstalled runs the configured list command and parses its
// freeze-format output.
func (m *CommandManager) ListInstalled(ctx context.Context) ([]Description, error) {
	if len(m.ListArgs) == 0 {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, m.Binary, m.ListArgs...)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var descs []Description
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, version, _ := strings.Cut(line, "==")
		descs = append(descs, Description{Name: name, Version: version})
	}
	return descs, nil
}

// NoopManager records calls without touching any environment. It backs
// tests and the dry-run mode of the CLI.
type NoopManager struct {
	mu       sync.Mutex
	Installs []string
	Removed  []string
	// Have preseeds modules the fake environment already provides.
	Have map[string]bool
	// Fail marks package names whose install should report an error.
	Fail map[string]error
}

// Name identifies the manager as inert.
func (m *NoopManager) Name() string { return "noop" }

// Installed reports preseeded modules.
func (m *NoopManager) Installed(_ context.Context, module string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Have[module]
}

// Install records the request and returns any configured failure.
func (m *NoopManager) Install(_ context.Context, pkg, _ string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Fail[pkg]; ok {
		return err
	}
	m.Installs = append(m.Installs, pkg)
	return nil
}

// Uninstall records the request.
func (m *NoopManager) Uninstall(_ context.Context, pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removed = append(m.Removed, pkg)
	return nil
}

// ListInstalled reports what Install has recorded.
func (m *NoopManager) ListInstalled(_ context.Context) ([]Description, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	descs := make([]Description, 0, len(m.Installs))
	for _, pkg := range m.Installs {
		descs = append(descs, Description{Name: pkg})
	}
	return descs, nil
}
