// SPDX-License-Identifier: LGPL-3.0-or-later

package project

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/castra-dev/castra/internal/errs"
)

// ConfigSource selects how load resolves a project description.
type ConfigSource string

const (
	SourceExplicitPath ConfigSource = "explicit_path"
	SourceDiscoverUpward ConfigSource = "discover_upward"
	SourceSynthesizeDefault ConfigSource = "synthesize_default"
)

// Traverser abstracts upward directory scanning so tests can assert it was
// never invoked under the discovery-skip contract.
type Traverser interface {
	// FindUpward walks from dir toward the filesystem root looking for
	// fileName, returning its containing directory.
	FindUpward(dir, fileName string) (string, bool)
}

type osTraverser struct{}

func (osTraverser) FindUpward(dir, fileName string) (string, bool) {
	for {
		candidate := filepath.Join(dir, fileName)
		if _, err := os.Stat(candidate); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// DiscoveryPolicy is the strict pairing the discovery contract enforces.
type DiscoveryPolicy struct {
	// SkipDiscovery, when true, forbids any upward filesystem traversal.
	SkipDiscovery bool
	// ExplicitPath is the config file path, if the caller supplied one.
	ExplicitPath string
	// ExplicitStateRoot is the state root, if the caller supplied one.
	ExplicitStateRoot string
}

// LoadOptions parameterizes load.
type LoadOptions struct {
	Source        ConfigSource
	Discovery     DiscoveryPolicy
	StartDir      string // directory to discover upward from / synthesize default in
	Traverser     Traverser
	ConfigFileName string // defaults to "castra.yaml"
}

const defaultConfigFileName = "castra.yaml"

// Load resolves a Project. It enforces the discovery-skip contract before
// touching the filesystem: if discovery is skipped and
// neither an explicit config path nor an explicit state root is given, it
// returns ConfigRequired immediately — no traversal, no synthesis.
func Load(opts LoadOptions) (*Project, []Diagnostic, error) {
	if opts.ConfigFileName == "" {
		opts.ConfigFileName = defaultConfigFileName
	}
	if opts.Traverser == nil {
		opts.Traverser = osTraverser{}
	}

	if opts.Discovery.SkipDiscovery &&
		opts.Discovery.ExplicitPath == "" &&
		opts.Discovery.ExplicitStateRoot == "" {
		return nil, nil, errs.New(errs.ConfigRequired,
			"discovery skipped without an explicit --config or --state-root")
	}

	configPath, configDir, origin, err := resolveConfigPath(opts)
	if err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ConfigInvalid, "read project config", err)
	}

	proj, err := parseYAML(data)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ConfigInvalid, "parse project config", err)
	}

	proj.ConfigDir = configDir
	proj.ConfigOrigin = origin
	applyDefaults(proj)

	if opts.Discovery.ExplicitStateRoot != "" {
		abs, err := filepath.Abs(opts.Discovery.ExplicitStateRoot)
		if err != nil {
			return nil, nil, errs.Wrap(errs.ConfigInvalid, "resolve state root", err)
		}
		proj.WorkspaceRoot = abs
	} else if proj.StateDir != "" {
		proj.WorkspaceRoot = resolvePath(proj.StateDir, configDir, "")
	} else {
		root, err := WorkspaceRootFor(proj)
		if err != nil {
			return nil, nil, err
		}
		proj.WorkspaceRoot = root
	}

	rebasePaths(proj)

	diags, hardErr := Validate(proj)
	if hardErr != nil {
		return nil, diags, hardErr
	}

	return proj, diags, nil
}

func resolveConfigPath(opts LoadOptions) (configPath, configDir, origin string, err error) {
	if opts.Discovery.ExplicitPath != "" {
		abs, aerr := filepath.Abs(opts.Discovery.ExplicitPath)
		if aerr != nil {
			return "", "", "", errs.Wrap(errs.ConfigInvalid, "resolve --config path", aerr)
		}
		return abs, filepath.Dir(abs), string(SourceExplicitPath), nil
	}

	start := opts.StartDir
	if start == "" {
		start, err = os.Getwd()
		if err != nil {
			return "", "", "", errs.Wrap(errs.ConfigInvalid, "determine working directory", err)
		}
	}

	if !opts.Discovery.SkipDiscovery {
		if dir, ok := opts.Traverser.FindUpward(start, opts.ConfigFileName); ok {
			return filepath.Join(dir, opts.ConfigFileName), dir, string(SourceDiscoverUpward), nil
		}
	}

	// A workspace that has run before keeps a fully-resolved copy of its
	// config under metadata/, so an explicit state root alone is enough to
	// reload the project without any traversal.
	if opts.Discovery.ExplicitStateRoot != "" {
		if snap, ok := snapshotPath(opts.Discovery.ExplicitStateRoot); ok {
			return snap, filepath.Dir(snap), "config_snapshot", nil
		}
	}

	// Discovery found nothing and no snapshot exists: synthesize_default
	// has no file on disk to read, so report it the same way an absent
	// explicit path would be.
	return "", "", "", errs.New(errs.ConfigInvalid,
		fmt.Sprintf("no %s found starting from %s", opts.ConfigFileName, start))
}

const snapshotFileName = "config_snapshot.yaml"

// snapshotPath locates the workspace's config snapshot if one was written
// by a prior run.
func snapshotPath(stateRoot string) (string, bool) {
	abs, err := filepath.Abs(stateRoot)
	if err != nil {
		return "", false
	}
	snap := filepath.Join(abs, "metadata", snapshotFileName)
	if _, err := os.Stat(snap); err != nil {
		return "", false
	}
	return snap, true
}

// WorkspaceRootFor computes the deterministic workspace state root for a
// project from its identity and config directory hash.
func WorkspaceRootFor(p *Project) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.Wrap(errs.ConfigInvalid, "determine home directory", err)
	}

	h := sha256.Sum256([]byte(p.ConfigDir))
	hash := hex.EncodeToString(h[:])[:12]
	slug := slugify(p.Name)

	return filepath.Join(home, ".castra", "projects", slug+"-"+hash), nil
}

func slugify(name string) string {
	if name == "" {
		return "project"
	}
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == '-' || r == '_':
			out = append(out, '-')
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

// resolvePath applies the path rebasing rule: a path prefixed with the
// literal workspace marker resolves against the workspace root; every
// other relative path resolves against the config directory.
func resolvePath(p, configDir, workspaceRoot string) string {
	if p == "" {
		return p
	}
	if filepath.IsAbs(p) {
		return p
	}
	if rest, ok := stripMarker(p); ok {
		if workspaceRoot == "" {
			return filepath.Join(configDir, p) // workspace root not yet known; caller rebases later
		}
		return filepath.Join(workspaceRoot, rest)
	}
	return filepath.Join(configDir, p)
}

func stripMarker(p string) (string, bool) {
	if len(p) >= len(WorkspaceMarker) && p[:len(WorkspaceMarker)] == WorkspaceMarker {
		return p[len(WorkspaceMarker):], true
	}
	return "", false
}

func rebasePaths(p *Project) {
	for i := range p.VMs {
		vm := &p.VMs[i]
		if vm.Base.Explicit != "" {
			vm.Base.Explicit = resolvePath(vm.Base.Explicit, p.ConfigDir, p.WorkspaceRoot)
		} else {
			vm.Base.Provenance = "managed"
		}
		if vm.Base.Provenance == "" {
			vm.Base.Provenance = "explicit"
		}
		if vm.Overlay != "" {
			vm.Overlay = resolvePath(vm.Overlay, p.ConfigDir, p.WorkspaceRoot)
		} else {
			vm.Overlay = filepath.Join(p.WorkspaceRoot, "overlays", vm.Name+".qcow2")
		}
		if vm.Bootstrap.Script != "" {
			vm.Bootstrap.Script = resolvePath(vm.Bootstrap.Script, p.ConfigDir, p.WorkspaceRoot)
		}
		if vm.Bootstrap.Payload != "" {
			vm.Bootstrap.Payload = resolvePath(vm.Bootstrap.Payload, p.ConfigDir, p.WorkspaceRoot)
		}
		if vm.SSH.Identity != "" {
			vm.SSH.Identity = resolvePath(vm.SSH.Identity, p.ConfigDir, p.WorkspaceRoot)
		}
	}
}

func applyDefaults(p *Project) {
	if p.Version == "" {
		p.Version = "0.0.0"
	}
	if p.Lifecycle == (LifecyclePolicy{}) {
		p.Lifecycle = DefaultLifecyclePolicy()
	}
	if p.BootstrapPolicy.DefaultMode == "" {
		p.BootstrapPolicy.DefaultMode = BootstrapAuto
	}
	for i := range p.VMs {
		vm := &p.VMs[i]
		if vm.CPU == 0 {
			vm.CPU = 1
		}
		if vm.MemoryMB == 0 {
			vm.MemoryMB = 1024
		}
		if vm.SSH.User == "" {
			vm.SSH.User = "root"
		}
		if vm.Bootstrap.RemoteDir == "" {
			vm.Bootstrap.RemoteDir = "/tmp/castra-bootstrap"
		}
		if vm.Base.Explicit == "" {
			if vm.Base.ManagedID == "" {
				vm.Base.ManagedID = "castra-base"
			}
			if vm.Base.ManagedVersion == "" {
				vm.Base.ManagedVersion = "default"
			}
		}
	}
}

// WorkspaceID derives the stable workspace id from its state root. It is
// the same id recorded in metadata/workspace.json and reported by
// aggregated status, so the two always agree.
func WorkspaceID(stateRoot string) string {
	h := sha256.Sum256([]byte(stateRoot))
	return hex.EncodeToString(h[:])[:12]
}

// WriteWorkspaceMetadata persists metadata/workspace.json (the source of
// truth for cross-workspace discovery) and a fully-resolved config
// snapshot beside it, which lets a later invocation reload the project
// from the state root alone.
func WriteWorkspaceMetadata(p *Project, invocation string) error {
	dir := filepath.Join(p.WorkspaceRoot, "metadata")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.ConfigInvalid, "create metadata directory", err)
	}

	meta := WorkspaceMetadata{
		ID:             WorkspaceID(p.WorkspaceRoot),
		ProjectName:    p.Name,
		ProjectVersion: p.Version,
		ConfigOrigin:   p.ConfigOrigin,
		Invocation:     invocation,
		UpdatedAt:      time.Now(),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "workspace.json"), data, 0o644); err != nil {
		return err
	}

	snap, err := renderYAML(p)
	if err != nil {
		return errs.Wrap(errs.ConfigInvalid, "render config snapshot", err)
	}
	return os.WriteFile(filepath.Join(dir, snapshotFileName), snap, 0o644)
}

// DiscoverActiveWorkspaces enumerates workspace.json records under the
// global projects root, in directory-listing order.
func DiscoverActiveWorkspaces() ([]WorkspaceMetadata, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	root := filepath.Join(home, ".castra", "projects")

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []WorkspaceMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(root, entry.Name(), "metadata", "workspace.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue // stale/partial workspace; skip rather than abort discovery
		}
		var meta WorkspaceMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		meta.Root = filepath.Join(root, entry.Name())
		out = append(out, meta)
	}
	return out, nil
}
