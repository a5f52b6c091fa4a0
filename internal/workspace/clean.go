// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/castra-dev/castra/internal/assets"
	"github.com/castra-dev/castra/internal/errs"
	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
	"github.com/castra-dev/castra/internal/vmrun"
)

// CleanScope selects what `clean` sweeps.
type CleanScope string

const (
	ScopeWorkspace CleanScope = "workspace"
	ScopeGlobal    CleanScope = "global"
)

// CleanOptions parameterizes `clean`.
type CleanOptions struct {
	Scope CleanScope
	Force bool
	// IncludeOverlays also removes overlay files. Workspace scope only —
	// global scope never removes overlays regardless of this flag, since a
	// foreign workspace's overlay-to-VM mapping isn't available from just
	// its metadata sidecar.
	IncludeOverlays bool
	// IncludeLogs re-adds log reclamation under ManagedOnly. Without
	// ManagedOnly it is redundant: logs are reclaimed by default.
	IncludeLogs bool
	// ManagedOnly restricts the sweep to managed (downloaded) image caches,
	// leaving pidfiles, sockets, logs, and overlays in place. Explicit-path
	// bases aren't cached under images/ at all, so they are never touched.
	ManagedOnly bool
	DryRun      bool
}

// Clean reclaims cached images, logs, pidfiles, and monitor sockets (and,
// workspace-scoped with IncludeOverlays, overlay files) from one workspace
// or every workspace under the global projects root. Refuses a workspace
// with a live VM process unless Force is set; a permission error on one
// entry in global scope is downgraded to a diagnostic and the sweep
// continues rather than aborting.
func (o *Orchestrator) Clean(opts CleanOptions) (*CleanOutcome, error) {
	cmdID := uuid.NewString()
	outcome := &CleanOutcome{}

	roots := []string{o.Project.WorkspaceRoot}
	if opts.Scope == ScopeGlobal {
		metas, err := project.DiscoverActiveWorkspaces()
		if err != nil {
			return outcome, err
		}
		roots = roots[:0]
		for _, m := range metas {
			roots = append(roots, m.Root)
		}
	}

	// Decide refusal before sweeping anything so the acceptance event
	// precedes every cleanup_progress event, and a fully-refused command
	// performs no work at all.
	refused := map[string]bool{}
	for _, root := range roots {
		if live := liveVMs(root); len(live) > 0 && !opts.Force {
			outcome.Refused = append(outcome.Refused, live...)
			refused[root] = true
		}
	}
	if len(refused) == len(roots) && len(refused) > 0 {
		detail := fmt.Sprintf("live VM process(es) detected: %s", strings.Join(outcome.Refused, ", "))
		o.publish(events.Event{Kind: events.KindCommandRejected, ID: cmdID, Detail: detail})
		return outcome, errs.WithHelp(errs.CleanupRefused, detail,
			"run `castra down` first, or pass --force to clean anyway")
	}
	o.publish(events.Event{Kind: events.KindCommandAccepted, ID: cmdID})

	for _, root := range roots {
		if refused[root] {
			continue
		}
		if opts.Scope == ScopeGlobal {
			// A concurrent `up` in a foreign workspace may be finalizing a
			// base image or writing pidfiles right now; the sweep lock keeps
			// the two from racing over the same entries. A held lock skips
			// the workspace rather than waiting on it.
			unlock, err := acquireSweepLock(root)
			if err != nil {
				outcome.Diagnostics = append(outcome.Diagnostics, project.Diagnostic{
					Severity: "warn",
					Message:  "workspace is locked by another process, skipped",
					Path:     root,
				})
				continue
			}
			o.cleanRoot(root, opts, outcome)
			unlock()
			continue
		}
		o.cleanRoot(root, opts, outcome)
	}

	if len(outcome.Refused) > 0 {
		// Global scope: some workspaces were swept, the refused ones were
		// not. The partial result is still reported.
		return outcome, errs.WithHelp(errs.CleanupRefused,
			fmt.Sprintf("live VM process(es) detected: %s", strings.Join(outcome.Refused, ", ")),
			"run `castra down` first, or pass --force to clean anyway")
	}

	return outcome, nil
}

func (o *Orchestrator) publish(e events.Event) {
	if o.Bus != nil {
		o.Bus.Publish(e)
	}
}

// liveVMs lists the VM names under root with a currently-live pidfile.
func liveVMs(root string) []string {
	names, err := readPidFileNames(root)
	if err != nil {
		return nil
	}
	var live []string
	for _, name := range names {
		if vmrun.InspectState(root, name) == vmrun.StateRunning {
			live = append(live, name)
		}
	}
	return live
}

func (o *Orchestrator) cleanRoot(root string, opts CleanOptions, outcome *CleanOutcome) {
	globalScope := opts.Scope == ScopeGlobal

	if !opts.ManagedOnly {
		o.reclaimGlob(filepath.Join(root, "*.pid"), "pidfile", opts, outcome)
		o.reclaimGlob(filepath.Join(root, "*.qmp"), "socket", opts, outcome)
	}
	if !opts.ManagedOnly || opts.IncludeLogs {
		o.reclaimDir(filepath.Join(root, "logs"), "log", opts, outcome)
	}
	o.reclaimImages(filepath.Join(root, "images"), opts, outcome)

	if opts.IncludeOverlays && !globalScope && !opts.ManagedOnly {
		o.reclaimDir(filepath.Join(root, "overlays"), "overlay", opts, outcome)
		for _, vm := range o.Project.VMs {
			if vm.Overlay != "" {
				o.reclaimPath(vm.Overlay, "overlay", opts, outcome)
			}
		}
	}
}

func (o *Orchestrator) reclaimImages(dir string, opts CleanOptions, outcome *CleanOutcome) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".sidecar.json") || strings.HasSuffix(name, ".lock") {
			continue // sidecars go with their image below; lock files aren't reclaimable state
		}
		path := filepath.Join(dir, name)
		digest := sidecarDigest(path)
		o.reclaimImage(path, digest, opts, outcome)
		sidecar := path + ".sidecar.json"
		if _, err := os.Stat(sidecar); err == nil {
			o.reclaimImage(sidecar, digest, opts, outcome)
		}
	}
}

// sidecarDigest reads the verification record written alongside a finalized
// managed image, so a reclaimed cache entry can be tied back to the digest
// it last verified as.
func sidecarDigest(imagePath string) string {
	data, err := os.ReadFile(imagePath + ".sidecar.json")
	if err != nil {
		return ""
	}
	var sc assets.Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return ""
	}
	return sc.Digest
}

// reclaimDir reclaims every regular file under dir, recursing into
// subdirectories (e.g. logs/bootstrap/<vm>-<ts>.json run records) as the
// same kind.
func (o *Orchestrator) reclaimDir(dir, kind string, opts CleanOptions, outcome *CleanOutcome) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			o.reclaimDir(path, kind, opts, outcome)
			continue
		}
		o.reclaimPath(path, kind, opts, outcome)
	}
}

func (o *Orchestrator) reclaimGlob(pattern, kind string, opts CleanOptions, outcome *CleanOutcome) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, m := range matches {
		o.reclaimPath(m, kind, opts, outcome)
	}
}

func (o *Orchestrator) reclaimPath(path, kind string, opts CleanOptions, outcome *CleanOutcome) {
	o.reclaim(path, kind, "", opts, outcome)
}

func (o *Orchestrator) reclaimImage(path, digest string, opts CleanOptions, outcome *CleanOutcome) {
	o.reclaim(path, "cached_image", digest, opts, outcome)
}

// reclaim accounts and (unless DryRun) removes one file, publishing the
// matching cleanup_progress event. A permission error is recorded as a
// diagnostic and otherwise ignored — one unreclaimable entry never aborts
// the sweep, particularly in global scope where entries may belong to a
// different user.
func (o *Orchestrator) reclaim(path, kind, digest string, opts CleanOptions, outcome *CleanOutcome) {
	// A path can be visited twice (an overlay under overlays/ is swept both
	// by directory and by the VM's declared path); in a real run the second
	// visit stats a removed file, but a dry run must dedupe explicitly so
	// its byte total matches what a real run would reclaim.
	for _, it := range outcome.Items {
		if it.Path == path {
			return
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	size := info.Size()

	if !opts.DryRun {
		if err := os.Remove(path); err != nil {
			if os.IsPermission(err) {
				outcome.Diagnostics = append(outcome.Diagnostics, project.Diagnostic{
					Severity: "warn",
					Message:  "permission denied reclaiming entry, skipped",
					Path:     path,
				})
			}
			return
		}
	}

	outcome.Items = append(outcome.Items, CleanedItem{Path: path, Kind: kind, Bytes: size, Digest: digest, DryRun: opts.DryRun})
	outcome.ReclaimedBytes += size

	if o.Bus != nil {
		o.Bus.Publish(events.Event{
			Kind:        events.KindCleanupProgress,
			Path:        path,
			CleanupKind: kind,
			Bytes:       size,
			Digest:      digest,
			DryRun:      opts.DryRun,
		})
	}
}

// acquireSweepLock takes an exclusive-create lockfile on a workspace root,
// returning the release func. A root that already holds a lock (or cannot
// be written at all) reports an error so the caller can skip it.
func acquireSweepLock(root string) (func(), error) {
	lockPath := filepath.Join(root, ".sweep.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
