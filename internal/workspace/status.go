// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/castra-dev/castra/internal/project"
	"github.com/castra-dev/castra/internal/vmrun"
)

// StatusOptions parameterizes `status`.
type StatusOptions struct {
	// AllWorkspaces aggregates across every workspace discovered via
	// metadata/workspace.json instead of reporting only the current one.
	AllWorkspaces bool
	// WorkspaceID restricts the aggregated output to one discovered
	// workspace id. Implies aggregation.
	WorkspaceID string
}

// Status reads pidfiles only — no network, no guest interaction — so it
// returns within a small bounded wall time regardless of guest state.
func (o *Orchestrator) Status(opts StatusOptions) (*StatusOutcome, error) {
	outcome := &StatusOutcome{
		Workspaces: []WorkspaceStatus{o.localStatus()},
	}

	if !opts.AllWorkspaces && opts.WorkspaceID == "" {
		return outcome, nil
	}

	others, err := project.DiscoverActiveWorkspaces()
	if err != nil {
		return outcome, nil // status never hard-fails on aggregation trouble
	}

	// Probe every foreign workspace concurrently, one goroutine each,
	// writing into a pre-sized slice by index so no mutex is needed —
	// the same shape capabilities.Detector.Detect uses for its per-method
	// fan-out, here applied to per-workspace pidfile probing.
	results := make([]*WorkspaceStatus, len(others))
	var wg sync.WaitGroup
	for i, meta := range others {
		if meta.Root == o.Project.WorkspaceRoot {
			continue // already reported as the local workspace
		}
		wg.Add(1)
		go func(i int, meta project.WorkspaceMetadata) {
			defer wg.Done()
			ws := statusForRoot(meta)
			results[i] = &ws
		}(i, meta)
	}
	wg.Wait()

	for _, ws := range results {
		if ws != nil {
			outcome.Workspaces = append(outcome.Workspaces, *ws)
		}
	}

	if opts.WorkspaceID != "" {
		var filtered []WorkspaceStatus
		for _, ws := range outcome.Workspaces {
			if ws.WorkspaceID == opts.WorkspaceID {
				filtered = append(filtered, ws)
			}
		}
		outcome.Workspaces = filtered
	}
	return outcome, nil
}

func (o *Orchestrator) localStatus() WorkspaceStatus {
	ws := WorkspaceStatus{WorkspaceID: project.WorkspaceID(o.Project.WorkspaceRoot), ProjectName: o.Project.Name}
	for _, vm := range o.Project.VMs {
		ws.VMs = append(ws.VMs, vmStatus(o.Project.WorkspaceRoot, vm.Name))
	}
	return ws
}

// statusForRoot derives VM names for a foreign workspace from its *.pid
// files, since WorkspaceMetadata carries no VM list — only the workspace
// root this implementation populates from the directory it discovered the
// sidecar under.
func statusForRoot(meta project.WorkspaceMetadata) WorkspaceStatus {
	ws := WorkspaceStatus{WorkspaceID: meta.ID, ProjectName: meta.ProjectName}

	entries, err := readPidFileNames(meta.Root)
	if err != nil {
		return ws
	}
	for _, name := range entries {
		ws.VMs = append(ws.VMs, vmStatus(meta.Root, name))
	}
	return ws
}

func vmStatus(stateRoot, vmName string) VMStatus {
	state := vmrun.InspectState(stateRoot, vmName)
	status := VMStatus{VM: vmName, State: string(state)}
	if state == vmrun.StateRunning {
		if pid, ok := vmrun.ReadPID(stateRoot, vmName); ok {
			status.PID = pid
		}
	}
	return status
}

func readPidFileNames(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*.pid"))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = strings.TrimSuffix(filepath.Base(m), ".pid")
	}
	return names, nil
}
