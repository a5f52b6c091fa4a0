// SPDX-License-Identifier: LGPL-3.0-or-later

// Package workspace implements the `up`/`down`/`status`/`ports`/`logs`/
// `clean` orchestrators that compose the project model, asset pipeline,
// host preflight, VM lifecycle runtime, and bootstrap pipeline into the
// aggregate workspace operations the CLI drives.
package workspace

import (
	"path/filepath"

	"github.com/castra-dev/castra/internal/assets"
	"github.com/castra-dev/castra/internal/bootstrap"
	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/preflight"
	"github.com/castra-dev/castra/internal/project"
	"github.com/castra-dev/castra/internal/vmrun"
)

// Orchestrator runs a single coordinator task that fans per-VM work out to
// parallel workers — one logical worker per VM per phase — and never caps
// concurrency beyond the VM count, matching the scheduling model every
// operation below follows.
type Orchestrator struct {
	Project   *project.Project
	Bus       *events.Bus
	Assets    *assets.Pipeline
	Preflight *preflight.Runner
	Launcher  *vmrun.Launcher
	Bootstrap *bootstrap.Pipeline
}

// New wires an Orchestrator's components against a loaded, validated
// project and a shared event bus.
func New(proj *project.Project, bus *events.Bus, force bool) *Orchestrator {
	imagesDir := filepath.Join(proj.WorkspaceRoot, "images")
	return &Orchestrator{
		Project:   proj,
		Bus:       bus,
		Assets:    assets.NewPipeline(imagesDir, bus),
		Preflight: preflight.NewRunner(preflight.SystemStats{}, bus, force),
		Launcher:  vmrun.NewLauncher(proj.WorkspaceRoot, bus),
		Bootstrap: bootstrap.NewPipeline(proj.WorkspaceRoot, bus),
	}
}

// stateDirs lists the directories host preflight's disk-free check
// inspects: the workspace root itself (state/pidfiles), images, and
// overlays.
func (o *Orchestrator) stateDirs() []string {
	return []string{
		o.Project.WorkspaceRoot,
		filepath.Join(o.Project.WorkspaceRoot, "images"),
		filepath.Join(o.Project.WorkspaceRoot, "overlays"),
	}
}

// managedSpec builds the assets.ManagedImageSpec for a VM's declared
// default base image.
func managedSpec(vm project.VM) assets.ManagedImageSpec {
	return assets.ManagedImageSpec{
		ID:          vm.Base.ManagedID,
		Version:     vm.Base.ManagedVersion,
		ArtifactURL: vm.Base.ManagedURL,
		Digest:      vm.Base.ManagedDigest,
		Size:        vm.Base.ManagedSize,
	}
}
