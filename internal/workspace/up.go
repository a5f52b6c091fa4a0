// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/castra-dev/castra/internal/bootstrap"
	"github.com/castra-dev/castra/internal/errs"
	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
	"github.com/castra-dev/castra/internal/vmrun"
)

// UpOptions parameterizes `up`.
type UpOptions struct {
	Force              bool
	BootstrapOverrides bootstrap.Overrides
}

// Up loads nothing itself (the caller already has a validated *Project):
// it runs preflight, then per VM in parallel: ensure base image and
// overlay, launch the VM, and (mode permitting) run its bootstrap
// pipeline. Refuses outright if any VM in this workspace already has a
// live process, unless Force is set.
func (o *Orchestrator) Up(ctx context.Context, opts UpOptions) (*UpOutcome, error) {
	cmdID := uuid.NewString()
	if !opts.Force {
		for _, vm := range o.Project.VMs {
			if vmrun.InspectState(o.Project.WorkspaceRoot, vm.Name) == vmrun.StateRunning {
				detail := fmt.Sprintf("workspace already running (%s is live); use --force to relaunch", vm.Name)
				o.Bus.Publish(events.Event{Kind: events.KindCommandRejected, ID: cmdID, Detail: detail})
				return nil, errs.New(errs.LaunchFailed, detail)
			}
		}
	}
	o.Bus.Publish(events.Event{Kind: events.KindCommandAccepted, ID: cmdID})

	res, err := o.Preflight.Run(ctx, o.Project, o.stateDirs())
	if err != nil {
		return nil, err
	}

	outcome := &UpOutcome{Diagnostics: res.Diagnostics}

	results := make([]VMUpResult, len(o.Project.VMs))
	var wg sync.WaitGroup
	for i, vm := range o.Project.VMs {
		wg.Add(1)
		go func(i int, vm project.VM) {
			defer wg.Done()
			results[i] = o.upOne(ctx, vm, opts)
		}(i, vm)
	}
	wg.Wait()

	outcome.VMs = results
	return outcome, nil
}

func (o *Orchestrator) upOne(ctx context.Context, vm project.VM, opts UpOptions) VMUpResult {
	result := VMUpResult{VM: vm.Name}

	basePath := vm.Base.Explicit
	var err error
	if vm.Base.Explicit != "" {
		err = o.Assets.EnsureExplicitBase(ctx, vm.Name, vm.Base.Explicit)
	} else {
		basePath, err = o.Assets.EnsureManagedBase(ctx, vm.Name, managedSpec(vm))
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}

	if err := o.Assets.EnsureOverlay(ctx, vm.Name, basePath, vm.Overlay); err != nil {
		result.Error = err.Error()
		return result
	}

	handle, err := o.Launcher.LaunchVM(ctx, vm, vmrun.ModeDetached)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.PID = handle.PID

	bootstrapResult, err := o.Bootstrap.Run(ctx, vm, o.Project, opts.BootstrapOverrides)
	if bootstrapResult != nil {
		result.BootstrapStatus = bootstrapResult.Outcome
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
