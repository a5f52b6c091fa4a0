// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
)

// DownOptions overrides the project's default lifecycle timeouts.
type DownOptions struct {
	Lifecycle *project.LifecyclePolicy // nil uses the project's own policy
}

// Down launches per-VM shutdown workers concurrently with the project's
// (or overridden) lifecycle timeouts and waits for all of them. A single
// stuck VM never blocks another VM's shutdown from completing.
func (o *Orchestrator) Down(ctx context.Context, opts DownOptions) (*DownOutcome, error) {
	o.Bus.Publish(events.Event{Kind: events.KindCommandAccepted, ID: uuid.NewString()})

	lifecycle := o.Project.Lifecycle
	if opts.Lifecycle != nil {
		lifecycle = *opts.Lifecycle
	}

	results := make([]VMDownResult, len(o.Project.VMs))
	var wg sync.WaitGroup
	for i, vm := range o.Project.VMs {
		wg.Add(1)
		go func(i int, vm project.VM) {
			defer wg.Done()
			res, err := o.Launcher.ShutdownVM(ctx, vm, lifecycle)
			r := VMDownResult{VM: vm.Name}
			if res != nil {
				r.Outcome = res.Outcome
				r.TotalMS = res.TotalMS
			}
			if err != nil {
				r.Error = err.Error()
			}
			results[i] = r
		}(i, vm)
	}
	wg.Wait()

	return &DownOutcome{VMs: results}, nil
}
