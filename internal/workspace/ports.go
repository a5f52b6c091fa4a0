// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"github.com/castra-dev/castra/internal/vmrun"
)

// PortsOptions parameterizes `ports`.
type PortsOptions struct {
	// Active, when set, augments each mapping's Status by inspecting
	// runtime state (the owning VM's pidfile liveness) instead of
	// leaving Status blank. Column order and header text never change
	// across modes; only the Status cell content does.
	Active bool
}

// Ports lists every declared host-to-guest forward. With Active set, each
// mapping is classified "Active" (the owning VM is running) or "Inactive"
// (it is not) — a coarse, cheap classification, never a guest-side probe,
// since `ports` is expected to return as fast as `status` does.
func (o *Orchestrator) Ports(opts PortsOptions) (*PortsOutcome, error) {
	outcome := &PortsOutcome{}
	for _, vm := range o.Project.VMs {
		var status string
		if opts.Active {
			status = classifyPort(o.Project.WorkspaceRoot, vm.Name)
		}
		for _, pf := range vm.Ports {
			proto := pf.Protocol
			if proto == "" {
				proto = "tcp"
			}
			outcome.Mappings = append(outcome.Mappings, PortMapping{
				VM:       vm.Name,
				Host:     pf.Host,
				Guest:    pf.Guest,
				Protocol: proto,
				Status:   status,
			})
		}
	}
	return outcome, nil
}

func classifyPort(stateRoot, vmName string) string {
	if vmrun.InspectState(stateRoot, vmName) == vmrun.StateRunning {
		return "Active"
	}
	return "Inactive"
}
