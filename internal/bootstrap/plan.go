// SPDX-License-Identifier: LGPL-3.0-or-later

// Package bootstrap drives the per-VM post-boot bootstrap pipeline: plan
// resolution, the readiness/connect/transfer/apply/verify step sequence
// over SSH, and the durable per-run JSON log.
package bootstrap

import (
	"fmt"
	"os"
	"strconv"

	"github.com/castra-dev/castra/internal/project"
)

// Plan is the resolved, fully-materialized bootstrap plan for one VM: the
// effective mode, SSH target, and everything the pipeline needs to run
// without re-touching the project.
type Plan struct {
	VM         string
	Mode       project.BootstrapMode
	Action     string // "execute" | "skipped"
	Reason     string // set when Action == "skipped"
	SSHUser    string
	SSHHost    string
	SSHPort    int
	Identity   string
	RemoteDir  string
	EnvKeys    []string
	Script     string
	Payload    string
	Sentinel   string
	VerifyExit bool
	Warnings   []string
}

// SSHTarget renders the plan's SSH destination the way events/logs surface
// it: "user@host:port".
func (p Plan) SSHTarget() string {
	return fmt.Sprintf("%s@%s:%d", p.SSHUser, p.SSHHost, p.SSHPort)
}

// Overrides carries the CLI's `--bootstrap <mode|vm=mode,...>` resolution:
// a project-wide override and/or per-VM overrides, either of which may be
// empty.
type Overrides struct {
	Global string
	PerVM  map[string]string
}

// ResolveMode applies the precedence order: per-VM override > global
// override > the VM's own project-file setting > the project default
// (already defaulted to "auto" by project.Load).
func ResolveMode(vm project.VM, proj *project.Project, overrides Overrides) project.BootstrapMode {
	if overrides.PerVM != nil {
		if m, ok := overrides.PerVM[vm.Name]; ok && m != "" {
			return project.BootstrapMode(m)
		}
	}
	if overrides.Global != "" {
		return project.BootstrapMode(overrides.Global)
	}
	if vm.Bootstrap.Mode != "" {
		return vm.Bootstrap.Mode
	}
	return proj.BootstrapPolicy.DefaultMode
}

// Resolve builds the Plan for a VM: resolved mode, SSH target, staging
// directory, forwarded env var names, and verify policy, plus any
// warnings (e.g. a missing identity file) that don't abort planning.
func Resolve(vm project.VM, proj *project.Project, overrides Overrides) Plan {
	mode := ResolveMode(vm, proj, overrides)

	plan := Plan{
		VM:         vm.Name,
		Mode:       mode,
		SSHUser:    vm.SSH.User,
		SSHHost:    "127.0.0.1",
		SSHPort:    resolveSSHPort(vm),
		Identity:   vm.SSH.Identity,
		RemoteDir:  vm.Bootstrap.RemoteDir,
		EnvKeys:    vm.Bootstrap.EnvKeys,
		Script:     vm.Bootstrap.Script,
		Payload:    vm.Bootstrap.Payload,
		Sentinel:   vm.Bootstrap.Sentinel,
		VerifyExit: vm.Bootstrap.VerifyExit,
	}

	if mode == project.BootstrapSkip {
		plan.Action = "skipped"
		plan.Reason = "bootstrap mode is skip"
		return plan
	}
	plan.Action = "execute"

	if plan.Identity != "" {
		if _, err := os.Stat(plan.Identity); err != nil {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("identity file %s is not accessible: %v", plan.Identity, err))
		}
	}
	if plan.SSHPort == 0 {
		plan.Warnings = append(plan.Warnings,
			"no SSH port forward resolved for this VM; bootstrap may be unable to reach the guest")
	}
	if plan.Script == "" {
		plan.Warnings = append(plan.Warnings, "no bootstrap script declared")
	}

	return plan
}

// resolveSSHPort prefers an explicit SSH port override; otherwise it
// derives the mapped host port from the first forward targeting the
// guest's SSH port.
func resolveSSHPort(vm project.VM) int {
	if vm.SSH.PortForward != "" {
		if p, err := strconv.Atoi(vm.SSH.PortForward); err == nil {
			return p
		}
	}
	for _, pf := range vm.Ports {
		if pf.Guest == 22 {
			return pf.Host
		}
	}
	return 0
}
