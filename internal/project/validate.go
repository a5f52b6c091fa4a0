// SPDX-License-Identifier: LGPL-3.0-or-later

package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/castra-dev/castra/internal/errs"
)

// Diagnostic is a soft, non-aborting finding surfaced alongside a
// successful load. Hard problems instead fail load outright as an
// *errs.Error.
type Diagnostic struct {
	Severity string
	Message  string
	Path     string
}

// Validate checks a resolved Project for both hard errors (which abort
// load) and soft diagnostics (duplicate port forwards, suspicious sharing
// patterns). Unknown fields in the project file are not reported: the YAML
// decoder drops them silently.
func Validate(p *Project) ([]Diagnostic, error) {
	var diags []Diagnostic

	if p.Name == "" {
		return diags, errs.New(errs.ConfigInvalid, "project name is required")
	}
	if len(p.VMs) == 0 {
		return diags, errs.New(errs.ConfigInvalid, "project declares no vms")
	}

	seenNames := map[string]bool{}
	overlayOwners := map[string]string{}
	hostPorts := map[int]string{}

	for _, vm := range p.VMs {
		if !isValidVMName(vm.Name) {
			return diags, errs.New(errs.ConfigInvalid,
				fmt.Sprintf("vm name %q must be a lowercase alphanumeric/hyphen identifier", vm.Name))
		}
		if seenNames[vm.Name] {
			return diags, errs.New(errs.ConfigInvalid, fmt.Sprintf("duplicate vm name %q", vm.Name))
		}
		seenNames[vm.Name] = true

		if vm.CPU <= 0 {
			return diags, errs.New(errs.ConfigInvalid, fmt.Sprintf("vm %q: cpu must be positive", vm.Name))
		}
		if vm.MemoryMB <= 0 {
			return diags, errs.New(errs.ConfigInvalid, fmt.Sprintf("vm %q: memory_mb must be positive", vm.Name))
		}

		for _, pf := range vm.Ports {
			if pf.Host <= 0 || pf.Host > 65535 {
				return diags, errs.New(errs.ConfigInvalid,
					fmt.Sprintf("vm %q: invalid host port %d", vm.Name, pf.Host))
			}
			if owner, ok := hostPorts[pf.Host]; ok {
				diags = append(diags, Diagnostic{
					Severity: "warn",
					Message:  fmt.Sprintf("host port %d is declared by both %q and %q", pf.Host, owner, vm.Name),
					Path:     vm.Name,
				})
			}
			hostPorts[pf.Host] = vm.Name
		}

		if owner, ok := overlayOwners[vm.Overlay]; ok {
			diags = append(diags, Diagnostic{
				Severity: "warn",
				Message:  fmt.Sprintf("vms %q and %q share overlay path %q", owner, vm.Name, vm.Overlay),
				Path:     vm.Overlay,
			})
		}
		overlayOwners[vm.Overlay] = vm.Name

		if vm.Base.Explicit != "" {
			info, err := os.Stat(vm.Base.Explicit)
			if err != nil {
				return diags, errs.Wrap(errs.ConfigInvalid,
					fmt.Sprintf("vm %q: explicit base image %q is not accessible", vm.Name, vm.Base.Explicit), err)
			}
			if info.IsDir() {
				return diags, errs.New(errs.ConfigInvalid,
					fmt.Sprintf("vm %q: explicit base image %q is a directory", vm.Name, vm.Base.Explicit))
			}
		}

		switch vm.Bootstrap.Mode {
		case "", BootstrapAuto, BootstrapAlways, BootstrapSkip:
		default:
			return diags, errs.New(errs.ConfigInvalid,
				fmt.Sprintf("vm %q: unknown bootstrap mode %q", vm.Name, vm.Bootstrap.Mode))
		}
	}

	if err := ensureWritableRoot(p.WorkspaceRoot); err != nil {
		return diags, errs.Wrap(errs.ConfigInvalid,
			fmt.Sprintf("state root %q is not writable", p.WorkspaceRoot), err)
	}

	return diags, nil
}

func isValidVMName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' && i != 0:
		default:
			return false
		}
	}
	return true
}

func ensureWritableRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(root, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
