// SPDX-License-Identifier: LGPL-3.0-or-later

package bootstrap

import (
	"testing"

	"github.com/castra-dev/castra/internal/project"
	"github.com/stretchr/testify/require"
)

func testProject() *project.Project {
	return &project.Project{
		Name:            "demo",
		BootstrapPolicy: project.BootstrapPolicy{DefaultMode: project.BootstrapAuto},
	}
}

func TestResolveModePrecedence(t *testing.T) {
	proj := testProject()
	vm := project.VM{Name: "web", Bootstrap: project.Bootstrap{Mode: project.BootstrapSkip}}

	require.Equal(t, project.BootstrapSkip, ResolveMode(vm, proj, Overrides{}))
	require.Equal(t, project.BootstrapAlways, ResolveMode(vm, proj, Overrides{Global: "always"}))
	require.Equal(t, project.BootstrapAuto, ResolveMode(vm, proj, Overrides{
		Global: "always",
		PerVM:  map[string]string{"web": "auto"},
	}))
}

func TestResolveModeFallsBackToProjectDefault(t *testing.T) {
	proj := testProject()
	vm := project.VM{Name: "web"}
	require.Equal(t, project.BootstrapAuto, ResolveMode(vm, proj, Overrides{}))
}

func TestResolveSkippedPlanCarriesNoWarnings(t *testing.T) {
	proj := testProject()
	vm := project.VM{Name: "web", Bootstrap: project.Bootstrap{Mode: project.BootstrapSkip}}

	plan := Resolve(vm, proj, Overrides{})
	require.Equal(t, "skipped", plan.Action)
	require.Equal(t, "bootstrap mode is skip", plan.Reason)
	require.Empty(t, plan.Warnings)
}

func TestResolveExecutePlanResolvesSSHPortFromForward(t *testing.T) {
	proj := testProject()
	vm := project.VM{
		Name: "web",
		Ports: []project.PortForward{
			{Host: 2222, Guest: 22, Protocol: "tcp"},
			{Host: 8080, Guest: 80, Protocol: "tcp"},
		},
		SSH:       project.SSHSession{User: "root", Identity: "/nonexistent/key"},
		Bootstrap: project.Bootstrap{Script: "/tmp/setup.sh"},
	}

	plan := Resolve(vm, proj, Overrides{})
	require.Equal(t, "execute", plan.Action)
	require.Equal(t, 2222, plan.SSHPort)
	require.Equal(t, "root@127.0.0.1:2222", plan.SSHTarget())
	require.NotEmpty(t, plan.Warnings, "missing identity file should warn, not abort planning")
}

func TestResolveExecutePlanWarnsWithNoSSHPort(t *testing.T) {
	proj := testProject()
	vm := project.VM{Name: "web", Bootstrap: project.Bootstrap{Script: "/tmp/setup.sh"}}

	plan := Resolve(vm, proj, Overrides{})
	require.Equal(t, 0, plan.SSHPort)
	found := false
	for _, w := range plan.Warnings {
		if w == "no SSH port forward resolved for this VM; bootstrap may be unable to reach the guest" {
			found = true
		}
	}
	require.True(t, found)
}
