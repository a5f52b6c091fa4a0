// SPDX-License-Identifier: LGPL-3.0-or-later

package preflight

import (
	"context"
	"testing"

	"github.com/castra-dev/castra/internal/errs"
	"github.com/castra-dev/castra/internal/project"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	cpu       int
	totalMem  int64
	freeMem   int64
	freeDisks map[string]int64
}

func (f fakeStats) CPUCount() int            { return f.cpu }
func (f fakeStats) TotalMemoryBytes() int64  { return f.totalMem }
func (f fakeStats) FreeMemoryBytes() int64   { return f.freeMem }
func (f fakeStats) FreeDiskBytes(path string) (int64, error) {
	if v, ok := f.freeDisks[path]; ok {
		return v, nil
	}
	return f.freeDisks["default"], nil
}

func testProject(cpu, memMB int, ports ...int) *project.Project {
	vm := project.VM{Name: "web", CPU: cpu, MemoryMB: memMB}
	for _, p := range ports {
		vm.Ports = append(vm.Ports, project.PortForward{Host: p, Guest: 22, Protocol: "tcp"})
	}
	return &project.Project{Name: "devbox", VMs: []project.VM{vm}}
}

func TestRunPassesWithAmpleHeadroom(t *testing.T) {
	stats := fakeStats{
		cpu: 16, totalMem: 32 << 30, freeMem: 30 << 30,
		freeDisks: map[string]int64{"default": 100 << 30},
	}
	r := NewRunner(stats, nil, false)
	r.LookPath = func(string) (string, error) { return "/usr/bin/true", nil }

	res, err := r.Run(context.Background(), testProject(1, 512, 2222), []string{"/tmp"})
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)
}

func TestRunFailsOnLowMemoryHeadroomWithoutForce(t *testing.T) {
	stats := fakeStats{
		cpu: 4, totalMem: 8 << 30, freeMem: 512 << 20,
		freeDisks: map[string]int64{"default": 100 << 30},
	}
	r := NewRunner(stats, nil, false)
	r.LookPath = func(string) (string, error) { return "/usr/bin/true", nil }

	_, err := r.Run(context.Background(), testProject(1, 4096), []string{"/tmp"})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.Sentinel(errs.PreflightFailed))
}

func TestRunDowngradesLowMemoryToWarningWithForce(t *testing.T) {
	stats := fakeStats{
		cpu: 4, totalMem: 8 << 30, freeMem: 512 << 20,
		freeDisks: map[string]int64{"default": 100 << 30},
	}
	r := NewRunner(stats, nil, true)
	r.LookPath = func(string) (string, error) { return "/usr/bin/true", nil }

	res, err := r.Run(context.Background(), testProject(1, 4096), []string{"/tmp"})
	require.NoError(t, err)
	require.Contains(t, res.Forced, "capacity")
}

func TestRunFailsOnPortConflictRegardlessOfForce(t *testing.T) {
	stats := fakeStats{
		cpu: 16, totalMem: 32 << 30, freeMem: 30 << 30,
		freeDisks: map[string]int64{"default": 100 << 30},
	}
	r := NewRunner(stats, nil, true)
	r.LookPath = func(string) (string, error) { return "/usr/bin/true", nil }

	p := &project.Project{Name: "devbox", VMs: []project.VM{
		{Name: "web", CPU: 1, MemoryMB: 512, Ports: []project.PortForward{{Host: 2222, Guest: 22, Protocol: "tcp"}}},
		{Name: "worker", CPU: 1, MemoryMB: 512, Ports: []project.PortForward{{Host: 2222, Guest: 22, Protocol: "tcp"}}},
	}}

	_, err := r.Run(context.Background(), p, []string{"/tmp"})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.Sentinel(errs.PreflightFailed))
}

func TestRunFailsOnLowDiskWithoutForce(t *testing.T) {
	stats := fakeStats{
		cpu: 16, totalMem: 32 << 30, freeMem: 30 << 30,
		freeDisks: map[string]int64{"default": 100 << 20},
	}
	r := NewRunner(stats, nil, false)
	r.LookPath = func(string) (string, error) { return "/usr/bin/true", nil }

	_, err := r.Run(context.Background(), testProject(1, 512, 2222), []string{"/tmp"})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.Sentinel(errs.PreflightFailed))
}
