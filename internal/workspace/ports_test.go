// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/castra-dev/castra/internal/project"
	"github.com/stretchr/testify/require"
)

func TestPortsListsDeclaredForwardsWithoutStatus(t *testing.T) {
	orch, _ := newTestOrchestrator(t,
		project.VM{Name: "web", Ports: []project.PortForward{
			{Host: 8080, Guest: 80, Protocol: "tcp"},
			{Host: 5353, Guest: 53, Protocol: "udp"},
		}},
		project.VM{Name: "db", Ports: []project.PortForward{
			{Host: 5432, Guest: 5432},
		}},
	)

	outcome, err := orch.Ports(PortsOptions{})
	require.NoError(t, err)
	require.Equal(t, []PortMapping{
		{VM: "web", Host: 8080, Guest: 80, Protocol: "tcp"},
		{VM: "web", Host: 5353, Guest: 53, Protocol: "udp"},
		{VM: "db", Host: 5432, Guest: 5432, Protocol: "tcp"},
	}, outcome.Mappings)
}

func TestPortsActiveClassifiesByVMLiveness(t *testing.T) {
	orch, _ := newTestOrchestrator(t,
		project.VM{Name: "web", Ports: []project.PortForward{{Host: 8080, Guest: 80, Protocol: "tcp"}}},
		project.VM{Name: "db", Ports: []project.PortForward{{Host: 5432, Guest: 5432, Protocol: "tcp"}}},
	)

	// web is "running" (the test process's own PID), db has no pidfile.
	require.NoError(t, os.WriteFile(
		filepath.Join(orch.Project.WorkspaceRoot, "web.pid"),
		[]byte(strconv.Itoa(os.Getpid())), 0o644))

	outcome, err := orch.Ports(PortsOptions{Active: true})
	require.NoError(t, err)
	require.Len(t, outcome.Mappings, 2)
	require.Equal(t, "Active", outcome.Mappings[0].Status)
	require.Equal(t, "Inactive", outcome.Mappings[1].Status)
}
