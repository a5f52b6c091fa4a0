// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/castra-dev/castra/internal/project"
	"github.com/stretchr/testify/require"
)

func TestStatusReportsLocalWorkspace(t *testing.T) {
	orch, _ := newTestOrchestrator(t,
		project.VM{Name: "web"},
		project.VM{Name: "db"},
	)

	require.NoError(t, os.WriteFile(
		filepath.Join(orch.Project.WorkspaceRoot, "web.pid"),
		[]byte(strconv.Itoa(os.Getpid())), 0o644))

	start := time.Now()
	outcome, err := orch.Status(StatusOptions{})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second, "status must stay non-blocking")

	require.Len(t, outcome.Workspaces, 1)
	ws := outcome.Workspaces[0]
	require.Equal(t, "demo", ws.ProjectName)
	require.Equal(t, project.WorkspaceID(orch.Project.WorkspaceRoot), ws.WorkspaceID,
		"local status must report the same id workspace.json records")
	require.Equal(t, []VMStatus{
		{VM: "web", State: "running", PID: os.Getpid()},
		{VM: "db", State: "stopped"},
	}, ws.VMs)
}

func TestStatusAggregatesDiscoveredWorkspaces(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	orch, _ := newTestOrchestrator(t, project.VM{Name: "web"})

	// A foreign workspace under the global projects root, with a stale
	// pidfile for a VM that is long gone.
	foreign := filepath.Join(home, ".castra", "projects", "other-abc123")
	require.NoError(t, os.MkdirAll(filepath.Join(foreign, "metadata"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(foreign, "metadata", "workspace.json"),
		[]byte(`{"id":"abc123","project_name":"other","project_version":"1.0.0","config_origin":"explicit_path","invocation":"up","updated_at":"2025-01-01T00:00:00Z"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(foreign, "worker.pid"), []byte("999999999"), 0o644))

	outcome, err := orch.Status(StatusOptions{AllWorkspaces: true})
	require.NoError(t, err)
	require.Len(t, outcome.Workspaces, 2)

	other := outcome.Workspaces[1]
	require.Equal(t, "abc123", other.WorkspaceID)
	require.Equal(t, "other", other.ProjectName)
	require.Equal(t, []VMStatus{{VM: "worker", State: "stopped"}}, other.VMs)
}

func TestStatusSkipsCorruptForeignMetadata(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	orch, _ := newTestOrchestrator(t, project.VM{Name: "web"})

	broken := filepath.Join(home, ".castra", "projects", "broken-000000")
	require.NoError(t, os.MkdirAll(filepath.Join(broken, "metadata"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "metadata", "workspace.json"),
		[]byte("{not json"), 0o644))

	outcome, err := orch.Status(StatusOptions{AllWorkspaces: true})
	require.NoError(t, err)
	require.Len(t, outcome.Workspaces, 1, "corrupt metadata is skipped, not fatal")
}
