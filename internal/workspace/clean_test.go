// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/castra-dev/castra/internal/errs"
	"github.com/castra-dev/castra/internal/events"
	"github.com/castra-dev/castra/internal/project"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, vms ...project.VM) (*Orchestrator, *events.Bus) {
	t.Helper()
	proj := &project.Project{
		Name:         "demo",
		Version:      "1.0.0",
		ConfigOrigin: "explicit_path",
		Lifecycle:    project.DefaultLifecyclePolicy(),
		VMs:          vms,
	}
	proj.WorkspaceRoot = t.TempDir()
	bus := events.NewBus(events.NewInMemoryReporter(), nil)
	return New(proj, bus, false), bus
}

func seedFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// seedLivePidfile claims a VM pidfile with the test process's own PID, which
// InspectState will report as running.
func seedLivePidfile(t *testing.T, root, vm string) {
	t.Helper()
	seedFile(t, filepath.Join(root, vm+".pid"), strconv.Itoa(os.Getpid()))
}

func TestCleanDryRunThenRealReportEqualBytes(t *testing.T) {
	orch, _ := newTestOrchestrator(t, project.VM{Name: "devbox"})
	root := orch.Project.WorkspaceRoot

	seedFile(t, filepath.Join(root, "devbox.qmp"), "socket")
	seedFile(t, filepath.Join(root, "logs", "devbox.log"), "qemu log line\n")
	seedFile(t, filepath.Join(root, "logs", "bootstrap", "devbox-20250101T000000.json"), `{"vm":"devbox"}`)
	seedFile(t, filepath.Join(root, "images", "base.qcow2"), "image bytes")
	seedFile(t, filepath.Join(root, "overlays", "devbox.qcow2"), "overlay bytes")

	dry, err := orch.Clean(CleanOptions{Scope: ScopeWorkspace, IncludeOverlays: true, DryRun: true})
	require.NoError(t, err)
	require.NotZero(t, dry.ReclaimedBytes)

	// Dry run plans only: everything it counted must still exist.
	for _, item := range dry.Items {
		require.True(t, item.DryRun)
		_, statErr := os.Stat(item.Path)
		require.NoError(t, statErr, "dry run must not remove %s", item.Path)
	}

	real, err := orch.Clean(CleanOptions{Scope: ScopeWorkspace, IncludeOverlays: true})
	require.NoError(t, err)
	require.Equal(t, dry.ReclaimedBytes, real.ReclaimedBytes)

	for _, item := range real.Items {
		_, statErr := os.Stat(item.Path)
		require.True(t, os.IsNotExist(statErr), "%s must be removed", item.Path)
	}
}

func TestCleanRefusesLiveWorkspaceWithoutForce(t *testing.T) {
	orch, _ := newTestOrchestrator(t, project.VM{Name: "devbox"})
	root := orch.Project.WorkspaceRoot

	// The test's own process stands in for a live VM.
	seedFile(t, filepath.Join(root, "devbox.pid"), strconv.Itoa(os.Getpid()))
	seedFile(t, filepath.Join(root, "logs", "devbox.log"), "qemu log line\n")

	outcome, err := orch.Clean(CleanOptions{Scope: ScopeWorkspace})
	require.ErrorIs(t, err, errs.Sentinel(errs.CleanupRefused))
	require.Equal(t, []string{"devbox"}, outcome.Refused)
	require.Empty(t, outcome.Items)

	_, statErr := os.Stat(filepath.Join(root, "logs", "devbox.log"))
	require.NoError(t, statErr, "refused clean must not touch the workspace")
}

func TestCleanEventBytesSumMatchesReclaimedTotal(t *testing.T) {
	orch, bus := newTestOrchestrator(t, project.VM{Name: "devbox"})
	root := orch.Project.WorkspaceRoot

	seedFile(t, filepath.Join(root, "devbox.qmp"), "socket")
	seedFile(t, filepath.Join(root, "logs", "devbox-serial.log"), "serial output\n")
	seedFile(t, filepath.Join(root, "images", "base.qcow2"), "image bytes")

	outcome, err := orch.Clean(CleanOptions{Scope: ScopeWorkspace})
	require.NoError(t, err)
	bus.Flush()

	var eventBytes int64
	for _, e := range bus.Events() {
		if e.Kind == events.KindCleanupProgress {
			eventBytes += e.Bytes
		}
	}
	require.Equal(t, outcome.ReclaimedBytes, eventBytes)
}

func TestCleanManagedOnlyLeavesRunStateInPlace(t *testing.T) {
	orch, _ := newTestOrchestrator(t, project.VM{Name: "devbox"})
	root := orch.Project.WorkspaceRoot

	sock := filepath.Join(root, "devbox.qmp")
	logFile := filepath.Join(root, "logs", "devbox.log")
	image := filepath.Join(root, "images", "base.qcow2")
	seedFile(t, sock, "socket")
	seedFile(t, logFile, "qemu log line\n")
	seedFile(t, image, "image bytes")

	outcome, err := orch.Clean(CleanOptions{Scope: ScopeWorkspace, ManagedOnly: true})
	require.NoError(t, err)

	require.Len(t, outcome.Items, 1)
	require.Equal(t, "cached_image", outcome.Items[0].Kind)
	require.Equal(t, image, outcome.Items[0].Path)

	_, err = os.Stat(sock)
	require.NoError(t, err, "managed-only must keep the monitor socket")
	_, err = os.Stat(logFile)
	require.NoError(t, err, "managed-only must keep logs unless --include-logs")
}

func TestCleanManagedOnlyWithIncludeLogsAlsoReclaimsLogs(t *testing.T) {
	orch, _ := newTestOrchestrator(t, project.VM{Name: "devbox"})
	root := orch.Project.WorkspaceRoot

	logFile := filepath.Join(root, "logs", "devbox.log")
	seedFile(t, logFile, "qemu log line\n")
	seedFile(t, filepath.Join(root, "images", "base.qcow2"), "image bytes")

	outcome, err := orch.Clean(CleanOptions{Scope: ScopeWorkspace, ManagedOnly: true, IncludeLogs: true})
	require.NoError(t, err)

	kinds := make(map[string]int)
	for _, item := range outcome.Items {
		kinds[item.Kind]++
	}
	require.Equal(t, 1, kinds["log"])
	require.Equal(t, 1, kinds["cached_image"])

	_, statErr := os.Stat(logFile)
	require.True(t, os.IsNotExist(statErr))
}

func TestCleanLinksImageBytesToVerificationRecord(t *testing.T) {
	orch, _ := newTestOrchestrator(t, project.VM{Name: "devbox"})
	root := orch.Project.WorkspaceRoot

	image := filepath.Join(root, "images", "base.qcow2")
	seedFile(t, image, "image bytes")
	seedFile(t, image+".sidecar.json", `{"digest":"deadbeef","size":11,"finalized_at":"2025-01-01T00:00:00Z"}`)

	outcome, err := orch.Clean(CleanOptions{Scope: ScopeWorkspace})
	require.NoError(t, err)

	var imageItems int
	for _, item := range outcome.Items {
		if item.Kind == "cached_image" {
			imageItems++
			require.Equal(t, "deadbeef", item.Digest)
		}
	}
	require.Equal(t, 2, imageItems, "image and its sidecar both reclaim as cached_image")
}
