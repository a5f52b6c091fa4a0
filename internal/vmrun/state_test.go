// SPDX-License-Identifier: LGPL-3.0-or-later

package vmrun

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInspectStateStoppedWithoutPidfile(t *testing.T) {
	require.Equal(t, StateStopped, InspectState(t.TempDir(), "devbox"))
}

func TestInspectStateRunningWithLivePid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devbox.pid"), []byte("1"), 0o644))
	require.Equal(t, StateRunning, InspectState(dir, "devbox"))
}

func TestInspectStatePrunesStalePidfile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "devbox.pid")
	// PID 999999 is extremely unlikely to be live in a test sandbox.
	require.NoError(t, os.WriteFile(pidPath, []byte("999999"), 0o644))

	require.Equal(t, StateStopped, InspectState(dir, "devbox"))
	_, err := os.Stat(pidPath)
	require.True(t, os.IsNotExist(err), "stale pidfile must be pruned")
}
