// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/castra-dev/castra/internal/project"
	"github.com/stretchr/testify/require"
)

func collectLogs(t *testing.T, orch *Orchestrator, opts LogsOptions) []LogLine {
	t.Helper()
	var lines []LogLine
	require.NoError(t, orch.Logs(context.Background(), opts, func(l LogLine) {
		lines = append(lines, l)
	}))
	return lines
}

func linesFor(lines []LogLine, source string) []string {
	var out []string
	for _, l := range lines {
		if l.Source == source {
			out = append(out, l.Text)
		}
	}
	return out
}

func TestLogsDegradesMissingSourcesToNotices(t *testing.T) {
	orch, _ := newTestOrchestrator(t, project.VM{Name: "devbox"})

	lines := collectLogs(t, orch, LogsOptions{})

	require.Equal(t, []string{"(no log yet)"}, linesFor(lines, "devbox:qemu"))
	require.Equal(t, []string{"(no log yet)"}, linesFor(lines, "devbox:serial"))
	require.Equal(t, []string{"(no bootstrap run recorded yet)"}, linesFor(lines, "devbox:bootstrap"))
}

func TestLogsTailsTrailingLines(t *testing.T) {
	orch, _ := newTestOrchestrator(t, project.VM{Name: "devbox"})
	logsDir := filepath.Join(orch.Project.WorkspaceRoot, "logs")

	seedFile(t, filepath.Join(logsDir, "devbox.log"), "one\ntwo\nthree\nfour\nfive\n")

	lines := collectLogs(t, orch, LogsOptions{Tail: 2})
	require.Equal(t, []string{"four", "five"}, linesFor(lines, "devbox:qemu"))
}

func TestLogsPicksMostRecentBootstrapRun(t *testing.T) {
	orch, _ := newTestOrchestrator(t, project.VM{Name: "devbox"})
	bootstrapDir := filepath.Join(orch.Project.WorkspaceRoot, "logs", "bootstrap")

	seedFile(t, filepath.Join(bootstrapDir, "devbox-20240101T000000.json"), `{"status":"old"}`)
	seedFile(t, filepath.Join(bootstrapDir, "devbox-20250601T120000.json"), `{"status":"new"}`)

	lines := collectLogs(t, orch, LogsOptions{VMs: []string{"devbox"}})
	require.Equal(t, []string{`{"status":"new"}`}, linesFor(lines, "devbox:bootstrap"))
}
