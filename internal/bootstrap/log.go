// SPDX-License-Identifier: LGPL-3.0-or-later

package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StepRecord is one step's outcome within a RunLog.
type StepRecord struct {
	Step       string `json:"step"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PlanRecord is the resolved-plan subset persisted with each run.
type PlanRecord struct {
	SSH         string   `json:"ssh"`
	EnvKeys     []string `json:"env_keys,omitempty"`
	ScriptPath  string   `json:"script_path,omitempty"`
	PayloadPath string   `json:"payload_path,omitempty"`
	RemoteDir   string   `json:"remote_dir,omitempty"`
}

// RunLog is the durable per-run record written under
// logs/bootstrap/<vm>-<timestamp>.json, independent of whatever event
// reporter happened to be attached when the run executed.
type RunLog struct {
	VM           string       `json:"vm"`
	Mode         string       `json:"mode"`
	Plan         PlanRecord   `json:"plan"`
	BaseHash     string       `json:"base_hash,omitempty"`
	ArtifactHash string       `json:"artifact_hash,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	Steps        []StepRecord `json:"steps"`
	Status       string       `json:"status"` // "success" | "noop" | "failed"
	Error        string       `json:"error,omitempty"`
	DurationMS   int64        `json:"duration_ms"`
}

// Write renders the log as indented JSON to logs/bootstrap/<vm>-<unixnano
// timestamp>.json under stateRoot, creating the directory if needed.
func (r RunLog) Write(stateRoot string, at time.Time) (string, error) {
	dir := filepath.Join(stateRoot, "logs", "bootstrap")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bootstrap log directory: %w", err)
	}

	name := fmt.Sprintf("%s-%d.json", r.VM, at.UnixNano())
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bootstrap run log: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write bootstrap run log: %w", err)
	}
	return path, nil
}
