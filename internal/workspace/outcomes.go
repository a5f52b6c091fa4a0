// SPDX-License-Identifier: LGPL-3.0-or-later

package workspace

import (
	"github.com/castra-dev/castra/internal/project"
)

// VMUpResult is one VM's contribution to an UpOutcome.
type VMUpResult struct {
	VM              string `json:"vm"`
	PID             int    `json:"pid,omitempty"`
	BootstrapStatus string `json:"bootstrap_status,omitempty"` // "success" | "noop" | "skipped" | "failed"
	Error           string `json:"error,omitempty"`
}

// UpOutcome is what `up` hands back: launched VMs, their bootstrap
// results, and any non-fatal diagnostics gathered along the way.
type UpOutcome struct {
	VMs         []VMUpResult        `json:"vms"`
	Diagnostics []project.Diagnostic `json:"diagnostics,omitempty"`
}

// VMDownResult is one VM's shutdown outcome.
type VMDownResult struct {
	VM      string `json:"vm"`
	Outcome string `json:"outcome"` // "graceful" | "forced"
	TotalMS int64  `json:"total_ms"`
	Error   string `json:"error,omitempty"`
}

// DownOutcome is what `down` hands back.
type DownOutcome struct {
	VMs []VMDownResult `json:"vms"`
}

// VMStatus is one VM's state for `status`.
type VMStatus struct {
	VM    string `json:"vm"`
	State string `json:"state"` // "running" | "stopped" | "error"
	PID   int    `json:"pid,omitempty"`
}

// WorkspaceStatus groups a set of VM statuses under the workspace they
// belong to, the unit `status`/`ports`/`down` aggregate by when scanning
// multiple discovered workspaces.
type WorkspaceStatus struct {
	WorkspaceID string     `json:"workspace_id"`
	ProjectName string     `json:"project_name"`
	VMs         []VMStatus `json:"vms"`
}

// StatusOutcome is what `status` hands back. Workspaces holds every
// workspace inspected — just the current one, or every workspace
// discovered via metadata when aggregating.
type StatusOutcome struct {
	Workspaces []WorkspaceStatus `json:"workspaces"`
}

// PortMapping is one declared forward, optionally classified active/
// inactive.
type PortMapping struct {
	VM       string `json:"vm"`
	Host     int    `json:"host"`
	Guest    int    `json:"guest"`
	Protocol string `json:"protocol"`
	Status   string `json:"status"` // "" | "Active" | "Inactive"
}

// PortsOutcome is what `ports` hands back. Column order and header text
// are invariant across modes; only the Status cell content changes
// depending on whether --active classification ran.
type PortsOutcome struct {
	Mappings []PortMapping `json:"mappings"`
}

// CleanedItem is one reclaimed path, narrated the same way as a
// cleanup_progress event.
type CleanedItem struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"` // "cached_image" | "overlay" | "log" | "pidfile" | "socket"
	Bytes  int64  `json:"bytes"`
	// Digest ties a reclaimed cached image back to its most recent
	// verification record, when a sidecar was present.
	Digest string `json:"digest,omitempty"`
	DryRun bool   `json:"dry_run"`
}

// CleanOutcome is what `clean` hands back.
type CleanOutcome struct {
	Items          []CleanedItem        `json:"items"`
	ReclaimedBytes int64                `json:"reclaimed_bytes"`
	Refused        []string             `json:"refused,omitempty"` // VMs whose live process blocked cleanup
	Diagnostics    []project.Diagnostic `json:"diagnostics,omitempty"`
}
