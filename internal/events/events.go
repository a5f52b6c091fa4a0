// SPDX-License-Identifier: LGPL-3.0-or-later

// Package events implements Castra's ordered, typed event stream (the
// "event bus"): the structured diagnostics and lifecycle narration emitted
// by every component as a project is brought up, torn down, or inspected.
package events

import "time"

// Kind is the stable discriminator carried by every Event.
type Kind string

const (
	KindMessage              Kind = "message"
	KindOverlayPrepared      Kind = "overlay_prepared"
	KindBaseImageDownload    Kind = "base_image_download"
	KindVMLaunched           Kind = "vm_launched"
	KindShutdownRequested    Kind = "shutdown_requested"
	KindCooperativeAttempted Kind = "cooperative_attempted"
	KindCooperativeSucceeded Kind = "cooperative_succeeded"
	KindCooperativeTimedOut  Kind = "cooperative_timed_out"
	KindShutdownEscalated    Kind = "shutdown_escalated"
	KindShutdownComplete     Kind = "shutdown_complete"
	KindBootstrapPlanned     Kind = "bootstrap_planned"
	KindBootstrapStarted     Kind = "bootstrap_started"
	KindBootstrapStep        Kind = "bootstrap_step"
	KindBootstrapCompleted   Kind = "bootstrap_completed"
	KindBootstrapFailed      Kind = "bootstrap_failed"
	KindCleanupProgress      Kind = "cleanup_progress"
	KindCommandAccepted      Kind = "command_accepted"
	KindCommandRejected      Kind = "command_rejected"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityProgress Severity = "progress"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityBlocker  Severity = "blocker"
)

// Event is a single item in the ordered stream. Only the fields relevant to
// Kind are populated; the rest are left at zero value. Seq is assigned by
// the Bus, monotonically, so consumers can detect gaps.
type Event struct {
	Kind Kind      `json:"type"`
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	VM   string    `json:"vm,omitempty"`

	// message
	Severity Severity `json:"severity,omitempty"`
	Text     string   `json:"text,omitempty"`

	// overlay_prepared
	Path  string `json:"path,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`

	// base_image_download
	Phase      string `json:"phase,omitempty"`
	BytesDone  int64  `json:"bytes_done,omitempty"`
	BytesTotal int64  `json:"bytes_total,omitempty"`
	Digest     string `json:"digest,omitempty"`

	// vm_launched
	PID int `json:"pid,omitempty"`

	// cooperative_attempted / timed_out, shutdown_escalated
	Method    string `json:"method,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	DurationMS int64 `json:"duration_ms,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Signal    string `json:"signal,omitempty"`
	WaitMS    int64  `json:"wait_ms,omitempty"`

	// shutdown_complete
	Outcome string `json:"outcome,omitempty"`
	TotalMS int64  `json:"total_ms,omitempty"`

	// bootstrap_planned
	Mode      string   `json:"mode,omitempty"`
	Action    string   `json:"action,omitempty"`
	SSHTarget string   `json:"ssh_target,omitempty"`
	EnvKeys   []string `json:"env_keys,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`

	// bootstrap_started
	BaseHash     string `json:"base_hash,omitempty"`
	ArtifactHash string `json:"artifact_hash,omitempty"`
	Trigger      string `json:"trigger,omitempty"`

	// bootstrap_step
	Step   string `json:"step,omitempty"`
	Status string `json:"status,omitempty"`

	// bootstrap_completed / failed
	Error string `json:"error,omitempty"`

	// cleanup_progress
	CleanupKind string `json:"kind,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`

	// command_accepted / rejected
	ID string `json:"id,omitempty"`
}

// Diagnostic is a severity-tagged advisory that never aborts the running
// operation. Diagnostics are not events: they are collected onto the
// outcome and rendered separately from the live event stream.
type Diagnostic struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
	Help     string `json:"help,omitempty"`
}

func Info(msg string) Diagnostic  { return Diagnostic{Severity: "info", Message: msg} }
func Warn(msg string) Diagnostic  { return Diagnostic{Severity: "warn", Message: msg} }
func ErrorD(msg string) Diagnostic { return Diagnostic{Severity: "error", Message: msg} }
