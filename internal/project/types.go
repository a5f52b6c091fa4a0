// SPDX-License-Identifier: LGPL-3.0-or-later

// Package project parses and validates a Castra project description,
// resolves its per-project workspace state root, and enforces the strict
// discovery/skip contract: callers either discover a config upward from
// the working directory or supply an explicit path and state root, never
// a silent mix of the two.
package project

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LifecyclePolicy holds the cooperative/SIGTERM/SIGKILL wait durations
// applied during shutdown.
type LifecyclePolicy struct {
	CooperativeWait time.Duration `yaml:"cooperative_wait"`
	TermWait        time.Duration `yaml:"term_wait"`
	KillWait        time.Duration `yaml:"kill_wait"`
}

type lifecycleYAML struct {
	CooperativeWait string `yaml:"cooperative_wait,omitempty"`
	TermWait        string `yaml:"term_wait,omitempty"`
	KillWait        string `yaml:"kill_wait,omitempty"`
}

// MarshalYAML renders the waits as "20s"-style strings so config
// snapshots stay human-readable and round-trip through UnmarshalYAML.
func (l LifecyclePolicy) MarshalYAML() (interface{}, error) {
	return lifecycleYAML{
		CooperativeWait: l.CooperativeWait.String(),
		TermWait:        l.TermWait.String(),
		KillWait:        l.KillWait.String(),
	}, nil
}

// UnmarshalYAML accepts "20s"-style strings as written in project files,
// plus bare nanosecond integers.
func (l *LifecyclePolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw lifecycleYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	if l.CooperativeWait, err = parseWait(raw.CooperativeWait); err != nil {
		return err
	}
	if l.TermWait, err = parseWait(raw.TermWait); err != nil {
		return err
	}
	l.KillWait, err = parseWait(raw.KillWait)
	return err
}

func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ns), nil
	}
	return 0, fmt.Errorf("invalid lifecycle wait %q", s)
}

func DefaultLifecyclePolicy() LifecyclePolicy {
	return LifecyclePolicy{
		CooperativeWait: 20 * time.Second,
		TermWait:        10 * time.Second,
		KillWait:        5 * time.Second,
	}
}

// BootstrapMode is the per-VM bootstrap trigger policy.
type BootstrapMode string

const (
	BootstrapAuto   BootstrapMode = "auto"
	BootstrapAlways BootstrapMode = "always"
	BootstrapSkip   BootstrapMode = "skip"
)

// BootstrapPolicy is the project-wide default, overridable per VM.
type BootstrapPolicy struct {
	DefaultMode BootstrapMode `yaml:"default_mode"`
}

// PortForward declares one host-to-guest port mapping.
type PortForward struct {
	Host     int    `yaml:"host"`
	Guest    int    `yaml:"guest"`
	Protocol string `yaml:"protocol"` // "tcp" | "udp"
}

// BaseImageSource is either the default managed artifact or an explicit,
// caller-supplied file with a provenance tag. The Managed* fields describe
// the default artifact to fetch when Explicit is empty.
type BaseImageSource struct {
	Explicit   string `yaml:"path,omitempty"`
	Provenance string `yaml:"-"` // "managed" | "explicit", set by resolution

	ManagedID      string `yaml:"id,omitempty"`
	ManagedVersion string `yaml:"version,omitempty"`
	ManagedURL     string `yaml:"artifact_url,omitempty"`
	ManagedDigest  string `yaml:"digest,omitempty"`
	ManagedSize    int64  `yaml:"size,omitempty"`
}

// SSHSession carries the metadata the bootstrap pipeline needs to reach the
// guest; it is also the only coordination surface the legacy broker/bus is
// replaced by.
type SSHSession struct {
	User       string `yaml:"user"`
	PortForward string `yaml:"port,omitempty"` // optional override; default resolves from the guest:22 forward
	Identity   string `yaml:"identity"`
}

// ProfileOverrides lets a VM definition override the kernel boot profile.
type ProfileOverrides struct {
	Kernel      string `yaml:"kernel,omitempty"`
	Initrd      string `yaml:"initrd,omitempty"`
	Append      string `yaml:"append,omitempty"`
	MachineType string `yaml:"machine,omitempty"`
}

// Bootstrap describes the per-VM bootstrap script and payload.
type Bootstrap struct {
	Mode         BootstrapMode `yaml:"mode,omitempty"`
	Script       string        `yaml:"script,omitempty"`
	Payload      string        `yaml:"payload,omitempty"`
	RemoteDir    string        `yaml:"remote_dir,omitempty"`
	EnvKeys      []string      `yaml:"env_keys,omitempty"`
	Sentinel     string        `yaml:"sentinel,omitempty"`
	VerifyExit   bool          `yaml:"verify_exit,omitempty"`
}

// VM is a single VM definition within a Project.
type VM struct {
	Name       string            `yaml:"name"`
	CPU        int               `yaml:"cpu"`
	MemoryMB   int               `yaml:"memory_mb"`
	Base       BaseImageSource   `yaml:"base,omitempty"`
	Overlay    string            `yaml:"overlay,omitempty"`
	Ports      []PortForward     `yaml:"ports,omitempty"`
	Bootstrap  Bootstrap         `yaml:"bootstrap,omitempty"`
	SSH        SSHSession        `yaml:"ssh,omitempty"`
	Profile    ProfileOverrides  `yaml:"profile,omitempty"`
}

// MemoryBytes returns the VM's declared memory in bytes.
func (v VM) MemoryBytes() int64 { return int64(v.MemoryMB) * 1024 * 1024 }

// Project is the validated, immutable-for-the-run configuration.
type Project struct {
	Name           string          `yaml:"name"`
	Version        string          `yaml:"version"`
	StateDir       string          `yaml:"state_dir,omitempty"`
	Lifecycle      LifecyclePolicy `yaml:"lifecycle,omitempty"`
	BootstrapPolicy BootstrapPolicy `yaml:"bootstrap,omitempty"`
	VMs            []VM            `yaml:"vms"`

	// ConfigDir is the absolute directory containing the loaded config
	// file; relative paths resolve against it unless workspace-marker
	// prefixed. Not part of the YAML.
	ConfigDir string `yaml:"-"`

	// ConfigOrigin records how the project was resolved, for
	// metadata/workspace.json.
	ConfigOrigin string `yaml:"-"`

	// WorkspaceRoot is the computed state root, not part of the YAML.
	WorkspaceRoot string `yaml:"-"`
}

// WorkspaceMetadata is the JSON sidecar written to
// metadata/workspace.json.
type WorkspaceMetadata struct {
	ID            string    `json:"id"`
	ProjectName   string    `json:"project_name"`
	ProjectVersion string   `json:"project_version"`
	ConfigOrigin  string    `json:"config_origin"`
	Invocation    string    `json:"invocation"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Root is the workspace's state root directory. Not part of the JSON
	// sidecar itself (it would be redundant with the sidecar's own
	// location); DiscoverActiveWorkspaces fills it in from the directory
	// it found the sidecar under, for callers that need to inspect the
	// workspace further (e.g. aggregated status/ports).
	Root string `json:"-"`
}

// WorkspaceMarker is the literal prefix that rebases a path against the
// workspace root instead of the config directory.
const WorkspaceMarker = ".castra/"
