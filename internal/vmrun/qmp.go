// SPDX-License-Identifier: LGPL-3.0-or-later

package vmrun

import (
	"context"
	"os"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// CooperativeChannel is the out-of-band control path the shutdown state
// machine uses to ask a guest to power down cleanly before it resorts to
// signals. Kept to a single meaningful operation so alternative channels
// (a future agent-based one, say) can be substituted without touching the
// state machine.
type CooperativeChannel interface {
	// RequestPowerdown asks the guest to perform a clean shutdown. A
	// non-nil return means the channel itself failed mid-attempt
	// (reason=channel_error), not that the guest declined.
	RequestPowerdown(ctx context.Context) error
	Close() error
}

// qmpChannel is the production CooperativeChannel: a QEMU QMP monitor
// socket, used to request an ACPI powerdown (system_powerdown over the
// socket the launcher itself opened with "-qmp unix:...").
type qmpChannel struct {
	mon *qmp.SocketMonitor
}

const qmpDialTimeout = 5 * time.Second

// dialCooperativeChannel opens the monitor socket for vm if present and
// connectable. A missing or unconnectable socket is not an error: it means
// the channel is unavailable on this host, which the shutdown state
// machine treats as an immediate, zero-wait cooperative_timed_out.
func dialCooperativeChannel(monitorSock string) (CooperativeChannel, bool) {
	if _, err := os.Stat(monitorSock); err != nil {
		return nil, false
	}

	mon, err := qmp.NewSocketMonitor("unix", monitorSock, qmpDialTimeout)
	if err != nil {
		return nil, false
	}
	if err := mon.Connect(); err != nil {
		return nil, false
	}

	return &qmpChannel{mon: mon}, true
}

func (c *qmpChannel) RequestPowerdown(ctx context.Context) error {
	_, err := c.mon.Run([]byte(`{"execute":"system_powerdown"}`))
	return err
}

func (c *qmpChannel) Close() error {
	return c.mon.Disconnect()
}
