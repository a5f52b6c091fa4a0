// SPDX-License-Identifier: LGPL-3.0-or-later

package bootstrap

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Prober is the wait_ready capability: a bounded, cheap check that the
// guest can accept SSH. Kept to one method so a test double can substitute
// it without depending on any real network behavior.
type Prober interface {
	WaitReady(ctx context.Context, host string, port int, deadline time.Duration) error
}

// sshProber is the production Prober: a TCP dial followed by an SSH
// protocol handshake attempt, so a port that is merely open (but whose
// sshd hasn't started yet) doesn't falsely report ready.
type sshProber struct{}

const probeInterval = 300 * time.Millisecond

func (sshProber) WaitReady(ctx context.Context, host string, port int, deadline time.Duration) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	end := time.Now().Add(deadline)

	for {
		if attemptHandshake(addr) {
			return nil
		}
		if time.Now().After(end) {
			return fmt.Errorf("guest at %s did not become SSH-ready within %s", addr, deadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

// attemptHandshake reports true once something speaking the SSH protocol
// answers, even if our (deliberately bogus) credentials are rejected —
// that rejection itself proves sshd is up.
func attemptHandshake(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "castra-probe",
		Auth:            nil,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	if err == nil {
		client.Close()
		return true
	}
	return isSSHProtocolResponse(err)
}

// isSSHProtocolResponse distinguishes "sshd answered and rejected us" from
// "nothing is listening yet" or "connection reset mid-boot".
func isSSHProtocolResponse(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
