// SPDX-License-Identifier: LGPL-3.0-or-later

package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Connector is the connect capability: open an SSH session to a Target.
// Kept to one method so tests substitute it without standing up a real
// SSH server.
type Connector interface {
	Connect(ctx context.Context, target Target) (Session, error)
}

// Target is everything Connect needs to reach a guest.
type Target struct {
	Host     string
	Port     int
	User     string
	Identity string
}

// Session is the transfer/apply capability an established connection
// exposes.
type Session interface {
	// Transfer uploads the bootstrap script and, if payloadDir is
	// non-empty, its payload directory, into remoteDir.
	Transfer(ctx context.Context, scriptPath, payloadDir, remoteDir string) (remoteScript string, err error)
	// Run executes command remotely and returns its exit code and
	// combined output.
	Run(ctx context.Context, command string) (exitCode int, output string, err error)
	Close() error
}

// sshConnector is the production Connector: ssh.Dial with a known_hosts
// host key callback, then sftp.NewClient over the same connection for the
// transfer step.
type sshConnector struct{}

func (sshConnector) Connect(ctx context.Context, target Target) (Session, error) {
	auth, err := authMethods(target.Identity)
	if err != nil {
		return nil, err
	}

	hostKeyCB, err := hostKeyCallback()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCB,
		Timeout:         15 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}

	return &sshSession{client: client, sftp: sftpClient}, nil
}

func authMethods(identity string) ([]ssh.AuthMethod, error) {
	if identity == "" {
		return nil, fmt.Errorf("no SSH identity configured for bootstrap")
	}
	key, err := os.ReadFile(identity)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// hostKeyCallback loads ~/.ssh/known_hosts when present. Castra VMs are
// short-lived, locally-forwarded guests with no stable host key history,
// so an absent known_hosts file degrades to accepting any key rather than
// refusing to bootstrap at all.
func hostKeyCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(path); err != nil {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

type sshSession struct {
	client *ssh.Client
	sftp   *sftp.Client
}

func (s *sshSession) Transfer(ctx context.Context, scriptPath, payloadDir, remoteDir string) (string, error) {
	if err := s.sftp.MkdirAll(remoteDir); err != nil {
		return "", fmt.Errorf("create remote staging directory: %w", err)
	}

	remoteScript := path.Join(remoteDir, filepath.Base(scriptPath))
	if err := s.uploadFile(scriptPath, remoteScript, 0o755); err != nil {
		return "", fmt.Errorf("upload bootstrap script: %w", err)
	}

	if payloadDir != "" {
		if err := s.uploadDir(payloadDir, path.Join(remoteDir, "payload")); err != nil {
			return "", fmt.Errorf("upload bootstrap payload: %w", err)
		}
	}

	return remoteScript, nil
}

func (s *sshSession) uploadFile(localPath, remotePath string, mode os.FileMode) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f, err := s.sftp.Create(remotePath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return s.sftp.Chmod(remotePath, mode)
}

func (s *sshSession) uploadDir(localDir, remoteDir string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		remotePath := path.Join(remoteDir, filepath.ToSlash(rel))
		if d.IsDir() {
			return s.sftp.MkdirAll(remotePath)
		}
		return s.uploadFile(p, remotePath, 0o644)
	})
}

func (s *sshSession) Run(ctx context.Context, command string) (int, string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return 0, "", fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return 0, out.String(), ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, out.String(), nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return exitErr.ExitStatus(), out.String(), nil
		}
		return -1, out.String(), err
	}
}

func (s *sshSession) Close() error {
	s.sftp.Close()
	return s.client.Close()
}
