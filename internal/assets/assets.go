// SPDX-License-Identifier: LGPL-3.0-or-later

// Package assets manages the cached base images and per-VM overlays a
// project's VMs boot from: verifying or downloading the base image with
// resume support, and provisioning copy-on-write overlays via qemu-img.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/castra-dev/castra/internal/errs"
	"github.com/castra-dev/castra/internal/events"
)

// ManagedImageSpec describes the default base image Castra downloads when
// a VM does not declare an explicit base.
type ManagedImageSpec struct {
	ID         string
	Version    string
	ArtifactURL string
	Digest     string // hex sha256
	Size       int64
}

// Sidecar records the verified digest of a finalized base image. The
// algorithm identifier is part of the record so the schema stays
// self-describing if the digest algorithm ever changes.
type Sidecar struct {
	Algorithm   string    `json:"algorithm"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Pipeline ensures base images and overlays exist for a project's VMs.
type Pipeline struct {
	ImagesDir string
	HTTP      *http.Client
	Bus       *events.Bus
}

func NewPipeline(imagesDir string, bus *events.Bus) *Pipeline {
	return &Pipeline{ImagesDir: imagesDir, HTTP: http.DefaultClient, Bus: bus}
}

// EnsureExplicitBase verifies a caller-supplied base image file is present
// and readable, without downloading anything.
func (p *Pipeline) EnsureExplicitBase(ctx context.Context, vmName, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.AssetAcquisitionFailed, fmt.Sprintf("explicit base image for %s", vmName), err)
	}
	f.Close()
	p.publish(events.Event{Kind: events.KindBaseImageDownload, VM: vmName, Phase: "verified", Path: path})
	return nil
}

// EnsureManagedBase downloads (resuming a `.partial` file if present),
// verifies, and finalizes the default managed base image for a VM.
// Finalization is file-locked so concurrent `up`s sharing the same base
// image don't race each other's rename/verify.
func (p *Pipeline) EnsureManagedBase(ctx context.Context, vmName string, spec ManagedImageSpec) (string, error) {
	if err := os.MkdirAll(p.ImagesDir, 0o755); err != nil {
		return "", errs.Wrap(errs.AssetAcquisitionFailed, "create images directory", err)
	}

	finalName := fmt.Sprintf("%s-%s", spec.ID, spec.Version)
	finalPath := filepath.Join(p.ImagesDir, finalName)

	if info, err := os.Stat(finalPath); err == nil && info.Size() == spec.Size {
		if ok, _ := verifyDigest(finalPath, spec.Digest); ok {
			p.publish(events.Event{Kind: events.KindBaseImageDownload, VM: vmName, Phase: "verified", Path: finalPath})
			return finalPath, nil
		}
	}

	var result string
	err := withFinalizeLock(ctx, p.ImagesDir, finalName, func() error {
		// Re-check under the lock: another up may have finalized while we waited.
		if info, err := os.Stat(finalPath); err == nil && info.Size() == spec.Size {
			if ok, _ := verifyDigest(finalPath, spec.Digest); ok {
				result = finalPath
				return nil
			}
		}

		partialPath := finalPath + ".partial"
		p.publish(events.Event{Kind: events.KindBaseImageDownload, VM: vmName, Phase: "started", BytesTotal: spec.Size})

		if err := p.downloadWithRetry(ctx, vmName, spec, partialPath); err != nil {
			return err
		}

		ok, digest := verifyDigest(partialPath, spec.Digest)
		if !ok {
			os.Remove(partialPath)
			return errs.New(errs.AssetVerificationFailed,
				fmt.Sprintf("base image %s digest mismatch: got %s want %s", spec.ID, digest, spec.Digest))
		}

		info, err := os.Stat(partialPath)
		if err != nil {
			return errs.Wrap(errs.AssetVerificationFailed, "stat downloaded artifact", err)
		}
		if info.Size() != spec.Size {
			os.Remove(partialPath)
			return errs.New(errs.AssetVerificationFailed,
				fmt.Sprintf("base image %s size mismatch: got %d want %d", spec.ID, info.Size(), spec.Size))
		}

		if err := os.Rename(partialPath, finalPath); err != nil {
			return errs.Wrap(errs.AssetAcquisitionFailed, "finalize base image", err)
		}

		if err := writeSidecar(finalPath, digest, spec.Size); err != nil {
			return errs.Wrap(errs.AssetAcquisitionFailed, "write base image sidecar", err)
		}

		p.publish(events.Event{Kind: events.KindBaseImageDownload, VM: vmName, Phase: "finalized", Path: finalPath, Digest: digest})
		result = finalPath
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

const (
	downloadMaxAttempts = 4
	downloadBaseBackoff = 500 * time.Millisecond
)

// downloadWithRetry retries a transient download failure (dropped
// connection, reset stream, non-2xx status) with exponential backoff,
// resuming from wherever the partial file's offset left off each time.
func (p *Pipeline) downloadWithRetry(ctx context.Context, vmName string, spec ManagedImageSpec, dest string) error {
	var lastErr error
	backoff := downloadBaseBackoff
	for attempt := 1; attempt <= downloadMaxAttempts; attempt++ {
		lastErr = p.download(ctx, vmName, spec, dest)
		if lastErr == nil {
			return nil
		}
		if attempt == downloadMaxAttempts {
			break
		}
		p.publish(events.Event{Kind: events.KindMessage, VM: vmName, Severity: events.SeverityWarn,
			Text: fmt.Sprintf("base image download attempt %d/%d failed, retrying in %s: %v",
				attempt, downloadMaxAttempts, backoff, lastErr)})
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.AssetAcquisitionFailed, "download canceled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// download streams the artifact into dest with resume support, keyed by
// the current size of dest (a `.partial` file survives interruption).
func (p *Pipeline) download(ctx context.Context, vmName string, spec ManagedImageSpec, dest string) error {
	var offset int64
	if info, err := os.Stat(dest); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.ArtifactURL, nil)
	if err != nil {
		return errs.Wrap(errs.AssetAcquisitionFailed, "build download request", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return errs.Wrap(errs.AssetAcquisitionFailed, "download base image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return errs.New(errs.AssetAcquisitionFailed, fmt.Sprintf("download base image: unexpected status %s", resp.Status))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}

	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return errs.Wrap(errs.AssetAcquisitionFailed, "open partial file", err)
	}
	defer f.Close()

	done := offset
	buf := make([]byte, 256*1024)
	lastReport := time.Now()
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return errs.Wrap(errs.AssetAcquisitionFailed, "write partial file", werr)
			}
			done += int64(n)
			if time.Since(lastReport) > 200*time.Millisecond {
				p.publish(events.Event{Kind: events.KindBaseImageDownload, VM: vmName, Phase: "progress", BytesDone: done, BytesTotal: spec.Size})
				lastReport = time.Now()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errs.Wrap(errs.AssetAcquisitionFailed, "read download stream", rerr)
		}
	}
	return nil
}

func verifyDigest(path, want string) (bool, string) {
	f, err := os.Open(path)
	if err != nil {
		return false, ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, ""
	}
	got := hex.EncodeToString(h.Sum(nil))
	return got == want, got
}

func writeSidecar(basePath, digest string, size int64) error {
	sc := Sidecar{Algorithm: "sha256", Digest: digest, Size: size, FinalizedAt: time.Now()}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(basePath+".sidecar.json", data, 0o644)
}

// EnsureOverlay provisions a copy-on-write overlay over a base image for a
// VM if one does not already exist. An overlay with a nonzero size is
// assumed reusable across runs.
func (p *Pipeline) EnsureOverlay(ctx context.Context, vmName, basePath, overlayPath string) error {
	if info, err := os.Stat(overlayPath); err == nil && info.Size() > 0 {
		p.publish(events.Event{Kind: events.KindOverlayPrepared, VM: vmName, Path: overlayPath})
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(overlayPath), 0o755); err != nil {
		return errs.Wrap(errs.AssetAcquisitionFailed, "create overlay directory", err)
	}

	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2",
		"-F", "qcow2", "-b", basePath, overlayPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errs.Wrap(errs.AssetAcquisitionFailed,
			fmt.Sprintf("create overlay for %s: %s", vmName, string(out)), err)
	}

	p.publish(events.Event{Kind: events.KindOverlayPrepared, VM: vmName, Path: overlayPath})
	return nil
}

func (p *Pipeline) publish(e events.Event) {
	if p.Bus != nil {
		p.Bus.Publish(e)
	}
}
