// SPDX-License-Identifier: LGPL-3.0-or-later

package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/castra-dev/castra/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestEnsureExplicitBaseFailsWhenFileMissing(t *testing.T) {
	p := NewPipeline(t.TempDir(), nil)

	err := p.EnsureExplicitBase(context.Background(), "web", filepath.Join(t.TempDir(), "missing.qcow2"))

	require.Error(t, err)
	require.ErrorIs(t, err, errs.Sentinel(errs.AssetAcquisitionFailed))
}

func TestEnsureExplicitBaseSucceedsWhenFilePresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.qcow2")
	require.NoError(t, os.WriteFile(path, []byte("fake-image"), 0o644))

	p := NewPipeline(t.TempDir(), nil)
	require.NoError(t, p.EnsureExplicitBase(context.Background(), "web", path))
}

func TestEnsureManagedBaseDownloadsVerifiesAndFinalizes(t *testing.T) {
	content := []byte("totally-a-qcow2-image")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	imagesDir := t.TempDir()
	p := NewPipeline(imagesDir, nil)

	spec := ManagedImageSpec{ID: "focal", Version: "1", ArtifactURL: srv.URL, Digest: digest, Size: int64(len(content))}
	path, err := p.EnsureManagedBase(context.Background(), "web", spec)

	require.NoError(t, err)
	require.FileExists(t, path)
	require.FileExists(t, path+".sidecar.json")

	_, err = os.Stat(path + ".partial")
	require.True(t, os.IsNotExist(err), ".partial file must not survive a successful finalize")
}

func TestEnsureManagedBaseFailsOnDigestMismatchAndCleansPartial(t *testing.T) {
	content := []byte("corrupted-content")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	imagesDir := t.TempDir()
	p := NewPipeline(imagesDir, nil)

	spec := ManagedImageSpec{ID: "focal", Version: "1", ArtifactURL: srv.URL, Digest: "deadbeef", Size: int64(len(content))}
	_, err := p.EnsureManagedBase(context.Background(), "web", spec)

	require.Error(t, err)
	require.ErrorIs(t, err, errs.Sentinel(errs.AssetVerificationFailed))

	finalPath := filepath.Join(imagesDir, "focal-1")
	_, statErr := os.Stat(finalPath + ".partial")
	require.True(t, os.IsNotExist(statErr), "partial artifact must be removed on digest mismatch")
	_, statErr = os.Stat(finalPath)
	require.True(t, os.IsNotExist(statErr), "final artifact must never exist after a verification failure")
}

func TestEnsureManagedBaseSkipsDownloadWhenAlreadyFinalized(t *testing.T) {
	content := []byte("cached-image")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	imagesDir := t.TempDir()
	finalPath := filepath.Join(imagesDir, "focal-1")
	require.NoError(t, os.WriteFile(finalPath, content, 0o644))

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write(content)
	}))
	defer srv.Close()

	p := NewPipeline(imagesDir, nil)
	spec := ManagedImageSpec{ID: "focal", Version: "1", ArtifactURL: srv.URL, Digest: digest, Size: int64(len(content))}

	path, err := p.EnsureManagedBase(context.Background(), "web", spec)

	require.NoError(t, err)
	require.Equal(t, finalPath, path)
	require.False(t, called, "an already-verified final artifact must not trigger a download")
}

func TestEnsureOverlayReusesExistingNonEmptyOverlay(t *testing.T) {
	dir := t.TempDir()
	overlay := filepath.Join(dir, "web.qcow2")
	require.NoError(t, os.WriteFile(overlay, []byte("existing-overlay-bytes"), 0o644))

	p := NewPipeline(t.TempDir(), nil)
	err := p.EnsureOverlay(context.Background(), "web", filepath.Join(dir, "base.qcow2"), overlay)

	require.NoError(t, err)
}
