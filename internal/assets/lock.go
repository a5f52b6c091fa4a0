// SPDX-License-Identifier: LGPL-3.0-or-later

package assets

import (
	"context"
	"os"
	"time"

	"github.com/castra-dev/castra/internal/errs"
)

// withFinalizeLock serializes base-image finalization across concurrent
// `up` invocations sharing the same images directory. It uses an
// exclusive-create lockfile rather than flock(2) so the same code path
// works identically on every platform QEMU itself targets.
func withFinalizeLock(ctx context.Context, imagesDir, artifactID string, fn func() error) error {
	lockPath := imagesDir + "/." + artifactID + ".lock"

	deadline := time.Now().Add(2 * time.Minute)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			defer os.Remove(lockPath)
			return fn()
		}
		if !os.IsExist(err) {
			return errs.Wrap(errs.AssetAcquisitionFailed, "acquire finalize lock", err)
		}
		if time.Now().After(deadline) {
			return errs.New(errs.AssetAcquisitionFailed, "timed out waiting for base image finalize lock")
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.AssetAcquisitionFailed, "wait for finalize lock", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}
