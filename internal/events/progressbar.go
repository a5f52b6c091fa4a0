// SPDX-License-Identifier: LGPL-3.0-or-later

package events

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// BarReporter renders base_image_download progress events as a live
// terminal progress bar and otherwise ignores the event stream. It is
// meant to be combined with a StreamingReporter or InMemoryReporter via
// MultiReporter so the CLI gets both a human-facing bar and the durable
// record.
type BarReporter struct {
	w    io.Writer
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func NewBarReporter(w io.Writer) *BarReporter {
	return &BarReporter{w: w, bars: make(map[string]*progressbar.ProgressBar)}
}

func (b *BarReporter) Publish(e Event) error {
	if e.Kind != KindBaseImageDownload {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bar, ok := b.bars[e.VM]

	switch e.Phase {
	case "started":
		bar = progressbar.NewOptions64(e.BytesTotal,
			progressbar.OptionSetWriter(b.w),
			progressbar.OptionSetDescription(fmt.Sprintf("Downloading base image for %s:", e.VM)),
			progressbar.OptionSetWidth(50),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionOnCompletion(func() { fmt.Fprint(b.w, "\n") }),
		)
		b.bars[e.VM] = bar
	case "progress":
		if ok {
			_ = bar.Set64(e.BytesDone)
		}
	case "verified", "finalized":
		if ok {
			_ = bar.Finish()
			delete(b.bars, e.VM)
		}
	}

	return nil
}

func (b *BarReporter) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for vm, bar := range b.bars {
		_ = bar.Close()
		delete(b.bars, vm)
	}
}
