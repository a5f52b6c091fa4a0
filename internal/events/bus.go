// SPDX-License-Identifier: LGPL-3.0-or-later

package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castra-dev/castra/internal/castlog"
)

// Reporter is the single capability the bus forwards published events to.
// Embedders substitute their own implementation (UI transcript, test spy)
// without the bus or its publishers changing.
type Reporter interface {
	Publish(e Event) error
	Flush()
}

// Bus is the thread-safe, ordered event stream. It is shared across every
// per-VM worker: each worker is a single publisher,
// so Bus guarantees FIFO delivery per publisher (the VM field) but makes no
// promise about interleaving across distinct VMs.
type Bus struct {
	seq      uint64
	log      castlog.Logger
	mu       sync.Mutex // guards all
	dmu      sync.Mutex // serializes reporter delivery
	reporter Reporter
	all      []Event // retained for the outcome's owned event log
}

func NewBus(reporter Reporter, log castlog.Logger) *Bus {
	return &Bus{reporter: reporter, log: log}
}

// Publish stamps a monotonic sequence number and delivers the event to the
// reporter before returning, so the reporter observes events in exactly the
// order each publisher emitted them. Reporter errors never abort the
// caller: they are swallowed and replaced with a message{severity=warn}
// event describing the delivery loss.
func (b *Bus) Publish(e Event) Event {
	e.Seq = atomic.AddUint64(&b.seq, 1)
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	b.all = append(b.all, e)
	b.mu.Unlock()

	b.dmu.Lock()
	defer b.dmu.Unlock()
	if err := b.reporter.Publish(e); err != nil {
		if b.log != nil {
			b.log.Warn("event delivery failed", "kind", e.Kind, "vm", e.VM, "error", err)
		}
		lossEvt := Event{Kind: KindMessage, Severity: SeverityWarn, At: time.Now(),
			Text: fmt.Sprintf("event delivery lost for %s: %v", e.Kind, err)}
		lossEvt.Seq = atomic.AddUint64(&b.seq, 1)
		b.mu.Lock()
		b.all = append(b.all, lossEvt)
		b.mu.Unlock()
		_ = b.reporter.Publish(lossEvt) // best effort; a second failure is silently dropped
	}

	return e
}

// Flush signals the reporter's own flush (e.g. draining a buffered writer).
// Delivery itself is synchronous, so by the time a caller reaches Flush
// every event it published has already been handed to the reporter.
func (b *Bus) Flush() {
	b.dmu.Lock()
	defer b.dmu.Unlock()
	b.reporter.Flush()
}

// Events returns a copy of every event published so far, in publish order.
// This backs the outcome's owned event log: outcomes own their event log,
// and the reporter is a borrow-only observer.
func (b *Bus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.all))
	copy(out, b.all)
	return out
}

// InMemoryReporter accumulates events into a slice; it is the default
// reporter an outcome carries when no external consumer is attached.
type InMemoryReporter struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemoryReporter() *InMemoryReporter { return &InMemoryReporter{} }

func (r *InMemoryReporter) Publish(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *InMemoryReporter) Flush() {}

func (r *InMemoryReporter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// StreamingReporter serializes each event as a newline-delimited JSON
// object. It writes a version preamble on first use and is safe for
// concurrent Publish calls.
type StreamingReporter struct {
	mu        sync.Mutex
	w         io.Writer
	preambled bool
}

func NewStreamingReporter(w io.Writer) *StreamingReporter {
	return &StreamingReporter{w: w}
}

type preamble struct {
	Contract string `json:"contract"`
	Version  int    `json:"version"`
}

func (r *StreamingReporter) Publish(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.preambled {
		p, err := json.Marshal(preamble{Contract: "castra-events", Version: 1})
		if err != nil {
			return err
		}
		if _, err := r.w.Write(append(p, '\n')); err != nil {
			return err
		}
		r.preambled = true
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.w.Write(append(line, '\n'))
	return err
}

func (r *StreamingReporter) Flush() {
	if f, ok := r.w.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
}

// MultiReporter fans a single Publish out to several reporters, used by the
// CLI to drive both a live progress bar and a durable JSON stream from one
// bus.
type MultiReporter struct {
	reporters []Reporter
}

func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	return &MultiReporter{reporters: reporters}
}

func (m *MultiReporter) Publish(e Event) error {
	var firstErr error
	for _, r := range m.reporters {
		if err := r.Publish(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiReporter) Flush() {
	for _, r := range m.reporters {
		r.Flush()
	}
}
