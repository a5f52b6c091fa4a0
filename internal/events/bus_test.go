// SPDX-License-Identifier: LGPL-3.0-or-later

package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPreservesPerPublisherOrder(t *testing.T) {
	reporter := NewInMemoryReporter()
	bus := NewBus(reporter, nil)

	var wg sync.WaitGroup
	for _, vm := range []string{"web", "worker"} {
		wg.Add(1)
		go func(vm string) {
			defer wg.Done()
			bus.Publish(Event{Kind: KindShutdownRequested, VM: vm})
			bus.Publish(Event{Kind: KindCooperativeAttempted, VM: vm})
			bus.Publish(Event{Kind: KindShutdownComplete, VM: vm})
		}(vm)
	}
	wg.Wait()
	bus.Flush()

	want := []Kind{KindShutdownRequested, KindCooperativeAttempted, KindShutdownComplete}

	byVM := map[string][]Kind{}
	for _, e := range bus.Events() {
		byVM[e.VM] = append(byVM[e.VM], e.Kind)
	}
	require.Equal(t, want, byVM["web"])
	require.Equal(t, want, byVM["worker"])

	// The reporter itself must observe the same per-publisher order, not
	// just the bus's retained log.
	seenByVM := map[string][]Kind{}
	for _, e := range reporter.Events() {
		seenByVM[e.VM] = append(seenByVM[e.VM], e.Kind)
	}
	require.Equal(t, want, seenByVM["web"])
	require.Equal(t, want, seenByVM["worker"])
}

func TestBusAssignsMonotonicSequence(t *testing.T) {
	bus := NewBus(NewInMemoryReporter(), nil)
	e1 := bus.Publish(Event{Kind: KindMessage})
	e2 := bus.Publish(Event{Kind: KindMessage})
	bus.Flush()

	require.Less(t, e1.Seq, e2.Seq)
}

type failingReporter struct{}

func (failingReporter) Publish(Event) error { return errors.New("connection reset") }
func (failingReporter) Flush()               {}

func TestBusSwallowsReporterErrors(t *testing.T) {
	bus := NewBus(failingReporter{}, nil)

	require.NotPanics(t, func() {
		bus.Publish(Event{Kind: KindVMLaunched, VM: "devbox"})
		bus.Flush()
	})

	kinds := make([]Kind, 0)
	for _, e := range bus.Events() {
		kinds = append(kinds, e.Kind)
	}
	require.Contains(t, kinds, KindVMLaunched)
	require.Contains(t, kinds, KindMessage)
}

func TestStreamingReporterEmitsPreambleOnce(t *testing.T) {
	var buf stringsWriter
	r := NewStreamingReporter(&buf)

	require.NoError(t, r.Publish(Event{Kind: KindMessage, Text: "a"}))
	require.NoError(t, r.Publish(Event{Kind: KindMessage, Text: "b"}))

	lines := buf.Lines()
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], `"contract":"castra-events"`)
}

type stringsWriter struct {
	data []byte
}

func (w *stringsWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *stringsWriter) Lines() []string {
	var lines []string
	start := 0
	for i, b := range w.data {
		if b == '\n' {
			lines = append(lines, string(w.data[start:i]))
			start = i + 1
		}
	}
	return lines
}
