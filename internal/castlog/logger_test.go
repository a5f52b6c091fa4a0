// SPDX-License-Identifier: LGPL-3.0-or-later

package castlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("debug"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelError, ParseLevel("ERROR"))
	require.Equal(t, LevelInfo, ParseLevel(""))
	require.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestTextFormatCarriesComponentAndPairs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(Options{Level: LevelDebug, Component: "vmrun", Output: &buf})

	log.Info("vm launched", "vm", "devbox", "pid", 4242)

	line := buf.String()
	require.Contains(t, line, "INFO [vmrun] vm launched")
	require.Contains(t, line, "vm=devbox")
	require.Contains(t, line, "pid=4242")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(Options{Level: LevelDebug, JSON: true, Component: "events", Output: &buf})

	log.Warn("cooperative shutdown timed out", "vm", "worker", "reason", "timeout_expired")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "events", entry["component"])
	require.Equal(t, "cooperative shutdown timed out", entry["msg"])
	require.Equal(t, "worker", entry["vm"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(Options{Level: LevelWarn, Output: &buf})

	log.Debug("should not appear")
	log.Info("should not appear either")
	log.Warn("should appear")

	require.Equal(t, 1, strings.Count(buf.String(), "\n"))
	require.Contains(t, buf.String(), "should appear")
}

func TestOddKeyValuesIgnoresTrailingKey(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(Options{Level: LevelDebug, Output: &buf})

	log.Info("partial pairs", "only-key")
	require.NotContains(t, buf.String(), "only-key=")
}

func TestWithComponentSharesSinkAndLevel(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithOptions(Options{Level: LevelWarn, Output: &buf})
	scoped := WithComponent(base, "assets")

	scoped.Info("filtered out by the inherited level")
	scoped.Warn("download retry", "attempt", 2)

	require.Equal(t, 1, strings.Count(buf.String(), "\n"))
	require.Contains(t, buf.String(), "[assets]")
	require.Contains(t, buf.String(), "attempt=2")
}
