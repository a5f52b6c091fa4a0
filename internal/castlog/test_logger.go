// SPDX-License-Identifier: LGPL-3.0-or-later

package castlog

import (
	"fmt"
	"strings"
)

// TestLogger routes lines through a testing.TB-style Logf so `go test -v`
// interleaves them with the test they belong to.
type TestLogger struct {
	tb interface {
		Logf(format string, args ...interface{})
	}
}

func NewTestLogger(tb interface {
	Logf(format string, args ...interface{})
}) Logger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) line(lv Level, msg string, kv []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", strings.ToUpper(lv.String()), msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	l.tb.Logf("%s", b.String())
}

func (l *TestLogger) Debug(msg string, kv ...interface{}) { l.line(LevelDebug, msg, kv) }
func (l *TestLogger) Info(msg string, kv ...interface{})  { l.line(LevelInfo, msg, kv) }
func (l *TestLogger) Warn(msg string, kv ...interface{})  { l.line(LevelWarn, msg, kv) }
func (l *TestLogger) Error(msg string, kv ...interface{}) { l.line(LevelError, msg, kv) }
