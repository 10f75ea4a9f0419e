// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunLogger appends plain-text entries to one of a run directory's
// append-only log files (logs/worker.log, logs/cancel.log). Each entry is a
// single line of the form "<iso-timestamp> <message>". Append failures are
// deliberately silent: log lines are diagnostics, and a full disk must not
// be able to fail a cancel or flip a run's terminal outcome.
type RunLogger struct {
	logPath string
}

// NewRunLogger creates a logger for the given log file path.
func NewRunLogger(logPath string) *RunLogger {
	return &RunLogger{logPath: logPath}
}

// Append writes one timestamped line.
func (l *RunLogger) Append(message string) {
	l.appendLine(strings.TrimRight(message, "\n"))
}

// Appendf writes one timestamped line with fmt.Sprintf formatting.
func (l *RunLogger) Appendf(format string, args ...interface{}) {
	l.appendLine(fmt.Sprintf(format, args...))
}

func (l *RunLogger) appendLine(message string) {
	if err := os.MkdirAll(filepath.Dir(l.logPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(time.Now().UTC().Format(time.RFC3339Nano) + " " + message + "\n")
}
