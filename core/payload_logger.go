// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package core

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PayloadLogger is the on-disk half of the serial transcript store
// (component F), synced to disk on a 1s ticker rather than on every
// write. Unlike a plain line logger, every "down" line sent as part of
// a job run is annotated with the job ID and job-buffer line number it
// belongs to, so a transcript file on its own is enough to tell which
// job produced a given command without cross-referencing JobHistory.
type PayloadLogger struct {
	file   *os.File
	mu     sync.Mutex
	dirty  bool
	stopCh chan struct{}
}

func NewPayloadLogger(logDir string) *PayloadLogger {
	pl := &PayloadLogger{stopCh: make(chan struct{})}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		slog.Error("failed to create log directory", "dir", logDir, "error", err)
		return pl
	}

	now := time.Now()
	filename := pl.nextSessionFile(logDir, now)
	if filename == "" {
		slog.Error("failed to pick a log file name, continuing without one", "dir", logDir)
		return pl
	}

	logPath := filepath.Join(logDir, filename)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to open log file", "path", logPath, "error", err)
		return pl
	}

	pl.file = file
	slog.Info("opened transcript log file", "path", logPath)

	go pl.syncLoop()
	return pl
}

// nextSessionFile picks the next unused "YYYY-MM-DD-sessN-serial.txt"
// name for today, so restarting within the same day doesn't clobber an
// earlier session's transcript.
func (pl *PayloadLogger) nextSessionFile(logDir string, now time.Time) string {
	today := now.Format("2006-01-02")
	matches, err := filepath.Glob(filepath.Join(logDir, today+"-sess*-serial.txt"))
	if err != nil {
		return ""
	}

	session := 0
	for _, path := range matches {
		rest := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), today+"-sess"), "-serial.txt")
		if n, err := strconv.Atoi(rest); err == nil && n >= session {
			session = n + 1
		}
	}
	return fmt.Sprintf("%s-sess%d-serial.txt", today, session)
}

func (pl *PayloadLogger) syncLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pl.mu.Lock()
			if pl.dirty && pl.file != nil {
				pl.file.Sync()
				pl.dirty = false
			}
			pl.mu.Unlock()
		case <-pl.stopCh:
			return
		}
	}
}

// AddLine records a line with no job association: firmware reads, and
// writes sent outside of a job run (send_immediately).
func (pl *PayloadLogger) AddLine(dir, payload string) {
	pl.appendLocked(dir, payload, "", 0)
}

// AddJobLine records a "down" line sent as part of job, tagging it with
// the job's ID and its line number within that job's buffer.
func (pl *PayloadLogger) AddJobLine(dir, payload, jobID string, lineNr int) {
	pl.appendLocked(dir, payload, jobID, lineNr)
}

func (pl *PayloadLogger) appendLocked(dir, payload, jobID string, lineNr int) {
	if pl.file == nil {
		return
	}

	entry := payload
	if jobID != "" {
		entry = fmt.Sprintf("job=%s:%d %s", jobID, lineNr, payload)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	logLine := fmt.Sprintf("%s %s %s\n", formatTranscriptTime(time.Now()), dir, entry)
	if _, err := pl.file.WriteString(logLine); err != nil {
		slog.Error("failed to write to log file", "error", err)
		return
	}
	pl.dirty = true
}

func (pl *PayloadLogger) Close() {
	if pl.file == nil {
		return
	}

	close(pl.stopCh)

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.dirty {
		pl.file.Sync()
	}
	pl.file.Close()
	pl.file = nil
}
