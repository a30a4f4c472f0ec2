// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package core

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// InitStore persists the list of G-code lines (work offsets, $-settings)
// that an operator wants sent once after every boot banner. The core
// never streams these automatically; GetInit/SetInit only manage the
// list. Invoking it is an ordinary Write+JobRun like any other buffer.
type InitStore struct {
	mu       sync.Mutex
	filePath string
}

// NewInitStore loads (creating if absent) the init file at filePath.
func NewInitStore(filePath string) (*InitStore, error) {
	s := &InitStore{filePath: filePath}
	if _, err := s.GetInit(); err != nil {
		return nil, err
	}
	return s, nil
}

// GetInit returns the persisted lines, creating an empty file on first use.
func (s *InitStore) GetInit() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.filePath); os.IsNotExist(err) {
		if err := os.WriteFile(s.filePath, []byte(""), 0644); err != nil {
			return nil, fmt.Errorf("create init file: %w", err)
		}
		slog.Info("created empty init file", "path", s.filePath)
	} else if err != nil {
		return nil, fmt.Errorf("stat init file: %w", err)
	}

	content, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, fmt.Errorf("read init file: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// SetInit overwrites the persisted init lines.
func (s *InitStore) SetInit(lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content := strings.Join(lines, "\n")
	if err := os.WriteFile(s.filePath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write init file: %w", err)
	}
	return nil
}
