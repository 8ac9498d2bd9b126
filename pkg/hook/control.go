// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	controlFileName = "control"
	controlFileSize = 4096
)

// ControlFile is a one-page file whose first byte switches overrides:
//   - 1 = active (overrides run)
//   - 0 = dormant (every trampoline calls the original directly)
//
// The preloaded library maps it read-only, so a write here reaches every
// hooked process through the page cache without IPC.
type ControlFile struct {
	path string
	file *os.File
}

// CreateControlFile creates a control file in dir, initialized active.
func CreateControlFile(dir string) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create control file: %w", err)
	}

	// Exactly one page keeps the C side mmap simple.
	if err := f.Truncate(controlFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate control file: %w", err)
	}

	if _, err := f.WriteAt([]byte{1}, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("init control file: %w", err)
	}

	return &ControlFile{path: path, file: f}, nil
}

// OpenControlFile opens an existing control file for read-write access.
// Used by `ldhook trace` to flip a running session from another process.
func OpenControlFile(dir string) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open control file %s: %w", path, err)
	}

	return &ControlFile{path: path, file: f}, nil
}

// Enable activates overrides in all hooked processes.
func (c *ControlFile) Enable() error {
	_, err := c.file.WriteAt([]byte{1}, 0)
	return err
}

// Disable makes all trampolines pass through.
func (c *ControlFile) Disable() error {
	_, err := c.file.WriteAt([]byte{0}, 0)
	return err
}

// IsEnabled returns the current state.
func (c *ControlFile) IsEnabled() (bool, error) {
	buf := make([]byte, 1)
	if _, err := c.file.ReadAt(buf, 0); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// Close closes the file handle without removing the file.
func (c *ControlFile) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

// Remove removes the control file from disk.
func (c *ControlFile) Remove() {
	os.Remove(c.path)
}

// Path returns the control file path.
func (c *ControlFile) Path() string {
	return c.path
}
