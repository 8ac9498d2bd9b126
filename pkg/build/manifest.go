// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package build

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

const (
	manifestFile = "ldhook.yaml"
	sourceFile   = "ldhook.c"
	targetDir    = "target"

	// KindShared is the only output kind: a preloadable shared object.
	KindShared = "shared"
)

// Manifest describes the scratch project: what to compile and how. It is
// written by Prepare and read back by Build, so the project can also be
// rebuilt by hand.
type Manifest struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Sources  []string `yaml:"sources"`
	Compiler string   `yaml:"compiler"`
	CFlags   []string `yaml:"cflags"`
	Libs     []string `yaml:"libs"`
}

// LibraryFile returns the artifact file name, e.g. "libldhook.so".
func (m *Manifest) LibraryFile() string {
	return "lib" + m.Name + libraryExt()
}

// SnapshotFile returns the content-addressed artifact name for digest.
func (m *Manifest) SnapshotFile(digest string) string {
	return "lib" + m.Name + "-" + digest + libraryExt()
}

// Args returns the compiler arguments producing output from the sources.
func (m *Manifest) Args(output string) []string {
	args := append([]string{}, m.CFlags...)
	if runtime.GOOS == "darwin" {
		args = append(args, "-dynamiclib")
	} else {
		args = append(args, "-shared")
	}
	args = append(args, "-fPIC", "-o", output)
	args = append(args, m.Sources...)
	for _, lib := range m.Libs {
		args = append(args, "-l"+lib)
	}
	return args
}

// Validate checks the manifest is buildable.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.Kind != KindShared {
		return fmt.Errorf("manifest: unsupported kind %q", m.Kind)
	}
	if m.Compiler == "" {
		return fmt.Errorf("manifest: compiler is required")
	}
	if len(m.Sources) == 0 {
		return fmt.Errorf("manifest: no sources")
	}
	return nil
}

func libraryExt() string {
	if runtime.GOOS == "darwin" {
		return ".dylib"
	}
	return ".so"
}

func writeManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	path := filepath.Join(dir, manifestFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ioFailure("write", path, err)
	}
	return nil
}

// LoadManifest reads the manifest of the scratch project in dir.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioFailure("read", path, err)
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
