// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package build turns generated trampolines into a preloadable shared
// object. All builds share one scratch project, so Prepare, Append and Build
// form a single critical section: at most one runs at a time in the process,
// and an flock on the scratch directory extends that to other processes.
package build

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/ldhook/pkg/catalog"
	"github.com/mbeema/ldhook/pkg/trampoline"
)

// EnvTargetDir is set for the toolchain to the directory receiving output.
const EnvTargetDir = "LDHOOK_TARGET_DIR"

// buildMu serializes every build in the process, whichever Orchestrator
// runs it.
var buildMu sync.Mutex

// Config describes the scratch project and the toolchain.
type Config struct {
	ScratchDir string
	Name       string
	Compiler   string
	CFlags     []string
	Libs       []string
}

// DefaultConfig returns the default scratch project under the temp dir.
func DefaultConfig() Config {
	return Config{
		ScratchDir: filepath.Join(os.TempDir(), "ldhook"),
		Name:       "ldhook",
		Compiler:   "cc",
		CFlags:     []string{"-O2", "-Wall", "-Wno-unused-function", "-U_FORTIFY_SOURCE"},
		Libs:       []string{"dl", "pthread"},
	}
}

// Hook is what the orchestrator needs from a hook.
type Hook interface {
	Function() catalog.Function
	Override() string
}

// Orchestrator builds hook libraries in one scratch project.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	stats  *Stats
}

// New creates an orchestrator. Zero fields of cfg take their defaults.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = def.ScratchDir
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Compiler == "" {
		cfg.Compiler = def.Compiler
	}
	if cfg.CFlags == nil {
		cfg.CFlags = def.CFlags
	}
	if cfg.Libs == nil {
		cfg.Libs = def.Libs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, logger: logger, stats: NewStats()}
}

// ScratchDir returns the scratch project directory.
func (o *Orchestrator) ScratchDir() string { return o.cfg.ScratchDir }

// SourcePath returns the generated source unit path.
func (o *Orchestrator) SourcePath() string {
	return filepath.Join(o.cfg.ScratchDir, sourceFile)
}

// TargetDir returns the directory holding build output.
func (o *Orchestrator) TargetDir() string {
	return filepath.Join(o.cfg.ScratchDir, targetDir)
}

// Artifact returns the fixed path every successful build writes.
func (o *Orchestrator) Artifact() string {
	return filepath.Join(o.TargetDir(), o.manifest().LibraryFile())
}

// Stats returns the orchestrator counters.
func (o *Orchestrator) Stats() Snapshot { return o.stats.Snapshot() }

func (o *Orchestrator) manifest() *Manifest {
	return &Manifest{
		Name:     o.cfg.Name,
		Kind:     KindShared,
		Sources:  []string{sourceFile},
		Compiler: o.cfg.Compiler,
		CFlags:   o.cfg.CFlags,
		Libs:     o.cfg.Libs,
	}
}

// Compile runs the whole critical section for hooks and returns the path of
// the artifact to inject.
func (o *Orchestrator) Compile(ctx context.Context, hooks []Hook) (string, error) {
	u, err := o.Begin()
	if err != nil {
		return "", err
	}
	defer u.Release()

	if err := u.Prepare(); err != nil {
		return "", err
	}
	for _, h := range hooks {
		sig, ok := catalog.Lookup(h.Function())
		if !ok {
			return "", fmt.Errorf("unsupported function %q", h.Function())
		}
		if err := u.Append(trampoline.Generate(sig, h.Override())); err != nil {
			return "", err
		}
	}
	return u.Build(ctx)
}

// Unit is exclusive access to the scratch project, obtained with Begin and
// given back with Release.
type Unit struct {
	o        *Orchestrator
	lock     *fileLock
	prepared bool
	released bool
}

// Begin blocks until no other build is in flight and returns the unit.
func (o *Orchestrator) Begin() (*Unit, error) {
	if !buildMu.TryLock() {
		o.stats.Waits.Add(1)
		o.logger.Debug("waiting for build lock", zap.String("scratch", o.cfg.ScratchDir))
		buildMu.Lock()
	}

	lock, err := lockDir(o.cfg.ScratchDir)
	if err != nil {
		buildMu.Unlock()
		return nil, err
	}
	return &Unit{o: o, lock: lock}, nil
}

// Release gives the scratch project back. It is safe to call twice.
func (u *Unit) Release() {
	if u.released {
		return
	}
	u.released = true
	u.lock.unlock()
	buildMu.Unlock()
}

// Prepare creates the scratch project if needed, rewrites the manifest and
// resets the source unit to the prologue, dropping earlier trampolines.
func (u *Unit) Prepare() error {
	o := u.o
	for _, dir := range []string{o.cfg.ScratchDir, o.TargetDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ioFailure("mkdir", dir, err)
		}
	}
	if err := writeManifest(o.cfg.ScratchDir, o.manifest()); err != nil {
		return err
	}
	path := o.SourcePath()
	if err := os.WriteFile(path, []byte(trampoline.Prologue()), 0644); err != nil {
		return ioFailure("write", path, err)
	}
	u.prepared = true
	return nil
}

// Append adds one trampoline to the source unit.
func (u *Unit) Append(src string) error {
	if !u.prepared {
		return errors.New("append before prepare")
	}
	path := u.o.SourcePath()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return ioFailure("open", path, err)
	}
	if _, err := f.WriteString(src); err != nil {
		f.Close()
		return ioFailure("append", path, err)
	}
	if err := f.Close(); err != nil {
		return ioFailure("close", path, err)
	}
	return nil
}

// Build compiles the source unit and returns a content-addressed copy of
// the artifact. Identical source and manifest reuse an earlier copy without
// running the toolchain.
func (u *Unit) Build(ctx context.Context) (string, error) {
	if !u.prepared {
		return "", errors.New("build before prepare")
	}
	o := u.o
	dir := o.cfg.ScratchDir

	m, err := LoadManifest(dir)
	if err != nil {
		return "", err
	}

	digest, err := digestProject(dir, m)
	if err != nil {
		return "", err
	}
	target := o.TargetDir()
	snapshot := filepath.Join(target, m.SnapshotFile(digest))
	if _, err := os.Stat(snapshot); err == nil {
		o.stats.CacheHits.Add(1)
		o.logger.Debug("hook library cached", zap.String("artifact", snapshot))
		return snapshot, nil
	}

	artifact := filepath.Join(target, m.LibraryFile())
	if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
		return "", ioFailure("remove", artifact, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.Compiler, m.Args(filepath.Join(targetDir, m.LibraryFile()))...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), EnvTargetDir+"="+target, "LC_ALL=C")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	o.stats.Builds.Add(1)
	o.logger.Debug("compiling hook library",
		zap.String("compiler", m.Compiler),
		zap.Strings("args", cmd.Args[1:]),
		zap.String("dir", dir),
	)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			o.logger.Debug("hook library build interrupted", zap.Error(ctxErr))
			return "", fmt.Errorf("compile hook library: %w", ctxErr)
		}
		o.stats.Failures.Add(1)
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", ioFailure("exec", m.Compiler, err)
		}
		diag := stderr.String()
		if strings.TrimSpace(diag) == "" {
			diag = stdout.String()
		}
		o.logger.Warn("hook library failed to compile",
			zap.Int("exit_code", exitErr.ExitCode()),
			zap.String("source", o.SourcePath()),
		)
		return "", &BuildFailure{Compiler: m.Compiler, ExitCode: exitErr.ExitCode(), Diagnostics: diag}
	}

	if _, err := os.Stat(artifact); err != nil {
		o.stats.Failures.Add(1)
		return "", ioFailure("stat", artifact, err)
	}
	if err := copyFile(artifact, snapshot); err != nil {
		return "", err
	}

	o.logger.Info("hook library built",
		zap.String("artifact", snapshot),
		zap.Duration("took", time.Since(start)),
	)
	return snapshot, nil
}

func digestProject(dir string, m *Manifest) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", m.Name, m.Kind, m.Compiler, strings.Join(m.Args("out"), "\x01"))
	for _, src := range m.Sources {
		path := filepath.Join(dir, src)
		f, err := os.Open(path)
		if err != nil {
			return "", ioFailure("open", path, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", ioFailure("read", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// copyFile writes dst atomically so a concurrent reader never sees a
// partial library.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return ioFailure("open", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".snapshot-*")
	if err != nil {
		return ioFailure("create", dst, err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ioFailure("copy", dst, err)
	}
	if err := tmp.Chmod(0755); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ioFailure("chmod", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ioFailure("close", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return ioFailure("rename", dst, err)
	}
	return nil
}

// Prune removes all but the keep most recent artifact snapshots and returns
// the removed paths.
func (o *Orchestrator) Prune(keep int) ([]string, error) {
	u, err := o.Begin()
	if err != nil {
		return nil, err
	}
	defer u.Release()

	m := o.manifest()
	pattern := filepath.Join(o.TargetDir(), "lib"+m.Name+"-*"+libraryExt())
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob snapshots: %w", err)
	}

	type snap struct {
		path string
		mod  time.Time
	}
	snaps := make([]snap, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{p, info.ModTime()})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].mod.After(snaps[j].mod) })

	if keep < 0 {
		keep = 0
	}
	var removed []string
	for i := keep; i < len(snaps); i++ {
		if err := os.Remove(snaps[i].path); err != nil && !os.IsNotExist(err) {
			return removed, ioFailure("remove", snaps[i].path, err)
		}
		removed = append(removed, snaps[i].path)
	}
	if len(removed) > 0 {
		o.logger.Info("pruned hook library snapshots", zap.Int("removed", len(removed)))
	}
	return removed, nil
}
