// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package ldhook runs commands with libc functions replaced by overrides
// written in C.
//
// A command starts out Pending. Hooks are added to it, and Confirm builds the
// hook library and returns a Confirmed command, which is the only form that
// can be started:
//
//	c, err := ldhook.Command("cat", "/etc/hostname").
//		AddHook(hook.Open(`ldhook_log("open %s", path);`)).
//		Confirm(ctx)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	out, err := c.Output()
package ldhook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/ldhook/pkg/build"
	"github.com/mbeema/ldhook/pkg/hook"
)

// ErrAlreadyConfirmed is returned by a second Confirm of the same command.
var ErrAlreadyConfirmed = errors.New("ldhook: command already confirmed")

const socketName = "events.sock"

// Pending is a command whose hooks have not been built yet.
type Pending struct {
	cmd      *exec.Cmd
	registry *hook.Registry
	opts     options

	mu        sync.Mutex
	confirmed bool
}

// Command returns a pending command for name with args, like exec.Command.
func Command(name string, args ...string) *Pending {
	return FromCmd(exec.Command(name, args...))
}

// FromCmd wraps a prepared exec.Cmd. The Cmd must not have been started.
func FromCmd(cmd *exec.Cmd, opts ...Option) *Pending {
	p := &Pending{cmd: cmd, registry: hook.NewRegistry()}
	return p.With(opts...)
}

// With applies options and returns p.
func (p *Pending) With(opts ...Option) *Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range opts {
		o(&p.opts)
	}
	return p
}

// AddHook registers h, replacing an earlier hook for the same function.
func (p *Pending) AddHook(h hook.Hook) *Pending {
	p.registry.Register(h)
	return p
}

// AddHooks registers hooks in order; a later hook for a function replaces
// an earlier one.
func (p *Pending) AddHooks(hooks ...hook.Hook) *Pending {
	p.registry.RegisterMany(hooks...)
	return p
}

// Cmd returns the underlying command for further setup (Stdin, Dir, Env).
func (p *Pending) Cmd() *exec.Cmd { return p.cmd }

// Confirm builds the hook library and returns a command ready to start. The
// pending command is consumed whether or not the build succeeds.
//
// Build errors are *build.BuildFailure, carrying the compiler diagnostics,
// or *build.IoFailure.
func (p *Pending) Confirm(ctx context.Context) (*Confirmed, error) {
	p.mu.Lock()
	if p.confirmed {
		p.mu.Unlock()
		return nil, ErrAlreadyConfirmed
	}
	p.confirmed = true
	opts := p.opts
	p.mu.Unlock()

	logger := opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	orch := opts.orchestrator
	if orch == nil {
		orch = build.New(build.Config{}, logger)
	}

	merged := hook.NewRegistry()
	if opts.useDefault {
		merged.RegisterMany(hook.Default.Drain()...)
	}
	merged.RegisterMany(p.registry.Drain()...)
	hooks := merged.Drain()

	bhooks := make([]build.Hook, len(hooks))
	for i, h := range hooks {
		bhooks[i] = h
	}

	artifact, err := orch.Compile(ctx, bhooks)
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", p.cmd.Path, err)
	}

	c := &Confirmed{
		cmd:      p.cmd,
		artifact: artifact,
		injector: hook.NewInjector(opts.preloadVar, logger),
		logger:   logger,
	}

	if opts.callbacks != nil || opts.control {
		if err := c.startSession(ctx, opts); err != nil {
			return nil, err
		}
	}

	c.injector.Inject(c.cmd, artifact)
	logger.Debug("command confirmed",
		zap.String("command", p.cmd.Path),
		zap.Int("hooks", len(hooks)),
		zap.String("artifact", artifact),
	)
	return c, nil
}

// Confirmed is a command with its hook library built and injected.
type Confirmed struct {
	cmd      *exec.Cmd
	artifact string
	injector *hook.Injector
	logger   *zap.Logger

	session   string
	manager   *hook.Manager
	closeOnce sync.Once
	closeErr  error
}

func (c *Confirmed) startSession(ctx context.Context, opts options) error {
	root := opts.sessionRoot
	if root == "" {
		root = os.TempDir()
	}
	// Kept short: socket paths are limited to about 100 bytes.
	dir := filepath.Join(root, "ldhook-"+uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	c.session = dir

	var cb hook.Callbacks
	if opts.callbacks != nil {
		cb = *opts.callbacks
	}
	m := hook.NewManager(filepath.Join(dir, socketName), cb, c.logger)
	// Events outlive the confirmation call.
	if err := m.Start(context.WithoutCancel(ctx)); err != nil {
		os.RemoveAll(dir)
		return err
	}
	c.manager = m

	if opts.callbacks != nil {
		hook.SetEnv(c.cmd, hook.EnvSocket, m.SocketPath())
	}
	if opts.control {
		hook.SetEnv(c.cmd, hook.EnvControl, m.ControlPath())
	}
	return nil
}

// Cmd returns the underlying command with the preload environment set.
func (c *Confirmed) Cmd() *exec.Cmd { return c.cmd }

// Artifact returns the path of the injected hook library.
func (c *Confirmed) Artifact() string { return c.artifact }

// SessionDir returns the directory holding the event socket and control
// file, empty when neither was requested.
func (c *Confirmed) SessionDir() string { return c.session }

// Start starts the command.
func (c *Confirmed) Start() error { return c.cmd.Start() }

// Wait waits for a started command to exit.
func (c *Confirmed) Wait() error { return c.cmd.Wait() }

// Run starts the command and waits for it.
func (c *Confirmed) Run() error { return c.cmd.Run() }

// Output runs the command and returns its standard output.
func (c *Confirmed) Output() ([]byte, error) { return c.cmd.Output() }

// CombinedOutput runs the command and returns stdout and stderr together.
func (c *Confirmed) CombinedOutput() ([]byte, error) { return c.cmd.CombinedOutput() }

// Loaded reports whether the started child has the hook library mapped.
func (c *Confirmed) Loaded(ctx context.Context) (bool, error) {
	if c.cmd.Process == nil {
		return false, errors.New("ldhook: command not started")
	}
	return c.injector.Mapped(ctx, c.cmd.Process.Pid, c.artifact)
}

// EnableHooks wakes overrides up in the running child. Requires WithControl.
func (c *Confirmed) EnableHooks() error {
	if c.manager == nil {
		return errors.New("ldhook: no control file, confirm WithControl")
	}
	return c.manager.EnableHooks()
}

// DisableHooks makes every trampoline call the original directly. Requires
// WithControl.
func (c *Confirmed) DisableHooks() error {
	if c.manager == nil {
		return errors.New("ldhook: no control file, confirm WithControl")
	}
	return c.manager.DisableHooks()
}

// Close stops event delivery and removes the session directory. It does not
// touch the child or the hook library. Safe to call more than once.
func (c *Confirmed) Close() error {
	c.closeOnce.Do(func() {
		if c.manager != nil {
			c.closeErr = multierr.Append(c.closeErr, c.manager.Stop())
		}
		if c.session != "" {
			c.closeErr = multierr.Append(c.closeErr, os.RemoveAll(c.session))
		}
	})
	return c.closeErr
}
