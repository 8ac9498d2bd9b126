// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ldhook

import (
	"go.uber.org/zap"

	"github.com/mbeema/ldhook/pkg/build"
	"github.com/mbeema/ldhook/pkg/hook"
)

// Option configures a Pending command.
type Option func(*options)

type options struct {
	orchestrator *build.Orchestrator
	logger       *zap.Logger
	callbacks    *hook.Callbacks
	control      bool
	preloadVar   string
	useDefault   bool
	sessionRoot  string
}

// WithOrchestrator builds with o instead of one on the default scratch
// project.
func WithOrchestrator(o *build.Orchestrator) Option {
	return func(opts *options) { opts.orchestrator = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(opts *options) { opts.logger = l }
}

// WithEvents receives ldhook_log and ldhook_data events sent by overrides.
// Without it the library writes log lines to the child's stderr.
func WithEvents(cb hook.Callbacks) Option {
	return func(opts *options) { opts.callbacks = &cb }
}

// WithControl creates a control file so overrides can be put to sleep and
// woken up while the child runs.
func WithControl() Option {
	return func(opts *options) { opts.control = true }
}

// WithPreloadVar overrides the preload environment variable name.
func WithPreloadVar(name string) Option {
	return func(opts *options) { opts.preloadVar = name }
}

// WithDefaultRegistry also drains hook.Default at confirmation. Hooks added
// to the command win over hooks for the same function in hook.Default.
func WithDefaultRegistry() Option {
	return func(opts *options) { opts.useDefault = true }
}

// WithSessionRoot sets where per-command session directories (event socket,
// control file) are created. Defaults to the temp dir.
func WithSessionRoot(dir string) Option {
	return func(opts *options) { opts.sessionRoot = dir }
}
