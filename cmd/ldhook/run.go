// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/ldhook/pkg/build"
	"github.com/mbeema/ldhook/pkg/config"
	"github.com/mbeema/ldhook/pkg/export"
	"github.com/mbeema/ldhook/pkg/health"
	"github.com/mbeema/ldhook/pkg/hook"
	"github.com/mbeema/ldhook/pkg/ldhook"
)

const stopTimeout = 5 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var (
		hooksPath  string
		watch      bool
		events     bool
		control    bool
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "run --hooks FILE [flags] -- command [args...]",
		Short: "Run a command with the hooks of a hook file",
		Example: `ldhook run --hooks hooks.yaml -- cat /etc/hostname
ldhook run --hooks hooks.yaml --watch --events --status-addr 127.0.0.1:9464 -- ./server`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hooks, err := config.LoadHooks(hooksPath)
			if err != nil {
				return err
			}
			if statusAddr != "" {
				a.cfg.Status.Addr = statusAddr
			}
			r := newRunner(a, args, events || a.cfg.Events.Enabled, control || a.cfg.Events.Control)
			if err := r.startServices(cmd.Context()); err != nil {
				return err
			}
			defer r.stopServices()

			if watch {
				return r.watch(cmd.Context(), hooksPath, hooks)
			}
			return r.runOnce(cmd.Context(), hooks)
		},
	}

	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.StringVarP(&hooksPath, "hooks", "f", "", "hook file (YAML)")
	flags.BoolVarP(&watch, "watch", "w", false, "rebuild and restart the command when the hook file changes")
	flags.BoolVar(&events, "events", false, "log ldhook_log/ldhook_data events from the command")
	flags.BoolVar(&control, "control", false, "create a control file for `ldhook trace`")
	flags.StringVar(&statusAddr, "status-addr", "", "serve /health, /ready and /metrics on this address")
	cmd.MarkFlagRequired("hooks")
	return cmd
}

type runner struct {
	*app
	argv    []string
	events  bool
	control bool

	orch     *build.Orchestrator
	stats    *health.Stats
	status   *health.Server
	exporter *export.Manager
}

func newRunner(a *app, argv []string, events, control bool) *runner {
	r := &runner{
		app:     a,
		argv:    argv,
		events:  events,
		control: control,
		orch:    a.orchestrator(),
		stats:   health.NewStats(),
	}
	r.stats.SetBuildSource(r.orch.Stats)
	return r
}

// startServices starts the event exporter and status server when configured.
func (r *runner) startServices(ctx context.Context) error {
	if r.cfg.Export.Enabled() {
		mgr, err := export.NewManager(&r.cfg.Export, r.logger)
		if err != nil {
			return fmt.Errorf("create exporter: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start exporter: %w", err)
		}
		r.exporter = mgr
		r.events = true
		r.stats.SetEventSource(mgr.Stats)
	}

	if r.cfg.Status.Addr != "" {
		r.status = health.NewServer(r.cfg.Status.Addr, version, r.stats, r.logger)
		if err := r.status.Start(ctx); err != nil {
			r.stopServices()
			return fmt.Errorf("start status server: %w", err)
		}
	}
	return nil
}

func (r *runner) stopServices() {
	if r.status != nil {
		if err := r.status.Stop(); err != nil {
			r.logger.Warn("stop status server", zap.Error(err))
		}
	}
	if r.exporter != nil {
		if err := r.exporter.Stop(); err != nil {
			r.logger.Warn("stop exporter", zap.Error(err))
		}
	}
}

// child is a started confirmed command.
type child struct {
	c    *ldhook.Confirmed
	done chan error
}

// sessionCallbacks returns the callbacks for one confirmation and a setter
// for the library it injects, which labels exported events.
func (r *runner) sessionCallbacks() (hook.Callbacks, func(artifact string)) {
	var library atomic.Pointer[string]
	setArtifact := func(artifact string) { library.Store(&artifact) }

	cb := r.logCallbacks()
	if r.exporter != nil {
		cb = chainCallbacks(cb, r.exporter.Callbacks(filepath.Base(r.argv[0]), func() string {
			if p := library.Load(); p != nil {
				return *p
			}
			return ""
		}))
	}
	return cb, setArtifact
}

func (r *runner) logCallbacks() hook.Callbacks {
	return hook.Callbacks{
		OnLog: func(pid, tid uint32, line string, _ uint64) {
			r.logger.Info(line, zap.Uint32("pid", pid), zap.Uint32("tid", tid))
		},
		OnData: func(pid, tid uint32, fd int32, data []byte, _ uint64) {
			r.logger.Debug("hook data",
				zap.Uint32("pid", pid),
				zap.Uint32("tid", tid),
				zap.Int32("fd", fd),
				zap.Int("bytes", len(data)),
				zap.ByteString("data", data),
			)
		},
		OnLoaded: func(pid uint32, _ uint64) {
			r.logger.Debug("hook library loaded", zap.Uint32("pid", pid))
		},
	}
}

// chainCallbacks calls a then b for every event.
func chainCallbacks(a, b hook.Callbacks) hook.Callbacks {
	return hook.Callbacks{
		OnLog: func(pid, tid uint32, line string, ts uint64) {
			a.OnLog(pid, tid, line, ts)
			b.OnLog(pid, tid, line, ts)
		},
		OnData: func(pid, tid uint32, fd int32, data []byte, ts uint64) {
			a.OnData(pid, tid, fd, data, ts)
			b.OnData(pid, tid, fd, data, ts)
		},
		OnLoaded: func(pid uint32, ts uint64) {
			a.OnLoaded(pid, ts)
			b.OnLoaded(pid, ts)
		},
	}
}

func (r *runner) confirm(ctx context.Context, hooks []hook.Hook) (*ldhook.Confirmed, error) {
	opts := []ldhook.Option{
		ldhook.WithOrchestrator(r.orch),
		ldhook.WithLogger(r.logger),
		ldhook.WithPreloadVar(r.cfg.Inject.PreloadVar),
	}
	setArtifact := func(string) {}
	if r.events {
		var cb hook.Callbacks
		cb, setArtifact = r.sessionCallbacks()
		opts = append(opts, ldhook.WithEvents(cb))
	}
	if r.control {
		opts = append(opts, ldhook.WithControl())
	}

	c, err := ldhook.Command(r.argv[0], r.argv[1:]...).
		With(opts...).
		AddHooks(hooks...).
		Confirm(ctx)
	if err != nil {
		return nil, err
	}
	setArtifact(c.Artifact())

	cmd := c.Cmd()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if c.SessionDir() != "" {
		r.logger.Info("session started", zap.String("dir", c.SessionDir()))
	}
	return c, nil
}

func (r *runner) start(c *ldhook.Confirmed) (*child, error) {
	if err := c.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("start %s: %w", r.argv[0], err)
	}
	pid := c.Cmd().Process.Pid
	r.stats.Starts.Add(1)
	r.stats.ChildPID.Store(int64(pid))
	if r.status != nil {
		r.status.SetReady(true)
	}

	ch := &child{c: c, done: make(chan error, 1)}
	go func() {
		err := c.Wait()
		if r.stats.ChildPID.CompareAndSwap(int64(pid), 0) && r.status != nil {
			r.status.SetReady(false)
		}
		ch.done <- err
	}()
	r.logger.Debug("command started",
		zap.Int("pid", pid),
		zap.String("library", c.Artifact()),
	)
	return ch, nil
}

// stop terminates the child, escalating to SIGKILL after stopTimeout.
func (r *runner) stop(ch *child) error {
	defer ch.c.Close()

	ch.c.Cmd().Process.Signal(syscall.SIGTERM)
	select {
	case err := <-ch.done:
		return err
	case <-time.After(stopTimeout):
		r.logger.Warn("command ignored SIGTERM, killing", zap.Int("pid", ch.c.Cmd().Process.Pid))
		ch.c.Cmd().Process.Kill()
		return <-ch.done
	}
}

func (r *runner) runOnce(ctx context.Context, hooks []hook.Hook) error {
	c, err := r.confirm(ctx, hooks)
	if err != nil {
		r.logBuildFailure(err)
		return exitCode(1)
	}
	ch, err := r.start(c)
	if err != nil {
		return err
	}

	select {
	case err := <-ch.done:
		c.Close()
		return exitStatus(err)
	case <-ctx.Done():
		return exitStatus(r.stop(ch))
	}
}

func (r *runner) watch(ctx context.Context, path string, hooks []hook.Hook) error {
	reload := make(chan []hook.Hook, 1)
	w := config.NewWatcher(path, func(h []hook.Hook) {
		// Keep only the newest hook set.
		for {
			select {
			case reload <- h:
				return
			default:
				select {
				case <-reload:
				default:
				}
			}
		}
	}, r.logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("watch hook file: %w", err)
	}
	defer w.Stop()

	c, err := r.confirm(ctx, hooks)
	if err != nil {
		r.logBuildFailure(err)
		return exitCode(1)
	}
	cur, err := r.start(c)
	if err != nil {
		return err
	}

	for {
		select {
		case err := <-cur.done:
			cur.c.Close()
			return exitStatus(err)

		case h := <-reload:
			next, err := r.confirm(ctx, h)
			if err != nil {
				// Keep the running command on its previous hooks.
				r.stats.ReloadFailures.Add(1)
				r.logBuildFailure(err)
				continue
			}
			r.logger.Info("hook file changed, restarting command", zap.Int("hooks", len(h)))
			r.stats.Restarts.Add(1)
			r.stop(cur)
			if cur, err = r.start(next); err != nil {
				return err
			}

		case <-ctx.Done():
			r.stop(cur)
			return nil
		}
	}
}

func (r *runner) logBuildFailure(err error) {
	var bf *build.BuildFailure
	if errors.As(err, &bf) {
		r.logger.Error("hook library failed to compile",
			zap.String("compiler", bf.Compiler),
			zap.Int("exit_code", bf.ExitCode),
		)
		fmt.Fprint(os.Stderr, bf.Diagnostics)
		return
	}
	r.logger.Error("confirm failed", zap.Error(err))
}

func exitStatus(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return exitCode(code)
		}
		return exitCode(1)
	}
	return err
}
