package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Injector makes a built hook library load first in a child process.
type Injector struct {
	preloadVar string
	logger     *zap.Logger
}

// NewInjector creates an injector. An empty preloadVar selects the platform
// default.
func NewInjector(preloadVar string, logger *zap.Logger) *Injector {
	if preloadVar == "" {
		preloadVar = PreloadEnvVar()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{
		preloadVar: preloadVar,
		logger:     logger,
	}
}

// PreloadEnvVar returns the platform-specific preload environment variable name.
func PreloadEnvVar() string {
	if runtime.GOOS == "darwin" {
		return "DYLD_INSERT_LIBRARIES"
	}
	return "LD_PRELOAD"
}

// Var returns the preload variable this injector sets.
func (inj *Injector) Var() string {
	return inj.preloadVar
}

// Inject points the preload variable of cmd at libPath and returns cmd.
// It has no effect until cmd is started.
func (inj *Injector) Inject(cmd *exec.Cmd, libPath string) *exec.Cmd {
	SetEnv(cmd, inj.preloadVar, libPath)
	inj.logger.Debug("preload injected",
		zap.String("command", cmd.Path),
		zap.String("var", inj.preloadVar),
		zap.String("library", libPath),
	)
	return cmd
}

// SetEnv sets key=value on cmd, replacing any previous assignment. A nil
// cmd.Env means "inherit", so it starts from the current environment.
func SetEnv(cmd *exec.Cmd, key, value string) {
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}

	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	cmd.Env = append(out, prefix+value)
}

// InjectEnv returns the environment assignments needed to load libPath.
func (inj *Injector) InjectEnv(libPath string) []string {
	return []string{fmt.Sprintf("%s=%s", inj.preloadVar, libPath)}
}

// WrapperScript generates a shell script that runs "$@" with the library
// preloaded, for use outside Go.
func (inj *Injector) WrapperScript(libPath string) string {
	return fmt.Sprintf(`#!/bin/sh
# ldhook injection wrapper
export %s=%s
exec "$@"
`, inj.preloadVar, shellQuote(libPath))
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Mapped reports whether libPath is mapped into the address space of pid.
func (inj *Injector) Mapped(ctx context.Context, pid int, libPath string) (bool, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	return mapsContain(ctx, proc, libPath)
}

// ActiveProcesses returns PIDs of processes with libPath loaded. Processes
// whose maps cannot be read (permissions, exited) are skipped.
func (inj *Injector) ActiveProcesses(ctx context.Context, libPath string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var pids []int
	for _, p := range procs {
		ok, err := mapsContain(ctx, p, libPath)
		if err != nil || !ok {
			continue
		}
		pids = append(pids, int(p.Pid))
	}
	return pids, nil
}

func mapsContain(ctx context.Context, p *process.Process, libPath string) (bool, error) {
	maps, err := p.MemoryMapsWithContext(ctx, false)
	if err != nil {
		return false, fmt.Errorf("read maps of pid %d: %w", p.Pid, err)
	}
	if maps == nil {
		return false, nil
	}
	for _, m := range *maps {
		if m.Path == libPath {
			return true, nil
		}
	}
	return false, nil
}
