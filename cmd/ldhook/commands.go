// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/ldhook/pkg/build"
	"github.com/mbeema/ldhook/pkg/catalog"
	"github.com/mbeema/ldhook/pkg/config"
	"github.com/mbeema/ldhook/pkg/hook"
	"github.com/mbeema/ldhook/pkg/trampoline"
)

func (a *app) compileHooksFile(cmd *cobra.Command, path string) (string, error) {
	hooks, err := config.LoadHooks(path)
	if err != nil {
		return "", err
	}
	bhooks := make([]build.Hook, len(hooks))
	for i, h := range hooks {
		bhooks[i] = h
	}
	return a.orchestrator().Compile(cmd.Context(), bhooks)
}

func newBuildCmd(a *app) *cobra.Command {
	var (
		hooksPath string
		env       bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile a hook file and print the library path",
		Example: `LD_PRELOAD=$(ldhook build --hooks hooks.yaml) ./app
env $(ldhook build --hooks hooks.yaml --env) ./app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.compileHooksFile(cmd, hooksPath)
			if err != nil {
				return err
			}
			if !env {
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}
			for _, kv := range hook.NewInjector(a.cfg.Inject.PreloadVar, a.logger).InjectEnv(path) {
				fmt.Fprintln(cmd.OutOrStdout(), kv)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&hooksPath, "hooks", "f", "", "hook file (YAML)")
	cmd.Flags().BoolVar(&env, "env", false, "print VAR=path assignments instead of the bare path")
	cmd.MarkFlagRequired("hooks")
	return cmd
}

func newSourceCmd(_ *app) *cobra.Command {
	var hooksPath string
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Print the C source a hook file compiles to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hooks, err := config.LoadHooks(hooksPath)
			if err != nil {
				return err
			}
			reg := hook.NewRegistry()
			reg.RegisterMany(hooks...)
			fmt.Fprint(cmd.OutOrStdout(), trampoline.Unit(reg.Drain()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&hooksPath, "hooks", "f", "", "hook file (YAML)")
	cmd.MarkFlagRequired("hooks")
	return cmd
}

func newWrapperCmd(a *app) *cobra.Command {
	var hooksPath, output string
	cmd := &cobra.Command{
		Use:   "wrapper",
		Short: "Compile a hook file and print a shell wrapper that preloads it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.compileHooksFile(cmd, hooksPath)
			if err != nil {
				return err
			}
			script := hook.NewInjector(a.cfg.Inject.PreloadVar, a.logger).WrapperScript(path)
			if output == "" {
				fmt.Fprint(cmd.OutOrStdout(), script)
				return nil
			}
			if err := os.WriteFile(output, []byte(script), 0755); err != nil {
				return fmt.Errorf("write wrapper: %w", err)
			}
			a.logger.Info("wrapper written", zap.String("file", output), zap.String("library", path))
			return nil
		},
	}
	cmd.Flags().StringVarP(&hooksPath, "hooks", "f", "", "hook file (YAML)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the script here instead of stdout")
	cmd.MarkFlagRequired("hooks")
	return cmd
}

func newFunctionsCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List the functions that can be hooked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FUNCTION\tPROTOTYPE\tORIGINAL")
			for _, fn := range catalog.Functions() {
				sig := catalog.MustLookup(fn)
				fmt.Fprintf(w, "%s\t%s\t%s\n", fn, sig.Prototype(), trampoline.OriginalName(fn))
			}
			return w.Flush()
		},
	}
}

func newTraceCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:       "trace on|off|status",
		Short:     "Switch the overrides of a running session on or off",
		Example:   `ldhook trace off --dir /tmp/ldhook-1a2b3c4d`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := hook.OpenControlFile(dir)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			switch args[0] {
			case "on":
				err = ctrl.Enable()
			case "off":
				err = ctrl.Disable()
			}
			if err != nil {
				return fmt.Errorf("write control file: %w", err)
			}

			enabled, err := ctrl.IsEnabled()
			if err != nil {
				return fmt.Errorf("read control file: %w", err)
			}
			state := "dormant"
			if enabled {
				state = "active"
			}
			a.logger.Debug("control file", zap.String("path", ctrl.Path()), zap.String("state", state))
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "session directory printed by `ldhook run --control`")
	cmd.MarkFlagRequired("dir")
	return cmd
}

func newPsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ps <library>",
		Short: "List processes that have a hook library loaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inj := hook.NewInjector(a.cfg.Inject.PreloadVar, a.logger)
			pids, err := inj.ActiveProcesses(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, pid := range pids {
				fmt.Fprintln(cmd.OutOrStdout(), pid)
			}
			return nil
		},
	}
}

func newCleanCmd(a *app) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove old hook library snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.Build.Keep
			}
			removed, err := a.orchestrator().Prune(keep)
			for _, p := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "snapshots to keep (default from config)")
	return cmd
}
