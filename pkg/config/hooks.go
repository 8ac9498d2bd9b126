package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mbeema/ldhook/pkg/catalog"
	"github.com/mbeema/ldhook/pkg/hook"
)

// HookFile is the on-disk form of a hook set:
//
//	hooks:
//	  - function: open
//	    override: |
//	      ldhook_log("%s", path);
type HookFile struct {
	Hooks []HookSpec `yaml:"hooks"`
}

// HookSpec is one entry of a hook file.
type HookSpec struct {
	Function string `yaml:"function"`
	Override string `yaml:"override"`
}

// LoadHooks parses a hook file. Entries keep file order, so a later entry
// for the same function overrides an earlier one once registered.
func LoadHooks(path string) ([]hook.Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hooks: %w", err)
	}
	return ParseHooks(data)
}

// ParseHooks decodes hook file content.
func ParseHooks(data []byte) ([]hook.Hook, error) {
	var f HookFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hooks: %w", err)
	}

	hooks := make([]hook.Hook, 0, len(f.Hooks))
	for i, spec := range f.Hooks {
		fn, err := catalog.Parse(spec.Function)
		if err != nil {
			return nil, fmt.Errorf("hooks[%d]: %w", i, err)
		}
		h, err := hook.New(fn, spec.Override)
		if err != nil {
			return nil, fmt.Errorf("hooks[%d]: %w", i, err)
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}
