// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook models libc interception hooks and the host side of the
// preloaded library: the registry of pending hooks, the preload injector, the
// event socket manager and the on-demand control file.
package hook

import (
	"fmt"

	"github.com/mbeema/ldhook/pkg/catalog"
)

// Hook pairs an interceptable function with override logic written in C.
//
// The override is a fragment spliced into a function body where the original
// arguments, original_<name> and ldhook_counter are in scope. It yields a
// value with HOOK_RETURN(v); HOOK_PASS() or falling off the end runs the
// original implementation with the untouched arguments.
//
// Two hooks are the same key when they name the same function.
type Hook struct {
	function catalog.Function
	override string
}

// New validates fn against the catalogue and builds a Hook.
func New(fn catalog.Function, override string) (Hook, error) {
	if _, ok := catalog.Lookup(fn); !ok {
		return Hook{}, fmt.Errorf("unsupported function %q", fn)
	}
	return Hook{function: fn, override: override}, nil
}

func mustNew(fn catalog.Function, override string) Hook {
	return Hook{function: fn, override: override}
}

// Function returns the intercepted function.
func (h Hook) Function() catalog.Function { return h.function }

// Override returns the C override fragment.
func (h Hook) Override() string { return h.override }

// Signature returns the catalogue prototype of the intercepted function.
func (h Hook) Signature() catalog.Signature { return catalog.MustLookup(h.function) }

func (h Hook) String() string { return string(h.function) }

// Open hooks open(path, flags, [mode]).
func Open(override string) Hook { return mustNew(catalog.Open, override) }

// Open64 hooks the glibc large-file alias of open.
func Open64(override string) Hook { return mustNew(catalog.Open64, override) }

// OpenAt hooks openat(dirfd, path, flags, [mode]).
func OpenAt(override string) Hook { return mustNew(catalog.OpenAt, override) }

// OpenDir hooks opendir(dirname).
func OpenDir(override string) Hook { return mustNew(catalog.OpenDir, override) }

// Recv hooks recv(socket, buf, len, flags).
func Recv(override string) Hook { return mustNew(catalog.Recv, override) }

// RecvMsg hooks recvmsg(socket, msg, flags).
func RecvMsg(override string) Hook { return mustNew(catalog.RecvMsg, override) }

// Read hooks read(fd, buf, count).
func Read(override string) Hook { return mustNew(catalog.Read, override) }

// GetEnv hooks getenv(name).
func GetEnv(override string) Hook { return mustNew(catalog.GetEnv, override) }
