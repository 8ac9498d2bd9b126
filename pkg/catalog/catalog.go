// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package catalog holds the static table of C library functions that can be
// intercepted. Every entry must match the libc prototype exactly: the
// generated trampoline replaces the real symbol at the ABI level and any
// mismatch is undefined behaviour in the child, not an error.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Function is the identity of an interceptable libc function.
type Function string

const (
	Open    Function = "open"
	Open64  Function = "open64"
	OpenAt  Function = "openat"
	OpenDir Function = "opendir"
	Recv    Function = "recv"
	RecvMsg Function = "recvmsg"
	Read    Function = "read"
	GetEnv  Function = "getenv"
)

// Param is one fixed C parameter.
type Param struct {
	Name string
	Type string
}

// VarArg describes the optional trailing argument of a variadic function.
// When is a C expression over the fixed parameters deciding whether the
// caller passed it; Promoted is the type va_arg must read it as.
type VarArg struct {
	Name     string
	Type     string
	Promoted string
	When     string
}

// Signature is the full C prototype of a catalogue function.
type Signature struct {
	Name   Function
	Return string
	Params []Param
	VarArg *VarArg
	// Guard is a preprocessor condition the trampoline is compiled under.
	Guard string
}

// Decl renders the parameter list, e.g. "int fd, void *buf, size_t count".
func (s Signature) Decl() string {
	parts := make([]string, 0, len(s.Params)+1)
	for _, p := range s.Params {
		parts = append(parts, cDecl(p.Type, p.Name))
	}
	if s.VarArg != nil {
		parts = append(parts, "...")
	}
	if len(parts) == 0 {
		return "void"
	}
	return strings.Join(parts, ", ")
}

// PointerType renders the C function pointer type with the given declarator
// name, e.g. "ssize_t (*next)(int, void *, size_t)". An empty name yields an
// abstract type usable in casts.
func (s Signature) PointerType(name string) string {
	types := make([]string, 0, len(s.Params)+1)
	for _, p := range s.Params {
		types = append(types, p.Type)
	}
	if s.VarArg != nil {
		types = append(types, "...")
	}
	args := "void"
	if len(types) > 0 {
		args = strings.Join(types, ", ")
	}
	return fmt.Sprintf("%s (*%s)(%s)", s.Return, name, args)
}

// Args renders the argument list forwarded to the original implementation,
// including the variadic argument when present.
func (s Signature) Args() string {
	names := s.ArgNames()
	return strings.Join(names, ", ")
}

// ArgNames returns every argument name visible to an override.
func (s Signature) ArgNames() []string {
	names := make([]string, 0, len(s.Params)+1)
	for _, p := range s.Params {
		names = append(names, p.Name)
	}
	if s.VarArg != nil {
		names = append(names, s.VarArg.Name)
	}
	return names
}

// LastFixed returns the name of the last named parameter (the va_start anchor).
func (s Signature) LastFixed() string {
	if len(s.Params) == 0 {
		return ""
	}
	return s.Params[len(s.Params)-1].Name
}

// cDecl places the name after the type, keeping "char *name" style.
func cDecl(typ, name string) string {
	if strings.HasSuffix(typ, "*") {
		return typ + name
	}
	return typ + " " + name
}

var openMode = &VarArg{
	Name:     "mode",
	Type:     "mode_t",
	Promoted: "int",
	When:     "LDHOOK_OPEN_NEEDS_MODE(flags)",
}

var signatures = map[Function]Signature{
	Open: {
		Name:   Open,
		Return: "int",
		Params: []Param{{"path", "const char *"}, {"flags", "int"}},
		VarArg: openMode,
	},
	Open64: {
		Name:   Open64,
		Return: "int",
		Params: []Param{{"path", "const char *"}, {"flags", "int"}},
		VarArg: openMode,
		Guard:  "defined(__GLIBC__)",
	},
	OpenAt: {
		Name:   OpenAt,
		Return: "int",
		Params: []Param{{"dirfd", "int"}, {"path", "const char *"}, {"flags", "int"}},
		VarArg: openMode,
	},
	OpenDir: {
		Name:   OpenDir,
		Return: "DIR *",
		Params: []Param{{"dirname", "const char *"}},
	},
	Recv: {
		Name:   Recv,
		Return: "ssize_t",
		Params: []Param{{"socket", "int"}, {"buf", "void *"}, {"len", "size_t"}, {"flags", "int"}},
	},
	RecvMsg: {
		Name:   RecvMsg,
		Return: "ssize_t",
		Params: []Param{{"socket", "int"}, {"msg", "struct msghdr *"}, {"flags", "int"}},
	},
	Read: {
		Name:   Read,
		Return: "ssize_t",
		Params: []Param{{"fd", "int"}, {"buf", "void *"}, {"count", "size_t"}},
	},
	GetEnv: {
		Name:   GetEnv,
		Return: "char *",
		Params: []Param{{"name", "const char *"}},
	},
}

// Lookup returns the signature for fn.
func Lookup(fn Function) (Signature, bool) {
	sig, ok := signatures[fn]
	return sig, ok
}

// MustLookup is Lookup for callers that already validated fn.
func MustLookup(fn Function) Signature {
	sig, ok := signatures[fn]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown function %q", fn))
	}
	return sig
}

// Functions returns all supported functions in name order.
func Functions() []Function {
	fns := make([]Function, 0, len(signatures))
	for fn := range signatures {
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i] < fns[j] })
	return fns
}

// Parse validates a function name coming from user input.
func Parse(name string) (Function, error) {
	fn := Function(strings.TrimSpace(name))
	if _, ok := signatures[fn]; !ok {
		return "", fmt.Errorf("unsupported function %q", name)
	}
	return fn, nil
}

// Prototype renders the C prototype, used by the CLI listing.
func (s Signature) Prototype() string {
	return cDecl(s.Return, string(s.Name)) + "(" + s.Decl() + ")"
}
