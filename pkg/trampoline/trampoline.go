// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package trampoline generates the C source of the hook library.
//
// For every hooked function it emits an exported definition with the exact
// libc prototype. The definition resolves the real implementation once per
// process with dlsym(RTLD_NEXT, name), hands it to the override as
// original_<name>, and either returns the override's value or falls through
// to the real implementation with the untouched arguments.
package trampoline

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/mbeema/ldhook/pkg/catalog"
)

//go:embed prologue.c.txt
var prologue string

// Prologue returns the fixed head of every generated source unit.
func Prologue() string {
	return prologue
}

// Override is the contract between a trampoline and its override fragment.
type Override interface {
	Function() catalog.Function
	Override() string
}

// Generate emits the complete trampoline for sig with override spliced in.
func Generate(sig catalog.Signature, override string) string {
	g := &generator{sig: sig, name: string(sig.Name)}
	return g.emit(override)
}

// Unit renders prologue plus one trampoline per override, in order.
func Unit[O Override](overrides []O) string {
	var b strings.Builder
	b.WriteString(prologue)
	for _, o := range overrides {
		b.WriteString(Generate(catalog.MustLookup(o.Function()), o.Override()))
	}
	return b.String()
}

// OriginalName is the identifier an override uses to call the real function.
func OriginalName(fn catalog.Function) string {
	return "original_" + string(fn)
}

type generator struct {
	sig  catalog.Signature
	name string
	b    strings.Builder
	// lines written by the generator itself, for #line bookkeeping
	lines int
}

func (g *generator) line(format string, args ...any) {
	fmt.Fprintf(&g.b, format, args...)
	g.b.WriteByte('\n')
	g.lines++
}

func (g *generator) emit(override string) string {
	sig := g.sig
	name := g.name
	cache := "ldhook_next_" + name
	overrideFn := "ldhook_override_" + name
	original := OriginalName(sig.Name)

	g.line("")
	g.line("/* %s */", sig.Prototype())
	if sig.Guard != "" {
		g.line("#if %s", sig.Guard)
	}
	g.line("static %s;", sig.PointerType(cache))
	g.line("")

	// The override sees every argument, the typed original and a result slot.
	params := make([]string, 0, len(sig.Params)+3)
	for _, p := range sig.Params {
		params = append(params, cDecl(p.Type, p.Name))
	}
	if sig.VarArg != nil {
		params = append(params, cDecl(sig.VarArg.Type, sig.VarArg.Name))
	}
	params = append(params, sig.PointerType(original), cDecl(sig.Return+" *", "ldhook_result"))

	g.line("static int %s(%s)", overrideFn, strings.Join(params, ", "))
	g.line("{")
	for _, arg := range append(sig.ArgNames(), original) {
		g.line("\t(void)%s;", arg)
	}
	g.line("#define HOOK_RETURN(v) do { *ldhook_result = (v); return 1; } while (0)")
	g.line("#define HOOK_PASS() return 0")
	g.line("\t{")
	g.line("#line 1 \"%s.hook\"", name)
	g.b.WriteString(strings.TrimRight(override, "\n"))
	g.b.WriteByte('\n')
	g.line("#line %d \"%s.trampoline\"", g.lines+2, name)
	g.line("\t}")
	g.line("#undef HOOK_RETURN")
	g.line("#undef HOOK_PASS")
	g.line("\treturn 0;")
	g.line("}")
	g.line("")

	g.line("__attribute__((visibility(\"default\")))")
	g.line("%s(%s)", cDecl(sig.Return, name), sig.Decl())
	g.line("{")
	g.line("\t%s;", sig.PointerType("next"))
	g.line("\t%s;", cDecl(sig.Return, "result"))
	if sig.VarArg != nil {
		v := sig.VarArg
		g.line("\t%s = 0;", cDecl(v.Type, v.Name))
		g.line("")
		g.line("\tif (%s) {", v.When)
		g.line("\t\tva_list ap;")
		g.line("")
		g.line("\t\tva_start(ap, %s);", sig.LastFixed())
		g.line("\t\t%s = (%s)va_arg(ap, %s);", v.Name, v.Type, v.Promoted)
		g.line("\t\tva_end(ap);")
		g.line("\t}")
	}
	g.line("")
	g.line("\tnext = __atomic_load_n(&%s, __ATOMIC_ACQUIRE);", cache)
	g.line("\tif (next == NULL) {")
	g.line("\t\tnext = (%s)ldhook_resolve(\"%s\");", sig.PointerType(""), name)
	g.line("\t\t__atomic_store_n(&%s, next, __ATOMIC_RELEASE);", cache)
	g.line("\t}")
	g.line("\tif (ldhook_active() && %s(%s))", overrideFn, overrideArgs(sig))
	g.line("\t\treturn result;")
	g.line("\treturn next(%s);", sig.Args())
	g.line("}")
	if sig.Guard != "" {
		g.line("#endif")
	}

	return g.b.String()
}

func overrideArgs(sig catalog.Signature) string {
	args := sig.ArgNames()
	args = append(args, "next", "&result")
	return strings.Join(args, ", ")
}

func cDecl(typ, name string) string {
	if strings.HasSuffix(typ, "*") {
		return typ + name
	}
	return typ + " " + name
}
