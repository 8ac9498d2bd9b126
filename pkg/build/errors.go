package build

import (
	"fmt"
	"strings"
)

// IoFailure reports a scratch directory or file operation that failed.
type IoFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IoFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoFailure) Unwrap() error { return e.Err }

// BuildFailure reports a toolchain run that exited non-zero. Diagnostics is
// the compiler output verbatim; it is almost always caused by a defect in an
// override fragment and names the fragment as "<function>.hook".
type BuildFailure struct {
	Compiler    string
	ExitCode    int
	Diagnostics string
}

func (e *BuildFailure) Error() string {
	diag := strings.TrimRight(e.Diagnostics, "\n")
	if diag == "" {
		return fmt.Sprintf("compile hook library: %s exited with status %d", e.Compiler, e.ExitCode)
	}
	return fmt.Sprintf("compile hook library: %s exited with status %d:\n%s", e.Compiler, e.ExitCode, diag)
}

func ioFailure(op, path string, err error) error {
	return &IoFailure{Op: op, Path: path, Err: err}
}
