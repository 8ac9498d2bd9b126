package ldhook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeema/ldhook/pkg/build"
	"github.com/mbeema/ldhook/pkg/hook"
)

// fakeCompiler copies the source unit to the output so tests can see which
// trampolines a confirmation produced.
const fakeCompiler = `#!/bin/sh
out=""
src=""
while [ $# -gt 0 ]; do
	case "$1" in
	-o) out="$2"; shift 2 ;;
	*.c) src="$1"; shift ;;
	*) shift ;;
	esac
done
cat "$src" > "$out"
`

func fakeOrchestrator(t *testing.T, script string) *build.Orchestrator {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	cc := filepath.Join(t.TempDir(), "cc")
	require.NoError(t, os.WriteFile(cc, []byte(script), 0755))
	return build.New(build.Config{ScratchDir: t.TempDir(), Compiler: cc}, nil)
}

func readArtifact(t *testing.T, c *Confirmed) string {
	t.Helper()
	b, err := os.ReadFile(c.Artifact())
	require.NoError(t, err)
	return string(b)
}

func envValue(env []string, key string) (string, bool) {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

func TestConfirmTwiceFails(t *testing.T) {
	p := Command("true").With(WithOrchestrator(fakeOrchestrator(t, fakeCompiler)))

	c, err := p.Confirm(context.Background())
	require.NoError(t, err)
	defer c.Close()

	_, err = p.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
}

func TestConfirmInjectsPreload(t *testing.T) {
	p := Command("true").With(
		WithOrchestrator(fakeOrchestrator(t, fakeCompiler)),
		WithPreloadVar("LDHOOK_TEST_PRELOAD"),
	)
	p.Cmd().Env = []string{"LDHOOK_TEST_PRELOAD=/stale.so", "KEEP=1"}

	c, err := p.AddHook(hook.Read("HOOK_PASS();")).Confirm(context.Background())
	require.NoError(t, err)
	defer c.Close()

	v, ok := envValue(c.Cmd().Env, "LDHOOK_TEST_PRELOAD")
	require.True(t, ok)
	assert.Equal(t, c.Artifact(), v)
	assert.Contains(t, c.Cmd().Env, "KEEP=1")
	assert.NotContains(t, c.Cmd().Env, "LDHOOK_TEST_PRELOAD=/stale.so")
	assert.Empty(t, c.SessionDir())

	_, ok = envValue(c.Cmd().Env, hook.EnvSocket)
	assert.False(t, ok, "no socket without WithEvents")
}

func TestLastHookPerFunctionWins(t *testing.T) {
	c, err := Command("true").
		With(WithOrchestrator(fakeOrchestrator(t, fakeCompiler))).
		AddHook(hook.Read("/* first */ HOOK_PASS();")).
		AddHooks(hook.Open("/* open */"), hook.Read("/* second */ HOOK_PASS();")).
		Confirm(context.Background())
	require.NoError(t, err)
	defer c.Close()

	src := readArtifact(t, c)
	assert.NotContains(t, src, "/* first */")
	assert.Contains(t, src, "/* second */")
	assert.Equal(t, 1, strings.Count(src, "\nssize_t read(int fd, void *buf, size_t count)\n"))
	assert.Less(t, strings.Index(src, "/* second */"), strings.Index(src, "/* open */"),
		"read keeps the position of its first registration")
}

func TestDefaultRegistryMerged(t *testing.T) {
	hook.Default.Drain()
	hook.Default.RegisterMany(
		hook.GetEnv("/* default getenv */"),
		hook.Read("/* default read */"),
	)

	c, err := Command("true").
		With(WithOrchestrator(fakeOrchestrator(t, fakeCompiler)), WithDefaultRegistry()).
		AddHook(hook.Read("/* command read */")).
		Confirm(context.Background())
	require.NoError(t, err)
	defer c.Close()

	src := readArtifact(t, c)
	assert.Contains(t, src, "/* default getenv */")
	assert.Contains(t, src, "/* command read */")
	assert.NotContains(t, src, "/* default read */")
	assert.Equal(t, 0, hook.Default.Len(), "confirmation drains the default registry")
}

func TestDefaultRegistryIgnoredWithoutOption(t *testing.T) {
	hook.Default.Drain()
	hook.Default.Register(hook.GetEnv("/* stray */"))
	defer hook.Default.Drain()

	c, err := Command("true").
		With(WithOrchestrator(fakeOrchestrator(t, fakeCompiler))).
		Confirm(context.Background())
	require.NoError(t, err)
	defer c.Close()

	assert.NotContains(t, readArtifact(t, c), "/* stray */")
	assert.Equal(t, 1, hook.Default.Len())
}

func TestConfirmBuildFailure(t *testing.T) {
	p := Command("true").
		With(WithOrchestrator(fakeOrchestrator(t, "#!/bin/sh\necho 'read.hook:1:1: error: boom' >&2\nexit 1\n"))).
		AddHook(hook.Read("HOOK_RETURN("))

	c, err := p.Confirm(context.Background())
	assert.Nil(t, c)

	var bf *build.BuildFailure
	require.True(t, errors.As(err, &bf), "want *BuildFailure, got %v", err)
	assert.Contains(t, bf.Diagnostics, "read.hook:1:1: error: boom")

	_, err = p.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConfirmed, "a failed confirmation still consumes the command")
}

func TestSessionWithEventsAndControl(t *testing.T) {
	c, err := Command("true").
		With(
			WithOrchestrator(fakeOrchestrator(t, fakeCompiler)),
			WithEvents(hook.Callbacks{}),
			WithControl(),
			WithSessionRoot(t.TempDir()),
		).
		Confirm(context.Background())
	require.NoError(t, err)

	dir := c.SessionDir()
	require.DirExists(t, dir)

	sock, ok := envValue(c.Cmd().Env, hook.EnvSocket)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, socketName), sock)

	ctrl, ok := envValue(c.Cmd().Env, hook.EnvControl)
	require.True(t, ok)
	require.FileExists(t, ctrl)

	require.NoError(t, c.DisableHooks())
	b, err := os.ReadFile(ctrl)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[0])
	require.NoError(t, c.EnableHooks())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NoDirExists(t, dir)
}

func TestToggleWithoutControl(t *testing.T) {
	c, err := Command("true").
		With(WithOrchestrator(fakeOrchestrator(t, fakeCompiler))).
		Confirm(context.Background())
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.DisableHooks())
	assert.Error(t, c.EnableHooks())

	_, err = c.Loaded(context.Background())
	assert.Error(t, err, "not started")
}
