package envresolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiopipe/internal/errs"
)

func TestStatic(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ctx", "profile-x.rxt")
	env, err := Static{}.Resolve(context.Background(), []string{"maya-2024", "katana-3.6v1"}, out)
	require.NoError(t, err)
	assert.Equal(t, out, env.ContextFile)
	assert.Equal(t, out, env.Env["REZ_CONTEXT_FILE"])
	_, err = os.Stat(out)
	require.NoError(t, err)

	_, err = Static{Reject: map[string]string{"katana": "no such version"}}.Resolve(context.Background(), []string{"maya-2024", "katana-3.6v1"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrJobResolution))
	assert.Contains(t, err.Error(), "katana-3.6v1: no such version")
}

func TestRezExitCodes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "rez-env")
	body := "#!/bin/sh\nfor a in \"$@\"; do if [ \"$a\" = bad-1 ]; then echo 'conflict: bad-1' >&2; exit 1; fi; done\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	r := Rez{Binary: script}
	env, err := r.Resolve(context.Background(), []string{"good-1"}, filepath.Join(dir, "out.rxt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"good-1"}, env.Packages)

	_, err = r.Resolve(context.Background(), []string{"bad-1"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrJobResolution))
	assert.Contains(t, err.Error(), "conflict: bad-1")

	_, err = Rez{Binary: filepath.Join(dir, "missing")}.Resolve(context.Background(), []string{"x"}, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrJobResolution))
}
