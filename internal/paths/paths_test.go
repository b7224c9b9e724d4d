package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseDirHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)

	base, err := BaseDir()
	require.NoError(t, err)
	assert.Equal(t, dir, base)

	db, err := DefaultDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DatabaseFileName), db)
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cases := map[string]string{
		"~":              home,
		"~/db/mesh.db":   filepath.Join(home, "db/mesh.db"),
		"/abs/mesh.db":   "/abs/mesh.db",
		"rel/mesh.db":    "rel/mesh.db",
		"~other/mesh.db": "~other/mesh.db",
		"":               "",
	}
	for in, want := range cases {
		got, err := ExpandTilde(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestConfigPathPrefersWorkingDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	work := t.TempDir()
	t.Chdir(work)

	got, err := ConfigPath()
	require.NoError(t, err)
	assert.Empty(t, got)

	global := filepath.Join(home, ConfigFileName)
	require.NoError(t, os.WriteFile(global, []byte("{}"), 0600))
	got, err = ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, global, got)

	require.NoError(t, os.WriteFile(filepath.Join(work, ConfigFileName), []byte("{}"), 0600))
	got, err = ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, ConfigFileName), got)
}

func TestEnsureParentDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a", "b", "mesh.db")
	require.NoError(t, EnsureParentDir(file))
	info, err := os.Stat(filepath.Dir(file))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
