package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndDiscovery(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Init(fs, "/work/model"))

	// discovery from a nested directory walks up to the repo root
	require.NoError(t, fs.MkdirAll("/work/model/checkpoints/deep", 0700))
	root, err := FindRepoRoot(fs, "/work/model/checkpoints/deep")
	require.NoError(t, err)
	assert.Equal(t, "/work/model", root)

	_, err = FindRepoRoot(fs, "/elsewhere")
	require.ErrorIs(t, err, ErrRepoNotFound)

	require.ErrorIs(t, Init(fs, "/work/model"), ErrRepoExists)

	ignore, err := afero.ReadFile(fs, filepath.Join("/work/model", RepoDir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(ignore))
}

func TestConfigRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Init(fs, "/repo"))

	cfg, err := Load(fs, "/repo")
	require.NoError(t, err)
	assert.Empty(t, cfg.Remotes)

	cfg.AddRemote("origin", "s3://weights-bucket")
	cfg.AddRemote("backup", "s3://cold-storage")
	require.NoError(t, Save(fs, "/repo", cfg))

	loaded, err := Load(fs, "/repo")
	require.NoError(t, err)
	endpoint, err := loaded.Remote("origin")
	require.NoError(t, err)
	assert.Equal(t, "s3://weights-bucket", endpoint)

	_, err = loaded.Remote("nonesuch")
	require.Error(t, err)

	assert.True(t, loaded.RemoveRemote("backup"))
	assert.False(t, loaded.RemoveRemote("backup"))
}

func TestLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Init(fs, "/repo"))

	l, err := AcquireLock(fs, "/repo")
	require.NoError(t, err)

	_, err = AcquireLock(fs, "/repo")
	require.ErrorIs(t, err, ErrLocked)

	l.Release()
	l2, err := AcquireLock(fs, "/repo")
	require.NoError(t, err)
	l2.Release()
}
