// Package config manages the local repository state: the .tvt directory
// holding the object store, the remotes registry and the process lock.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"
)

const (
	// RepoDir is the repository state directory, discovered by walking up
	// from the working directory
	RepoDir = ".tvt"

	// ObjectsDir is the object store root inside RepoDir
	ObjectsDir = "objects"

	configFile = "config.yaml"
	lockFile   = "lock"
)

var (
	// ErrRepoNotFound indicates no repository in this or any parent directory
	ErrRepoNotFound = errors.New("repository not found, run 'tvt init' first")

	// ErrRepoExists indicates init was run inside an existing repository
	ErrRepoExists = errors.New("repository already exists at this location")

	// ErrLocked indicates another mutating operation holds the repository lock
	ErrLocked = errors.New("repository is locked by another operation")
)

// Config is the persisted process-wide configuration: the registry of
// named remotes.
type Config struct {
	Remotes map[string]string `yaml:"remotes,omitempty"`
	_       struct{}
}

// FindRepoRoot locates the repository root by walking up from startDir
func FindRepoRoot(fs afero.Fs, startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		fi, err := fs.Stat(filepath.Join(dir, RepoDir))
		if err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrRepoNotFound
		}
		dir = parent
	}
}

// Init creates a repository in dir: the state directory, an empty
// configuration, and a .gitignore so object data stays out of version
// control.
func Init(fs afero.Fs, dir string) error {
	repoPath := filepath.Join(dir, RepoDir)
	if fi, err := fs.Stat(repoPath); err == nil && fi.IsDir() {
		return ErrRepoExists
	}
	if err := fs.MkdirAll(filepath.Join(repoPath, ObjectsDir), 0700); err != nil {
		return errors.Wrap(err, "creating repository")
	}
	if err := afero.WriteFile(fs, filepath.Join(repoPath, ".gitignore"), []byte("*\n"), 0600); err != nil {
		return errors.Wrap(err, "writing .gitignore")
	}
	return Save(fs, dir, &Config{})
}

// Load reads the configuration of the repository rooted at repoRoot.
// A missing configuration file resolves to an empty configuration.
func Load(fs afero.Fs, repoRoot string) (*Config, error) {
	return LoadFile(fs, filepath.Join(repoRoot, RepoDir, configFile))
}

// LoadFile reads a configuration from an explicit path. A missing file
// resolves to an empty configuration.
func LoadFile(fs afero.Fs, path string) (*Config, error) {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return &cfg, nil
}

// Save writes the configuration of the repository rooted at repoRoot
func Save(fs afero.Fs, repoRoot string, cfg *Config) error {
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "serializing configuration")
	}
	path := filepath.Join(repoRoot, RepoDir, configFile)
	return afero.WriteFile(fs, path, buf, 0600)
}

// AddRemote registers a named remote endpoint
func (c *Config) AddRemote(name, endpoint string) {
	if c.Remotes == nil {
		c.Remotes = make(map[string]string)
	}
	c.Remotes[name] = endpoint
}

// RemoveRemote drops a named remote, reporting whether it existed
func (c *Config) RemoveRemote(name string) bool {
	_, ok := c.Remotes[name]
	delete(c.Remotes, name)
	return ok
}

// Remote resolves a named remote endpoint
func (c *Config) Remote(name string) (string, error) {
	endpoint, ok := c.Remotes[name]
	if !ok {
		return "", errors.Errorf("remote %q not found", name)
	}
	return endpoint, nil
}

// ObjectsPath is the object store root of the repository at repoRoot
func ObjectsPath(repoRoot string) string {
	return filepath.Join(repoRoot, RepoDir, ObjectsDir)
}

// Lock is a coarse repository lock held for the duration of a mutating
// operation.
type Lock struct {
	fs   afero.Fs
	path string
}

// AcquireLock takes the repository lock, failing fast when another
// operation holds it.
func AcquireLock(fs afero.Fs, repoRoot string) (*Lock, error) {
	path := filepath.Join(repoRoot, RepoDir, lockFile)
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, errors.Wrap(err, "acquiring repository lock")
	}
	_ = f.Close()
	return &Lock{fs: fs, path: path}, nil
}

// Release drops the lock
func (l *Lock) Release() {
	_ = l.fs.Remove(l.path)
}
