package cmd

import (
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/tensorvault/tensorvault/pkg/cas"
	"github.com/tensorvault/tensorvault/pkg/config"
	"github.com/tensorvault/tensorvault/pkg/core"
	"github.com/tensorvault/tensorvault/pkg/dlogger"
	"github.com/tensorvault/tensorvault/pkg/model"
	"github.com/tensorvault/tensorvault/pkg/storage"
	"github.com/tensorvault/tensorvault/pkg/storage/localfs"
	"github.com/tensorvault/tensorvault/pkg/storage/sthree"
)

// newEngine discovers the enclosing repository and wires an engine on its
// object store.
func newEngine(casOpts ...cas.Option) (*core.Engine, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	fs := afero.NewOsFs()
	root, err := config.FindRepoRoot(fs, cwd)
	if err != nil {
		return nil, "", err
	}
	backend, err := localfs.NewAtomic(afero.NewBasePathFs(fs, config.ObjectsPath(root)))
	if err != nil {
		return nil, "", err
	}
	e, err := core.New(
		core.Backend(backend),
		core.RepoRoot(root),
		core.Concurrency(tvtFlags.root.concurrency),
		core.Logger(dlogger.MustGetLogger(tvtFlags.root.logLevel)),
		core.CASOptions(casOpts...),
	)
	if err != nil {
		return nil, "", err
	}
	return e, root, nil
}

// repoConfig loads the repository configuration, honoring --config
func repoConfig(fs afero.Fs, repoRoot string) (*config.Config, error) {
	if tvtFlags.root.config != "" {
		return config.LoadFile(fs, tvtFlags.root.config)
	}
	return config.Load(fs, repoRoot)
}

// remoteStore resolves a configured remote name to its backing store
func remoteStore(repoRoot, name string) (storage.Store, error) {
	cfg, err := repoConfig(afero.NewOsFs(), repoRoot)
	if err != nil {
		return nil, err
	}
	endpoint, err := cfg.Remote(name)
	if err != nil {
		return nil, err
	}
	bucket, err := model.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return sthree.New(sthree.Bucket(bucket)), nil
}

// manifestArg accepts either a container path or its manifest path
func manifestArg(path string) string {
	if strings.HasSuffix(path, model.ManifestSuffix) {
		return path
	}
	return core.ManifestPathFor(path)
}

// manifestName is the remote name for a manifest path: the container base
// name without the manifest suffix.
func manifestName(manifestPath string) string {
	base := manifestPath
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, model.ManifestSuffix)
}
