// Package localfs implements a storage.Store on a local file system,
// backed by afero. NewAtomic builds the variant used for blob storage:
// objects are staged in a hidden directory and published with an atomic
// rename, so a reader never observes a partially written object.
package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"io"

	"github.com/spf13/afero"
	"github.com/tensorvault/tensorvault/pkg/storage"
	"github.com/tensorvault/tensorvault/pkg/storage/status"
)

// New creates a local file system backed storage model
func New(fs afero.Fs) storage.Store {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".tvt", "objects"))
	}
	return &localFS{fs: fs}
}

type localFS struct {
	fs afero.Fs
}

func (l *localFS) Has(ctx context.Context, key string) (bool, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, status.ErrNotFound
	}
	return l.fs.Open(key)
}

func (l *localFS) Put(ctx context.Context, key string, source io.Reader) error {
	if dir := filepath.Dir(key); dir != "" {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("ensuring directories for %q: %v", key, err)
		}
	}
	target, err := l.fs.OpenFile(key, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0600)
	if err != nil {
		return fmt.Errorf("create record for %q: %v", key, err)
	}
	if _, err = storage.PipeIO(target, source); err != nil {
		_ = target.Close()
		return fmt.Errorf("write record for %q: %v", key, err)
	}
	return target.Close()
}

func (l *localFS) Delete(ctx context.Context, key string) error {
	if err := l.fs.Remove(key); err != nil {
		if os.IsNotExist(err) {
			return status.ErrNotFound
		}
		return fmt.Errorf("removing %q: %v", key, err)
	}
	return nil
}

func (l *localFS) Keys(ctx context.Context) ([]string, error) {
	return l.keysUnder(".")
}

func (l *localFS) KeysPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := l.keysUnder(".")
	if err != nil {
		return nil, err
	}
	filtered := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			filtered = append(filtered, k)
		}
	}
	return filtered, nil
}

func (l *localFS) keysUnder(root string) ([]string, error) {
	var res []string
	e := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || info.IsDir() {
			return nil
		}
		res = append(res, path)
		return nil
	})
	if e != nil {
		return nil, e
	}
	return res, nil
}

func (l *localFS) Clear(ctx context.Context) error {
	return l.fs.RemoveAll("/")
}

func (l *localFS) String() string {
	const localfs = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath("")
		if err != nil {
			return localfs
		}
		return localfs + "@" + pp
	default:
		return localfs
	}
}

/* thread-safe local storage implementation.
 * a decorator implementing atomic Put()s via atomicity of afero.Fs.Rename():
 * objects are placed in a staging area, then Rename()d into place. Two
 * concurrent Put()s for the same key stage independent temporary files and
 * whichever rename lands last simply replaces identical content.
 */

const nestedPutStageName = ".put-stage"

func maybeInvalidKey(key string) error {
	const pathSepString = string(os.PathSeparator)
	pathComponents := strings.Split(strings.TrimLeft(key, pathSepString), pathSepString)
	if len(pathComponents) == 0 {
		return nil
	}
	if pathComponents[0] == nestedPutStageName {
		return status.ErrInvalidKey
	}
	return nil
}

func filterStagedKeys(ks []string) []string {
	filtered := ks[:0]
	for _, key := range ks {
		if err := maybeInvalidKey(key); err == nil {
			filtered = append(filtered, key)
		}
	}
	return filtered
}

// NewAtomic creates a local storage model whose Put operation is atomic:
// a key either resolves to a complete object or does not resolve at all.
func NewAtomic(fs afero.Fs) (storage.Store, error) {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".tvt", "objects"))
	}
	// the staging area exists within the afero.Fs itself
	if err := fs.MkdirAll(nestedPutStageName, 0700); err != nil {
		return nil, fmt.Errorf("ensuring put staging directory %q: %v", nestedPutStageName, err)
	}
	return &localFSAtomic{
		storeImpl: localFS{fs: fs},
	}, nil
}

type localFSAtomic struct {
	storeImpl localFS
	stageIdx  uint64
}

func (l *localFSAtomic) stagePath(key string) string {
	// flatten the key so the staging area stays a single directory, and
	// suffix a counter so concurrent puts of the same key stage separately
	flat := strings.NewReplacer(string(os.PathSeparator), "_", ":", "_").Replace(key)
	n := atomic.AddUint64(&l.stageIdx, 1)
	return filepath.Join(nestedPutStageName, fmt.Sprintf("%d-%d-%s", os.Getpid(), n, flat))
}

func (l *localFSAtomic) Has(ctx context.Context, key string) (bool, error) {
	if err := maybeInvalidKey(key); err != nil {
		return false, err
	}
	return l.storeImpl.Has(ctx, key)
}

func (l *localFSAtomic) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := maybeInvalidKey(key); err != nil {
		return nil, err
	}
	return l.storeImpl.Get(ctx, key)
}

func (l *localFSAtomic) Put(ctx context.Context, key string, source io.Reader) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	stage := l.stagePath(key)
	if err := l.storeImpl.Put(ctx, stage, source); err != nil {
		return err
	}
	if dir := filepath.Dir(key); dir != "" {
		if err := l.storeImpl.fs.MkdirAll(dir, 0700); err != nil {
			_ = l.storeImpl.fs.Remove(stage)
			return fmt.Errorf("ensuring directories for %q: %v", key, err)
		}
	}
	if err := l.storeImpl.fs.Rename(stage, key); err != nil {
		// losing the publish race is not an error when the object landed:
		// discard the stale staged copy
		if has, herr := l.storeImpl.Has(ctx, key); herr == nil && has {
			_ = l.storeImpl.fs.Remove(stage)
			return nil
		}
		_ = l.storeImpl.fs.Remove(stage)
		return fmt.Errorf("publishing %q: %v", key, err)
	}
	return nil
}

func (l *localFSAtomic) Delete(ctx context.Context, key string) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	return l.storeImpl.Delete(ctx, key)
}

func (l *localFSAtomic) Keys(ctx context.Context) ([]string, error) {
	ks, err := l.storeImpl.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return filterStagedKeys(ks), nil
}

func (l *localFSAtomic) KeysPrefix(ctx context.Context, prefix string) ([]string, error) {
	ks, err := l.storeImpl.KeysPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return filterStagedKeys(ks), nil
}

func (l *localFSAtomic) Clear(ctx context.Context) error {
	return l.storeImpl.Clear(ctx)
}

func (l *localFSAtomic) String() string {
	return l.storeImpl.String()
}
