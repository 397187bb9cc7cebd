package core

import (
	"bytes"
	"context"
	"io"
	"sort"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tensorvault/tensorvault/pkg/cas"
	"github.com/tensorvault/tensorvault/pkg/model"
	"github.com/tensorvault/tensorvault/pkg/storage"
	"github.com/tensorvault/tensorvault/pkg/storage/status"
)

// transferAttempts bounds retries of one blob transfer before it counts
// as failed.
const transferAttempts = 3

// ManifestRef names a manifest for remote synchronization
type ManifestRef struct {
	Name string
	M    *model.Manifest
}

// SyncStats is the partial-success summary of a push or pull: one blob
// failing does not abort the batch.
type SyncStats struct {
	Transferred int
	Skipped     int
	Failed      int
	// FailedKeys lists the blobs whose transfer failed after retries
	FailedKeys []cas.Key
}

// blobPath maps a content key to its object path, identical on the
// local backend and on remotes so objects copy path for path, preserving
// their compression framing.
var blobPath = cas.ShardedPather(model.BlobNamespace)

// Push transfers to the remote every blob referenced by the given
// manifests and absent there, then uploads the manifests themselves.
// Re-running a completed push transfers nothing.
func (e *Engine) Push(ctx context.Context, remote storage.Store, refs []ManifestRef) (SyncStats, error) {
	var stats SyncStats

	required := make(map[cas.Key]struct{})
	for _, ref := range refs {
		for k := range ref.M.ReferencedKeys() {
			required[k] = struct{}{}
		}
	}

	remoteKeys, err := remoteKeySet(ctx, remote)
	if err != nil {
		return stats, errors.Wrap(err, "listing remote blobs")
	}

	var missing []cas.Key
	for k := range required {
		if _, ok := remoteKeys[k]; ok {
			stats.Skipped++
			continue
		}
		missing = append(missing, k)
	}
	sortKeys(missing)

	results := make([]error, len(missing))
	_ = parallelDo(ctx, e.concurrency, len(missing), func(i int) error {
		key := missing[i]
		results[i] = e.retryTransfer(ctx, func() error {
			rdr, err := e.backend.Get(ctx, blobPath(key))
			if err != nil {
				return err
			}
			defer rdr.Close()
			return remote.Put(ctx, blobPath(key), rdr)
		})
		if results[i] != nil {
			e.l.Warn("blob upload failed", zap.Stringer("key", key), zap.Error(results[i]))
		} else {
			e.l.Debug("blob uploaded", zap.Stringer("key", key))
		}
		// individual failures are collected, not fatal to the batch
		return nil
	})
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	for i, res := range results {
		if res != nil {
			stats.Failed++
			stats.FailedKeys = append(stats.FailedKeys, missing[i])
		} else {
			stats.Transferred++
		}
	}

	if stats.Failed > 0 {
		// leaving the manifests unpublished keeps the remote free of
		// references to blobs it does not hold
		return stats, nil
	}
	for _, ref := range refs {
		buf, err := ref.M.Marshal()
		if err != nil {
			return stats, err
		}
		if err := remote.Put(ctx, model.ManifestObjectKey(ref.Name), bytes.NewReader(buf)); err != nil {
			return stats, errors.Wrapf(err, "uploading manifest %q", ref.Name)
		}
		e.l.Info("manifest uploaded", zap.String("name", ref.Name))
	}
	return stats, nil
}

// Pull fetches a named manifest from the remote, transfers every
// referenced blob absent locally, and writes the manifest to
// manifestPath. Re-running a completed pull transfers nothing.
func (e *Engine) Pull(ctx context.Context, remote storage.Store, name, manifestPath string) (*model.Manifest, SyncStats, error) {
	var stats SyncStats

	rdr, err := remote.Get(ctx, model.ManifestObjectKey(name))
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, stats, errors.Wrapf(status.ErrNotFound, "remote manifest %q", name)
		}
		return nil, stats, err
	}
	buf, err := readAllAndClose(rdr)
	if err != nil {
		return nil, stats, errors.Wrapf(err, "fetching manifest %q", name)
	}
	m, err := model.UnmarshalManifest(buf)
	if err != nil {
		return nil, stats, err
	}

	var missing []cas.Key
	for k := range m.ReferencedKeys() {
		has, err := e.blobs.Has(ctx, k)
		if err != nil {
			return nil, stats, err
		}
		if has {
			stats.Skipped++
			continue
		}
		missing = append(missing, k)
	}
	sortKeys(missing)

	results := make([]error, len(missing))
	_ = parallelDo(ctx, e.concurrency, len(missing), func(i int) error {
		key := missing[i]
		results[i] = e.retryTransfer(ctx, func() error {
			rdr, err := remote.Get(ctx, blobPath(key))
			if err != nil {
				return err
			}
			defer rdr.Close()
			return e.backend.Put(ctx, blobPath(key), rdr)
		})
		if results[i] != nil {
			e.l.Warn("blob download failed", zap.Stringer("key", key), zap.Error(results[i]))
		} else {
			e.l.Debug("blob downloaded", zap.Stringer("key", key))
		}
		return nil
	})
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}
	for i, res := range results {
		if res != nil {
			stats.Failed++
			stats.FailedKeys = append(stats.FailedKeys, missing[i])
		} else {
			stats.Transferred++
		}
	}

	if stats.Failed > 0 {
		// do not publish a manifest whose blobs are incomplete
		return m, stats, nil
	}
	if err := e.writeManifest(m, manifestPath); err != nil {
		return m, stats, err
	}
	e.l.Info("pulled", zap.String("name", name), zap.Int("transferred", stats.Transferred))
	return m, stats, nil
}

// retryTransfer retries a transient transfer failure with exponential
// backoff. Permanent conditions (missing object, cancellation) fail
// immediately.
func (e *Engine) retryTransfer(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}
	var err error
	for attempt := 0; attempt < transferAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, status.ErrNotFound) || ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// remoteKeySet lists the remote blob namespace as a key set
func remoteKeySet(ctx context.Context, remote storage.Store) (map[cas.Key]struct{}, error) {
	paths, err := remote.KeysPrefix(ctx, model.BlobNamespace)
	if err != nil {
		return nil, err
	}
	keys := make(map[cas.Key]struct{}, len(paths))
	for _, p := range paths {
		if k, ok := keyFromBlobPath(p); ok {
			keys[k] = struct{}{}
		}
	}
	return keys, nil
}

func sortKeys(keys []cas.Key) {
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
}

func readAllAndClose(rdr io.ReadCloser) ([]byte, error) {
	defer func() { _ = rdr.Close() }()
	return io.ReadAll(rdr)
}

func keyFromBlobPath(p string) (cas.Key, bool) {
	trimmed := make([]byte, 0, cas.KeySizeHex)
	for i := len(model.BlobNamespace); i < len(p); i++ {
		if p[i] != '/' {
			trimmed = append(trimmed, p[i])
		}
	}
	k, err := cas.KeyFromString(string(trimmed))
	if err != nil {
		return cas.Key{}, false
	}
	return k, true
}
