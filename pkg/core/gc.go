package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tensorvault/tensorvault/pkg/cas"
	"github.com/tensorvault/tensorvault/pkg/config"
	"github.com/tensorvault/tensorvault/pkg/model"
)

// GCStats reports the outcome of a collection sweep
type GCStats struct {
	Deleted int
	Kept    int
	Failed  int
}

// skipDirs are working-tree directories never scanned for manifests
var skipDirs = map[string]struct{}{
	".git":         {},
	config.RepoDir: {},
	"node_modules": {},
	"target":       {},
}

// GC deletes every blob not referenced by any tracked manifest.
//
// The reachable set is the union of content keys across all manifests
// discovered under the repository root. Because an archive running
// concurrently may write blobs before publishing its manifest, the
// sweep re-checks reachability against the current manifest set
// immediately before each deletion. That narrows the race window but
// does not close it; archive and gc on the same repository should be
// serialized by the repository lock.
func (e *Engine) GC(ctx context.Context) (GCStats, error) {
	var stats GCStats

	snapshot, err := e.manifestSnapshot()
	if err != nil {
		return stats, err
	}
	reachable, err := e.reachableSet(snapshot)
	if err != nil {
		return stats, err
	}

	keys, err := e.blobs.Keys(ctx)
	if err != nil {
		return stats, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, ok := reachable[key]; ok {
			stats.Kept++
			continue
		}

		// re-check just before deleting: a manifest published since the
		// snapshot may reference this blob
		current, err := e.manifestSnapshot()
		if err != nil {
			return stats, err
		}
		if !snapshotEqual(snapshot, current) {
			snapshot = current
			reachable, err = e.reachableSet(snapshot)
			if err != nil {
				return stats, err
			}
			if _, ok := reachable[key]; ok {
				stats.Kept++
				continue
			}
		}

		if err := e.blobs.Delete(ctx, key); err != nil {
			// an undeletable blob is harmless: log and move on
			e.l.Warn("could not delete blob", zap.Stringer("key", key), zap.Error(err))
			stats.Failed++
			continue
		}
		e.l.Debug("deleted unreferenced blob", zap.Stringer("key", key))
		stats.Deleted++
	}
	return stats, nil
}

// manifestEntry identifies one tracked manifest and its version at scan
// time, so a changed manifest set can be detected cheaply.
type manifestEntry struct {
	path    string
	modTime int64
	size    int64
}

// manifestSnapshot walks the repository working tree for tracked
// manifests.
func (e *Engine) manifestSnapshot() ([]manifestEntry, error) {
	var entries []manifestEntry
	err := afero.Walk(e.fs, e.repoRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if _, skip := skipDirs[filepath.Base(path)]; skip && path != e.repoRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, model.ManifestSuffix) {
			entries = append(entries, manifestEntry{
				path:    path,
				modTime: info.ModTime().UnixNano(),
				size:    info.Size(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func snapshotEqual(a, b []manifestEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reachableSet unions the referenced keys of all manifests in a
// snapshot. A manifest this release cannot read may still reference
// blobs, so an unparsable manifest aborts the sweep instead of risking
// the deletion of its blobs.
func (e *Engine) reachableSet(snapshot []manifestEntry) (map[cas.Key]struct{}, error) {
	reachable := make(map[cas.Key]struct{})
	for _, entry := range snapshot {
		m, err := e.LoadManifest(entry.path)
		if err != nil {
			// conservative: a manifest we cannot parse may still reference
			// blobs, refuse to sweep
			return nil, err
		}
		for k := range m.ReferencedKeys() {
			reachable[k] = struct{}{}
		}
	}
	return reachable, nil
}
