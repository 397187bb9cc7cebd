package core

import (
	"context"
	"sort"

	"github.com/tensorvault/tensorvault/pkg/cas"
)

// ManifestStatus summarizes one tracked manifest against the blob store
type ManifestStatus struct {
	Path        string
	Tensors     int
	TotalSize   uint64
	UniqueBlobs int
	// Present and Missing partition the referenced blobs by local
	// availability. Missing > 0 means a restore would fail.
	Present int
	Missing int
	// DedupRatio is tensor references over distinct blobs within this
	// manifest: 1.0 means every tensor has unique content.
	DedupRatio float64
}

// Status inspects a manifest and reports its blob availability.
func (e *Engine) Status(ctx context.Context, manifestPath string) (ManifestStatus, error) {
	st := ManifestStatus{Path: manifestPath}

	m, err := e.LoadManifest(manifestPath)
	if err != nil {
		return st, err
	}
	st.Tensors = len(m.Tensors)
	st.TotalSize = m.TotalSize

	refs := m.ReferencedKeys()
	st.UniqueBlobs = len(refs)
	if st.UniqueBlobs > 0 {
		st.DedupRatio = float64(st.Tensors) / float64(st.UniqueBlobs)
	}

	keys := make([]cas.Key, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sortKeys(keys)

	present := make([]bool, len(keys))
	err = parallelDo(ctx, e.concurrency, len(keys), func(i int) error {
		has, err := e.blobs.Has(ctx, keys[i])
		if err != nil {
			return err
		}
		present[i] = has
		return nil
	})
	if err != nil {
		return st, err
	}
	for _, has := range present {
		if has {
			st.Present++
		} else {
			st.Missing++
		}
	}
	return st, nil
}

// RepoStatus aggregates every tracked manifest under the repository root
// plus store-wide blob counts.
type RepoStatus struct {
	Manifests []ManifestStatus
	// StoredBlobs counts all blobs in the store, referenced or not
	StoredBlobs int
	// UnreferencedBlobs counts blobs no tracked manifest references,
	// the set a GC sweep would delete.
	UnreferencedBlobs int
}

// RepoStatusAll walks the repository for tracked manifests and reports
// each against the store.
func (e *Engine) RepoStatusAll(ctx context.Context) (RepoStatus, error) {
	var rs RepoStatus

	snapshot, err := e.manifestSnapshot()
	if err != nil {
		return rs, err
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].path < snapshot[j].path })

	reachable := make(map[cas.Key]struct{})
	for _, entry := range snapshot {
		st, err := e.Status(ctx, entry.path)
		if err != nil {
			return rs, err
		}
		rs.Manifests = append(rs.Manifests, st)

		m, err := e.LoadManifest(entry.path)
		if err != nil {
			return rs, err
		}
		for k := range m.ReferencedKeys() {
			reachable[k] = struct{}{}
		}
	}

	stored, err := e.blobs.Keys(ctx)
	if err != nil {
		return rs, err
	}
	rs.StoredBlobs = len(stored)
	for _, k := range stored {
		if _, ok := reachable[k]; !ok {
			rs.UnreferencedBlobs++
		}
	}
	return rs, nil
}
