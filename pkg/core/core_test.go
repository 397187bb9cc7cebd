package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorvault/tensorvault/pkg/config"
	"github.com/tensorvault/tensorvault/pkg/model"
	"github.com/tensorvault/tensorvault/pkg/safetensors"
	"github.com/tensorvault/tensorvault/pkg/storage/localfs"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	osFs := afero.NewOsFs()
	require.NoError(t, config.Init(osFs, root))
	backend, err := localfs.NewAtomic(afero.NewBasePathFs(osFs, config.ObjectsPath(root)))
	require.NoError(t, err)
	e, err := New(
		Backend(backend),
		RepoRoot(root),
		Concurrency(4),
	)
	require.NoError(t, err)
	return e, root
}

// writeContainer builds a container on disk, where the archiver can mmap it
func writeContainer(t *testing.T, path string, tensors []safetensors.BuildTensor, metadata map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, safetensors.WriteContainer(&buf, tensors, metadata))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
}

func baseTensors() []safetensors.BuildTensor {
	return []safetensors.BuildTensor{
		{Name: "embed.weight", DType: model.F32, Shape: []uint64{2, 2}, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
		{Name: "head.bias", DType: model.U8, Shape: []uint64{4}, Data: []byte{9, 9, 9, 9}},
		{Name: "layers.0.w", DType: model.F32, Shape: []uint64{2}, Data: []byte{5, 5, 5, 5, 6, 6, 6, 6}},
	}
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	e, root := newTestEngine(t)
	src := filepath.Join(root, "model.safetensors")
	writeContainer(t, src, baseTensors(), map[string]string{"format": "pt"})

	m, err := e.Archive(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, m.Tensors, 3)
	assert.Equal(t, "pt", m.Metadata["format"])

	out := filepath.Join(root, "restored.safetensors")
	require.NoError(t, e.Restore(context.Background(), ManifestPathFor(src), out, ""))

	original, err := os.ReadFile(src)
	require.NoError(t, err)
	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestArchiveDeduplicates(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	first := filepath.Join(root, "a.safetensors")
	writeContainer(t, first, baseTensors(), nil)
	_, err := e.Archive(ctx, first)
	require.NoError(t, err)

	keysBefore, err := e.Blobs().Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keysBefore, 3)

	// second container shares two tensors and changes one
	changed := baseTensors()
	changed[2].Data = []byte{7, 7, 7, 7, 8, 8, 8, 8}
	second := filepath.Join(root, "b.safetensors")
	writeContainer(t, second, changed, nil)
	_, err = e.Archive(ctx, second)
	require.NoError(t, err)

	keysAfter, err := e.Blobs().Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keysAfter, 4)
}

func TestRestoreSelective(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()
	src := filepath.Join(root, "model.safetensors")
	writeContainer(t, src, baseTensors(), nil)
	_, err := e.Archive(ctx, src)
	require.NoError(t, err)

	out := filepath.Join(root, "layers.safetensors")
	require.NoError(t, e.Restore(ctx, ManifestPathFor(src), out, "layers.*"))

	f, err := safetensors.Open(out)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	tensors := f.Tensors()
	require.Len(t, tensors, 1)
	assert.Equal(t, "layers.0.w", tensors[0].Name)
	assert.Equal(t, []byte{5, 5, 5, 5, 6, 6, 6, 6}, f.Data(tensors[0]))
}

func TestRestoreNoMatch(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()
	src := filepath.Join(root, "model.safetensors")
	writeContainer(t, src, baseTensors(), nil)
	_, err := e.Archive(ctx, src)
	require.NoError(t, err)

	err = e.Restore(ctx, ManifestPathFor(src), filepath.Join(root, "out"), "nothing.*")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tensors match")
}

func TestArchiveRestoreEmptyContainer(t *testing.T) {
	// a container with a header and no tensors is valid and round-trips
	e, root := newTestEngine(t)
	ctx := context.Background()
	src := filepath.Join(root, "empty.safetensors")
	writeContainer(t, src, nil, nil)

	m, err := e.Archive(ctx, src)
	require.NoError(t, err)
	assert.Empty(t, m.Tensors)

	out := filepath.Join(root, "restored.safetensors")
	require.NoError(t, e.Restore(ctx, ManifestPathFor(src), out, ""))

	original, err := os.ReadFile(src)
	require.NoError(t, err)
	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestArchiveRejectsNonCanonicalHeader(t *testing.T) {
	e, root := newTestEngine(t)
	src := filepath.Join(root, "odd.safetensors")

	// hand-built header with interior whitespace a restore would not reproduce
	header := `{"w": {"dtype":"U8","shape":[2],"data_offsets":[0,2]}}`
	var buf bytes.Buffer
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(header)))
	buf.Write(prefix[:])
	buf.WriteString(header)
	buf.Write([]byte{7, 8})
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0600))

	_, err := e.Archive(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not canonical")
}

func TestRestoreMissingBlob(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()
	src := filepath.Join(root, "model.safetensors")
	writeContainer(t, src, baseTensors(), nil)
	m, err := e.Archive(ctx, src)
	require.NoError(t, err)

	victim := m.Tensors["head.bias"]
	require.NoError(t, e.Blobs().Delete(ctx, victim.Hash))

	out := filepath.Join(root, "out.safetensors")
	err = e.Restore(ctx, ManifestPathFor(src), out, "")
	require.Error(t, err)
	var missing *MissingBlobError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, victim.Hash, missing.Hash)

	// a failed restore leaves nothing behind
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDiff(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	oldPath := filepath.Join(root, "old.safetensors")
	writeContainer(t, oldPath, baseTensors(), nil)
	oldM, err := e.Archive(ctx, oldPath)
	require.NoError(t, err)

	next := baseTensors()
	next[2].Data = []byte{1, 1, 1, 1, 2, 2, 2, 2}          // changed
	next = next[1:]                                        // embed.weight removed
	next = append(next, safetensors.BuildTensor{           // new tensor
		Name: "head.extra", DType: model.U8, Shape: []uint64{2}, Data: []byte{3, 4},
	})
	newPath := filepath.Join(root, "new.safetensors")
	writeContainer(t, newPath, next, nil)
	newM, err := e.Archive(ctx, newPath)
	require.NoError(t, err)

	res := Diff(oldM, newM)
	added, removed, changed, unchanged := res.Counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 1, unchanged)

	byName := make(map[string]DiffKind, len(res.Deltas))
	for _, d := range res.Deltas {
		byName[d.Name] = d.Kind
	}
	assert.Equal(t, Added, byName["head.extra"])
	assert.Equal(t, Removed, byName["embed.weight"])
	assert.Equal(t, Changed, byName["layers.0.w"])
	assert.Equal(t, Unchanged, byName["head.bias"])

	assert.Equal(t, int64(newM.TotalSize)-int64(oldM.TotalSize), res.SizeChange)
	assert.Equal(t, 1, res.Savings.SharedBlobs)
}

func TestGC(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()
	src := filepath.Join(root, "model.safetensors")
	writeContainer(t, src, baseTensors(), nil)
	_, err := e.Archive(ctx, src)
	require.NoError(t, err)

	// everything reachable: nothing to delete
	stats, err := e.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deleted)
	assert.Equal(t, 3, stats.Kept)

	// drop the manifest: all blobs become garbage
	require.NoError(t, os.Remove(ManifestPathFor(src)))
	stats, err = e.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Deleted)
	assert.Equal(t, 0, stats.Kept)

	keys, err := e.Blobs().Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestGCAbortsOnUnreadableManifest(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()
	src := filepath.Join(root, "model.safetensors")
	writeContainer(t, src, baseTensors(), nil)
	_, err := e.Archive(ctx, src)
	require.NoError(t, err)

	bad := filepath.Join(root, "broken"+model.ManifestSuffix)
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0600))

	_, err = e.GC(ctx)
	require.Error(t, err)

	keys, err := e.Blobs().Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestPushPull(t *testing.T) {
	ctx := context.Background()
	remote := localfs.New(afero.NewMemMapFs())

	src1, root1 := newTestEngine(t)
	container := filepath.Join(root1, "model.safetensors")
	writeContainer(t, container, baseTensors(), map[string]string{"format": "pt"})
	m, err := src1.Archive(ctx, container)
	require.NoError(t, err)

	stats, err := src1.Push(ctx, remote, []ManifestRef{{Name: "model", M: m}})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Transferred)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)

	has, err := remote.Has(ctx, model.ManifestObjectKey("model"))
	require.NoError(t, err)
	assert.True(t, has)

	// re-push transfers nothing
	stats, err = src1.Push(ctx, remote, []ManifestRef{{Name: "model", M: m}})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Transferred)
	assert.Equal(t, 3, stats.Skipped)

	dst, root2 := newTestEngine(t)
	manifestPath := filepath.Join(root2, "model.safetensors"+model.ManifestSuffix)
	pulled, stats, err := dst.Pull(ctx, remote, "model", manifestPath)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Transferred)
	assert.Equal(t, m.Tensors, pulled.Tensors)

	// the pulled replica restores byte-exact
	out := filepath.Join(root2, "restored.safetensors")
	require.NoError(t, dst.Restore(ctx, manifestPath, out, ""))
	original, err := os.ReadFile(container)
	require.NoError(t, err)
	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	// re-pull transfers nothing
	_, stats, err = dst.Pull(ctx, remote, "model", manifestPath)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Transferred)
	assert.Equal(t, 3, stats.Skipped)
}

func TestPullUnknownManifest(t *testing.T) {
	ctx := context.Background()
	remote := localfs.New(afero.NewMemMapFs())
	e, root := newTestEngine(t)

	_, _, err := e.Pull(ctx, remote, "nope", filepath.Join(root, "nope"+model.ManifestSuffix))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestStatus(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()
	src := filepath.Join(root, "model.safetensors")
	writeContainer(t, src, baseTensors(), nil)
	m, err := e.Archive(ctx, src)
	require.NoError(t, err)

	st, err := e.Status(ctx, ManifestPathFor(src))
	require.NoError(t, err)
	assert.Equal(t, 3, st.Tensors)
	assert.Equal(t, 3, st.UniqueBlobs)
	assert.Equal(t, 3, st.Present)
	assert.Equal(t, 0, st.Missing)

	require.NoError(t, e.Blobs().Delete(ctx, m.Tensors["head.bias"].Hash))
	st, err = e.Status(ctx, ManifestPathFor(src))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Present)
	assert.Equal(t, 1, st.Missing)

	rs, err := e.RepoStatusAll(ctx)
	require.NoError(t, err)
	require.Len(t, rs.Manifests, 1)
	assert.Equal(t, 2, rs.StoredBlobs)
	assert.Equal(t, 0, rs.UnreferencedBlobs)
}

func TestParallelDoCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := parallelDo(ctx, 2, 100, func(i int) error { return nil })
	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}

func TestParallelDoFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := parallelDo(context.Background(), 4, 50, func(i int) error {
		if i == 7 {
			return boom
		}
		return nil
	})
	require.Equal(t, boom, err)
}
