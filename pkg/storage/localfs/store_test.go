package localfs

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tensorvault/tensorvault/pkg/storage"
	"github.com/tensorvault/tensorvault/pkg/storage/status"
)

func setupStore(t *testing.T) storage.Store {
	t.Helper()
	fs := afero.NewMemMapFs()
	bs := New(fs)
	require.NoError(t, bs.Put(context.Background(), "sixteentons", bytes.NewBufferString("this is the text")))
	require.NoError(t, bs.Put(context.Background(), "seventeentons", bytes.NewBufferString("this is the text for another thing")))
	return bs
}

func TestHas(t *testing.T) {
	bs := setupStore(t)

	has, err := bs.Has(context.Background(), "sixteentons")
	require.NoError(t, err)
	require.True(t, has)

	has, err = bs.Has(context.Background(), "fifteentons")
	require.NoError(t, err)
	require.False(t, has)
}

func TestGet(t *testing.T) {
	bs := setupStore(t)

	rdr, err := bs.Get(context.Background(), "sixteentons")
	require.NoError(t, err)
	b, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.NoError(t, rdr.Close())
	assert.Equal(t, "this is the text", string(b))

	_, err = bs.Get(context.Background(), "fifteentons")
	require.ErrorIs(t, err, status.ErrNotFound)
}

func TestKeys(t *testing.T) {
	bs := setupStore(t)

	keys, err := bs.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestKeysPrefix(t *testing.T) {
	bs := setupStore(t)
	require.NoError(t, bs.Put(context.Background(), "blobs/aa/bb/cafe", bytes.NewBufferString("x")))
	require.NoError(t, bs.Put(context.Background(), "manifests/base", bytes.NewBufferString("y")))

	keys, err := bs.KeysPrefix(context.Background(), "blobs/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "blobs/aa/bb/cafe", keys[0])
}

func TestDelete(t *testing.T) {
	bs := setupStore(t)

	require.NoError(t, bs.Delete(context.Background(), "seventeentons"))
	k, _ := bs.Keys(context.Background())
	assert.Len(t, k, 1)

	require.ErrorIs(t, bs.Delete(context.Background(), "seventeentons"), status.ErrNotFound)
}

func TestClear(t *testing.T) {
	bs := setupStore(t)

	require.NoError(t, bs.Clear(context.Background()))
	k, _ := bs.Keys(context.Background())
	require.Empty(t, k)
}

func TestAtomicPut(t *testing.T) {
	fs := afero.NewMemMapFs()
	bs, err := NewAtomic(fs)
	require.NoError(t, err)

	require.NoError(t, bs.Put(context.Background(), "blobs/aa/bb/cafe", bytes.NewBufferString("payload")))

	rdr, err := bs.Get(context.Background(), "blobs/aa/bb/cafe")
	require.NoError(t, err)
	b, err := io.ReadAll(rdr)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	// staged leftovers never appear in key listings
	keys, err := bs.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestAtomicPutStageKeyRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	bs, err := NewAtomic(fs)
	require.NoError(t, err)

	err = bs.Put(context.Background(), ".put-stage/sneaky", bytes.NewBufferString("x"))
	require.ErrorIs(t, err, status.ErrInvalidKey)
}

func TestAtomicPutConcurrentSameKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	bs, err := NewAtomic(fs)
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = bs.Put(context.Background(), "blobs/shared", bytes.NewBufferString("identical bytes"))
		}(i)
	}
	wg.Wait()

	for i, e := range errs {
		require.NoError(t, e, "writer "+strconv.Itoa(i))
	}

	rdr, err := bs.Get(context.Background(), "blobs/shared")
	require.NoError(t, err)
	b, err := io.ReadAll(rdr)
	require.NoError(t, err)
	assert.Equal(t, "identical bytes", string(b))

	keys, err := bs.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
}
