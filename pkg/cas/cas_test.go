package cas

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tensorvault/tensorvault/pkg/storage"
	"github.com/tensorvault/tensorvault/pkg/storage/localfs"
	"github.com/tensorvault/tensorvault/pkg/storage/status"
)

func testBackend(t *testing.T) storage.Store {
	t.Helper()
	store, err := localfs.NewAtomic(afero.NewMemMapFs())
	require.NoError(t, err)
	return store
}

func testFs(t *testing.T, opts ...Option) Fs {
	t.Helper()
	fs, err := New(append([]Option{Backend(testBackend(t))}, opts...)...)
	require.NoError(t, err)
	return fs
}

func TestPutGetRoundTrip(t *testing.T) {
	fs := testFs(t)
	payload := []byte("model weights go here")

	res, err := fs.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.EqualValues(t, len(payload), res.Written)
	assert.Equal(t, HashBytes(payload), res.Key)

	rdr, err := fs.Get(context.Background(), res.Key)
	require.NoError(t, err)
	b, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.NoError(t, rdr.Close())
	assert.Equal(t, payload, b)
}

func TestPutDeduplicates(t *testing.T) {
	fs := testFs(t)
	payload := []byte("shared layer bytes")

	first, err := fs.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	require.False(t, first.Found)

	second, err := fs.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	assert.True(t, second.Found)
	assert.Equal(t, first.Key, second.Key)

	keys, err := fs.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestPutConcurrentIdenticalBytes(t *testing.T) {
	fs := testFs(t)
	payload := []byte("raced content")

	const callers = 32
	var wg sync.WaitGroup
	results := make([]PutRes, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fs.Put(context.Background(), bytes.NewReader(payload))
		}(i)
	}
	wg.Wait()

	want := HashBytes(payload)
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i].Key)
	}

	keys, err := fs.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)

	b, err := fs.GetBytes(context.Background(), want)
	require.NoError(t, err)
	assert.Equal(t, payload, b)
}

func TestGetMissing(t *testing.T) {
	fs := testFs(t)
	_, err := fs.Get(context.Background(), HashBytes([]byte("never stored")))
	require.ErrorIs(t, err, status.ErrNotFound)
}

func TestSelfVerification(t *testing.T) {
	backend := testBackend(t)
	fs, err := New(Backend(backend), VerifyOnRead(true))
	require.NoError(t, err)

	payload := []byte("verified content")
	res, err := fs.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)

	b, err := fs.GetBytes(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, payload, b)

	// corrupt the stored object behind the store's back
	paths, err := backend.KeysPrefix(context.Background(), "blobs/")
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.NoError(t, backend.Put(context.Background(), paths[0], bytes.NewReader(append([]byte{0}, []byte("tampered")...))))

	rdr, err := fs.Get(context.Background(), res.Key)
	require.NoError(t, err)
	_, err = io.ReadAll(rdr)
	var mismatch *HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, res.Key, mismatch.Expected)
}

func TestCompressionRoundTrip(t *testing.T) {
	fs := testFs(t, Compression(true))

	payload := bytes.Repeat([]byte{42}, 100000)
	res, err := fs.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)

	b, err := fs.GetBytes(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, payload, b)
}

func TestCompressionDoesNotChangeKeys(t *testing.T) {
	plain := testFs(t)
	packed := testFs(t, Compression(true))

	payload := bytes.Repeat([]byte("layer"), 4096)
	r1, err := plain.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	r2, err := packed.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)

	// same content, same address, compression notwithstanding
	assert.Equal(t, r1.Key, r2.Key)
}

func TestIncompressiblePayloadStoredRaw(t *testing.T) {
	fs := testFs(t, Compression(true))

	// single byte cannot shrink under zstd framing
	res, err := fs.Put(context.Background(), bytes.NewReader([]byte{7}))
	require.NoError(t, err)

	b, err := fs.GetBytes(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, b)
}

func TestDelete(t *testing.T) {
	fs := testFs(t)

	res, err := fs.Put(context.Background(), bytes.NewReader([]byte("doomed")))
	require.NoError(t, err)

	require.NoError(t, fs.Delete(context.Background(), res.Key))

	has, err := fs.Has(context.Background(), res.Key)
	require.NoError(t, err)
	assert.False(t, has)

	// the cache must not resurrect deleted blobs
	_, err = fs.GetBytes(context.Background(), res.Key)
	require.ErrorIs(t, err, status.ErrNotFound)
}

func TestKeysIgnoresForeignObjects(t *testing.T) {
	backend := testBackend(t)
	fs, err := New(Backend(backend))
	require.NoError(t, err)

	_, err = fs.Put(context.Background(), bytes.NewReader([]byte("legit")))
	require.NoError(t, err)
	require.NoError(t, backend.Put(context.Background(), "blobs/README", bytes.NewReader([]byte("not a blob"))))

	keys, err := fs.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestHashReaderMatchesPut(t *testing.T) {
	fs := testFs(t)
	payload := bytes.Repeat([]byte("stream"), 1000)

	streamed, n, err := HashReader(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)
	assert.Equal(t, HashBytes(payload), streamed)

	res, err := fs.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, streamed, res.Key)
}

func TestCustomPather(t *testing.T) {
	backend := testBackend(t)
	fs, err := New(
		Backend(backend),
		Pather(func(k Key) string { return "flat/" + k.String() }),
		CacheEntries(4),
	)
	require.NoError(t, err)

	payload := []byte("flat layout")
	res, err := fs.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)

	// the object lands under the custom path, unsharded
	has, err := backend.Has(context.Background(), "flat/"+res.Key.String())
	require.NoError(t, err)
	assert.True(t, has)

	// a cached read survives the object vanishing behind the store's back
	b, err := fs.GetBytes(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, payload, b)
	require.NoError(t, backend.Delete(context.Background(), "flat/"+res.Key.String()))
	b, err = fs.GetBytes(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, payload, b)
}

func TestKeyStringRoundTrip(t *testing.T) {
	k := HashBytes([]byte("addressable"))
	parsed, err := KeyFromString(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = KeyFromString("abc")
	var bad *BadKeySize
	require.ErrorAs(t, err, &bad)

	assert.Equal(t, k, MustNewKey(k[:]))
	assert.Panics(t, func() { MustNewKey([]byte{1, 2}) })
}
