// Package cas implements a content-addressable blob store on top of a
// storage.Store backend.
//
// Every blob is keyed by the blake3 hash of its uncompressed bytes, so a
// store never holds two copies of the same content and a key fully
// identifies what it points to. Writes are staged and atomically published
// by the backend: concurrent puts of the same content race benignly, the
// losers degenerate into no-ops.
//
// Blobs are framed with a one-byte prefix recording whether the payload is
// stored raw or zstd-compressed. The content key always refers to the raw
// bytes, so identical tensors deduplicate regardless of the compression
// setting at archive time.
package cas

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tensorvault/tensorvault/pkg/storage"
	"github.com/tensorvault/tensorvault/pkg/storage/status"
)

const (
	flagRaw  byte = 0
	flagZstd byte = 1

	// DefaultCacheEntries is the default capacity of the read-through blob cache
	DefaultCacheEntries = 128

	// maxCacheableBlob bounds the size of blobs kept in the read cache
	maxCacheableBlob = 8 * 1024 * 1024
)

// PutRes holds the result from a Put operation
type PutRes struct {
	Key     Key   // content key of the written blob
	Written int64 // uncompressed payload size
	Found   bool  // the blob was already present and no write occurred
}

// Fs implementations provide content-addressable blob operations
type Fs interface {
	// Put stores the content of src under its blake3 key. When the blob is
	// already present no write occurs and Found is set on the result.
	Put(ctx context.Context, src io.Reader) (PutRes, error)

	// Get returns a streaming reader on the uncompressed blob bytes
	Get(ctx context.Context, key Key) (io.ReadCloser, error)

	// GetBytes returns the uncompressed blob bytes, served from the
	// read-through cache when possible
	GetBytes(ctx context.Context, key Key) ([]byte, error)

	// Has tells whether a blob is present
	Has(ctx context.Context, key Key) (bool, error)

	// Keys enumerates all blobs in the store
	Keys(ctx context.Context) ([]Key, error)

	// Delete removes a blob. The caller is responsible for making sure no
	// manifest still references it.
	Delete(ctx context.Context, key Key) error
}

// HashMismatchError reports a blob whose stored bytes do not hash back to
// its key.
type HashMismatchError struct {
	Expected Key
	Actual   Key
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// New creates a content-addressable store on a backend
func New(opts ...Option) (Fs, error) {
	f := &defaultFs{
		prefix:       "blobs/",
		cacheEntries: DefaultCacheEntries,
		l:            zap.NewNop(),
	}
	for _, apply := range opts {
		apply(f)
	}
	if f.store == nil {
		return nil, errors.New("cas: a backend store is required")
	}
	if f.pather == nil {
		f.pather = ShardedPather(f.prefix)
	}
	cache, err := lru.New(f.cacheEntries)
	if err != nil {
		return nil, err
	}
	f.cache = cache
	return f, nil
}

type defaultFs struct {
	store        storage.Store
	prefix       string
	pather       func(Key) string
	compress     bool
	verifyOnRead bool
	cacheEntries int
	cache        *lru.Cache
	l            *zap.Logger
}

// ShardedPather maps a key to a backend path sharded by hash prefix, so
// one directory never holds the whole store. Local and remote stores use
// the same mapping, which lets synchronization copy objects path for path.
func ShardedPather(prefix string) func(Key) string {
	return func(k Key) string {
		s := k.String()
		return prefix + path.Join(s[:2], s[2:4], s[4:])
	}
}

func (d *defaultFs) keyFromPath(p string) (Key, bool) {
	s := strings.TrimPrefix(p, d.prefix)
	s = strings.ReplaceAll(s, "/", "")
	k, err := KeyFromString(s)
	if err != nil {
		return Key{}, false
	}
	return k, true
}

func (d *defaultFs) Put(ctx context.Context, src io.Reader) (PutRes, error) {
	sp := newSpool()
	defer sp.cleanup()

	key, written, err := sp.fill(src)
	if err != nil {
		return PutRes{}, errors.Wrap(err, "cas: staging blob")
	}

	dest := d.pather(key)
	has, err := d.store.Has(ctx, dest)
	if err != nil {
		return PutRes{}, errors.Wrapf(err, "cas: checking %s", key)
	}
	if has {
		// the deduplication point: same content, no second write
		d.l.Debug("blob already present", zap.Stringer("key", key))
		return PutRes{Key: key, Written: written, Found: true}, nil
	}

	payload, err := sp.frame(d.compress)
	if err != nil {
		return PutRes{}, errors.Wrapf(err, "cas: framing %s", key)
	}
	defer payload.Close()

	if err := d.store.Put(ctx, dest, payload); err != nil {
		return PutRes{}, errors.Wrapf(err, "cas: writing %s", key)
	}
	d.l.Debug("blob written", zap.Stringer("key", key), zap.Int64("bytes", written))
	return PutRes{Key: key, Written: written}, nil
}

func (d *defaultFs) Get(ctx context.Context, key Key) (io.ReadCloser, error) {
	rdr, err := d.store.Get(ctx, d.pather(key))
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, errors.Wrapf(status.ErrNotFound, "cas: blob %s", key)
		}
		return nil, err
	}
	unframed, err := unframe(rdr)
	if err != nil {
		_ = rdr.Close()
		return nil, errors.Wrapf(err, "cas: reading %s", key)
	}
	if d.verifyOnRead {
		return newVerifyReader(unframed, key), nil
	}
	return unframed, nil
}

func (d *defaultFs) GetBytes(ctx context.Context, key Key) ([]byte, error) {
	if b, ok := d.cache.Get(key); ok {
		return b.([]byte), nil
	}
	rdr, err := d.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(rdr)
	if cerr := rdr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if len(b) <= maxCacheableBlob {
		d.cache.Add(key, b)
	}
	return b, nil
}

func (d *defaultFs) Has(ctx context.Context, key Key) (bool, error) {
	return d.store.Has(ctx, d.pather(key))
}

func (d *defaultFs) Keys(ctx context.Context) ([]Key, error) {
	paths, err := d.store.KeysPrefix(ctx, d.prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(paths))
	for _, p := range paths {
		k, ok := d.keyFromPath(p)
		if !ok {
			d.l.Warn("skipping foreign object in blob namespace", zap.String("path", p))
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (d *defaultFs) Delete(ctx context.Context, key Key) error {
	d.cache.Remove(key)
	return d.store.Delete(ctx, d.pather(key))
}

// unframe strips the one-byte storage flag and returns a reader on the
// uncompressed payload.
func unframe(rdr io.ReadCloser) (io.ReadCloser, error) {
	var flag [1]byte
	if _, err := io.ReadFull(rdr, flag[:]); err != nil {
		return nil, errors.Wrap(err, "truncated blob framing")
	}
	switch flag[0] {
	case flagRaw:
		return rdr, nil
	case flagZstd:
		dec, err := zstd.NewReader(rdr)
		if err != nil {
			return nil, err
		}
		return &zstdReadCloser{Decoder: dec, inner: rdr}, nil
	default:
		return nil, errors.Errorf("unknown blob framing flag %d", flag[0])
	}
}

type zstdReadCloser struct {
	*zstd.Decoder
	inner io.ReadCloser
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.Decoder.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.inner.Close()
}

// verifyReader re-hashes the bytes served to the caller and fails the
// final read with a HashMismatchError when the digest differs from the key.
type verifyReader struct {
	inner    io.ReadCloser
	tee      io.Reader
	expected Key
	hashed   *teeHasher
}

func newVerifyReader(inner io.ReadCloser, expected Key) io.ReadCloser {
	th := newTeeHasher()
	return &verifyReader{
		inner:    inner,
		tee:      io.TeeReader(inner, th),
		expected: expected,
		hashed:   th,
	}
}

func (v *verifyReader) Read(p []byte) (int, error) {
	n, err := v.tee.Read(p)
	if err == io.EOF {
		if actual := v.hashed.Sum(); actual != v.expected {
			return n, &HashMismatchError{Expected: v.expected, Actual: actual}
		}
	}
	return n, err
}

func (v *verifyReader) Close() error {
	return v.inner.Close()
}

// compressFrame encodes a raw payload into its framed storage form,
// keeping compression only when it actually shrinks the payload.
func compressFrame(raw []byte, compress bool) []byte {
	if compress {
		compressed := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
		if len(compressed) < len(raw) {
			return append([]byte{flagZstd}, compressed...)
		}
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, flagRaw)
	return append(out, raw...)
}
