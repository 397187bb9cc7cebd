package cas

import (
	"go.uber.org/zap"

	"github.com/tensorvault/tensorvault/pkg/storage"
)

// Option to configure the content addressable store
type Option func(*defaultFs)

// Backend specifies the backend store
func Backend(store storage.Store) Option {
	return func(f *defaultFs) {
		f.store = store
	}
}

// Prefix sets the key namespace blobs live under (default "blobs/")
func Prefix(prefix string) Option {
	return func(f *defaultFs) {
		f.prefix = prefix
	}
}

// Pather overrides the key to backend path mapping
func Pather(pather func(Key) string) Option {
	return func(f *defaultFs) {
		f.pather = pather
	}
}

// Compression enables zstd compression of stored payloads. Content keys
// are unaffected: they always hash the uncompressed bytes.
func Compression(enabled bool) Option {
	return func(f *defaultFs) {
		f.compress = enabled
	}
}

// VerifyOnRead re-hashes blob bytes on Get and fails reads whose digest
// does not match the key
func VerifyOnRead(enabled bool) Option {
	return func(f *defaultFs) {
		f.verifyOnRead = enabled
	}
}

// CacheEntries sets the capacity of the read-through blob cache
func CacheEntries(n int) Option {
	return func(f *defaultFs) {
		if n > 0 {
			f.cacheEntries = n
		}
	}
}

// Logger sets a logger for this store
func Logger(l *zap.Logger) Option {
	return func(f *defaultFs) {
		if l != nil {
			f.l = l
		}
	}
}
