package storage

import (
	"context"
	"io"
)

// Store implementations know how to persist opaque byte objects under
// string keys. Typically something file system-like: the local object
// directory, an S3 bucket, an in-memory filesystem for tests.
//
// Implementations are assumed to be simple: no transactions, no
// multi-object atomicity. Atomic visibility of a single Put is the only
// guarantee callers rely on, and only backends constructed for it
// (localfs.NewAtomic) provide that.
type Store interface {
	String() string
	Has(context.Context, string) (bool, error)
	Get(context.Context, string) (io.ReadCloser, error)
	Put(context.Context, string, io.Reader) error
	Delete(context.Context, string) error
	Keys(context.Context) ([]string, error)
	KeysPrefix(ctx context.Context, prefix string) ([]string, error)
	Clear(context.Context) error
}

// PipeIO copies reader to writer with a fixed intermediate buffer.
func PipeIO(writer io.Writer, reader io.Reader) (n int64, err error) {
	buf := make([]byte, 32*1024)
	return io.CopyBuffer(writer, reader, buf)
}
