// Package core orchestrates the engine operations: archiving a container
// into content-addressed blobs plus a manifest, restoring containers from
// manifests, diffing manifests, collecting unreferenced blobs and
// synchronizing with remote stores.
package core

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tensorvault/tensorvault/pkg/cas"
	"github.com/tensorvault/tensorvault/pkg/model"
	"github.com/tensorvault/tensorvault/pkg/storage"
)

// Engine ties a content-addressed blob store to a repository working
// tree. All operations hang off it.
type Engine struct {
	backend     storage.Store
	blobs       cas.Fs
	fs          afero.Fs
	repoRoot    string
	concurrency int
	l           *zap.Logger
	casOpts     []cas.Option
}

// Option configures an Engine
type Option func(*Engine)

// Backend sets the storage backend holding blob objects
func Backend(store storage.Store) Option {
	return func(e *Engine) {
		e.backend = store
	}
}

// WorkingFS sets the file system used for manifests and restored output
func WorkingFS(fs afero.Fs) Option {
	return func(e *Engine) {
		e.fs = fs
	}
}

// RepoRoot sets the directory manifests are discovered under
func RepoRoot(root string) Option {
	return func(e *Engine) {
		e.repoRoot = root
	}
}

// Concurrency bounds the worker pool processing per-tensor units
func Concurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// Logger sets the logger for engine operations
func Logger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.l = l
		}
	}
}

// CASOptions forwards options to the content-addressed store, such as
// compression or read verification.
func CASOptions(opts ...cas.Option) Option {
	return func(e *Engine) {
		e.casOpts = append(e.casOpts, opts...)
	}
}

// New creates an engine on a backend store
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		fs:          afero.NewOsFs(),
		repoRoot:    ".",
		concurrency: 2 * runtime.NumCPU(),
		l:           zap.NewNop(),
	}
	for _, apply := range opts {
		apply(e)
	}
	if e.backend == nil {
		return nil, errors.New("core: a backend store is required")
	}
	blobs, err := cas.New(append([]cas.Option{
		cas.Backend(e.backend),
		cas.Prefix(model.BlobNamespace),
		cas.Logger(e.l),
	}, e.casOpts...)...)
	if err != nil {
		return nil, err
	}
	e.blobs = blobs
	return e, nil
}

// Blobs exposes the underlying content-addressed store
func (e *Engine) Blobs() cas.Fs {
	return e.blobs
}
