package core

import (
	"bytes"
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tensorvault/tensorvault/pkg/model"
	"github.com/tensorvault/tensorvault/pkg/safetensors"
)

// ManifestPathFor is the manifest file tracking a given container
func ManifestPathFor(sourcePath string) string {
	return sourcePath + model.ManifestSuffix
}

// Archive decomposes a container file, stores each tensor's bytes in the
// blob store, and writes the manifest next to the source.
//
// Per-tensor hashing and blob writes proceed in parallel; the manifest is
// only published after every tensor succeeded, so a failed or aborted run
// leaves at most orphaned blobs for GC, never a manifest referencing
// missing content.
func (e *Engine) Archive(ctx context.Context, sourcePath string) (*model.Manifest, error) {
	f, err := safetensors.Open(sourcePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	// refuse containers whose header cannot be re-emitted byte for byte:
	// archiving them would silently lose round-trip identity
	if err := f.Reproducible(); err != nil {
		return nil, errors.Wrapf(err, "archiving %s", sourcePath)
	}

	tensors := f.Tensors()
	m := model.NewManifest()
	m.TotalSize = f.TotalSize()
	m.HeaderSize = f.HeaderSize()
	m.Metadata = f.Metadata()

	descriptors := make([]model.TensorDescriptor, len(tensors))
	err = parallelDo(ctx, e.concurrency, len(tensors), func(i int) error {
		tensor := tensors[i]
		res, err := e.blobs.Put(ctx, bytes.NewReader(f.Data(tensor)))
		if err != nil {
			return errors.Wrapf(err, "archiving tensor %q", tensor.Name)
		}
		e.l.Debug("tensor archived",
			zap.String("tensor", tensor.Name),
			zap.Stringer("key", res.Key),
			zap.Bool("deduplicated", res.Found))
		descriptors[i] = model.TensorDescriptor{
			Shape:   tensor.Shape,
			DType:   tensor.DType,
			Offsets: tensor.Offsets,
			Hash:    res.Key,
			Index:   tensor.Index,
			Extra:   tensor.Extra,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, tensor := range tensors {
		m.Tensors[tensor.Name] = descriptors[i]
	}

	if err := e.writeManifest(m, ManifestPathFor(sourcePath)); err != nil {
		return nil, err
	}
	e.l.Info("archived",
		zap.String("source", sourcePath),
		zap.Int("tensors", len(tensors)),
		zap.Uint64("bytes", m.TotalSize))
	return m, nil
}

// writeManifest publishes a manifest atomically: staged in the target
// directory, renamed into place on success.
func (e *Engine) writeManifest(m *model.Manifest, path string) error {
	buf, err := m.Marshal()
	if err != nil {
		return err
	}
	return e.atomicWriteFile(path, buf)
}

func (e *Engine) atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(e.fs, dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrapf(err, "staging %s", path)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err = tmp.Close(); err != nil {
		_ = e.fs.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err = e.fs.Rename(tmpName, path); err != nil {
		_ = e.fs.Remove(tmpName)
		return errors.Wrapf(err, "publishing %s", path)
	}
	return nil
}

// LoadManifest reads and validates a manifest file
func (e *Engine) LoadManifest(path string) (*model.Manifest, error) {
	buf, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	return model.UnmarshalManifest(buf)
}
