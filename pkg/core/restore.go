package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tensorvault/tensorvault/pkg/cas"
	"github.com/tensorvault/tensorvault/pkg/model"
	"github.com/tensorvault/tensorvault/pkg/safetensors"
	"github.com/tensorvault/tensorvault/pkg/storage/status"
)

// MissingBlobError reports a tensor whose content is absent from the
// blob store.
type MissingBlobError struct {
	TensorName string
	Hash       cas.Key
}

func (e *MissingBlobError) Error() string {
	return fmt.Sprintf("missing blob for tensor %q: %s", e.TensorName, e.Hash)
}

// Restore rebuilds a container file from a manifest. An empty filter
// restores the full container byte-exact; a glob filter produces a
// standalone container holding only the matching tensors, with offsets
// recomputed for the reduced set.
//
// The output is staged and renamed into place only on full success: a
// failed restore never leaves a partial file at outputPath.
func (e *Engine) Restore(ctx context.Context, manifestPath, outputPath, filter string) error {
	m, err := e.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	names, err := filterNames(m, filter)
	if err != nil {
		return err
	}
	// a container with no tensors at all is valid and restores to its
	// bare header; an empty set is only an error under an explicit filter
	if len(names) == 0 && filter != "" {
		return errors.Errorf("no tensors match filter %q", filter)
	}

	if err := e.prefetch(ctx, m, names); err != nil {
		return err
	}

	resolve := func(k cas.Key) ([]byte, error) {
		b, err := e.blobs.GetBytes(ctx, k)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	// stage in the output directory so the final rename stays on one
	// file system
	tmp, err := afero.TempFile(e.fs, filepath.Dir(outputPath), ".restore-tmp-")
	if err != nil {
		return errors.Wrap(err, "staging restore output")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
	}

	if len(names) == len(m.Tensors) && filter == "" {
		err = safetensors.Reconstruct(m, resolve, tmp)
	} else {
		err = safetensors.ReconstructSubset(m, names, resolve, tmp)
	}
	if err != nil {
		cleanup()
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = e.fs.Remove(tmpName)
		return errors.Wrap(err, "finishing restore output")
	}
	if err = e.fs.Rename(tmpName, outputPath); err != nil {
		_ = e.fs.Remove(tmpName)
		return errors.Wrapf(err, "publishing %s", outputPath)
	}
	e.l.Info("restored",
		zap.String("manifest", manifestPath),
		zap.String("output", outputPath),
		zap.Int("tensors", len(names)))
	return nil
}

// filterNames returns the tensor names retained by a glob filter, in
// original file order.
func filterNames(m *model.Manifest, filter string) ([]string, error) {
	names := m.OrderedNames()
	if filter == "" {
		return names, nil
	}
	matcher, err := glob.Compile(filter)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid filter %q", filter)
	}
	matched := names[:0]
	for _, name := range names {
		if matcher.Match(name) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// prefetch resolves the distinct blobs of the retained tensors in
// parallel, surfacing any missing blob as a MissingBlobError before the
// output file is even staged.
func (e *Engine) prefetch(ctx context.Context, m *model.Manifest, names []string) error {
	distinct := make(map[cas.Key]string, len(names))
	for _, name := range names {
		desc := m.Tensors[name]
		if _, ok := distinct[desc.Hash]; !ok {
			distinct[desc.Hash] = name
		}
	}
	keys := make([]cas.Key, 0, len(distinct))
	for k := range distinct {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	return parallelDo(ctx, e.concurrency, len(keys), func(i int) error {
		key := keys[i]
		has, err := e.blobs.Has(ctx, key)
		if err != nil {
			return err
		}
		if !has {
			return &MissingBlobError{TensorName: distinct[key], Hash: key}
		}
		if _, err := e.blobs.GetBytes(ctx, key); err != nil {
			if errors.Is(err, status.ErrNotFound) {
				return &MissingBlobError{TensorName: distinct[key], Hash: key}
			}
			return err
		}
		return nil
	})
}
