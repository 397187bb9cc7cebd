package core

import (
	"sort"

	"github.com/tensorvault/tensorvault/pkg/cas"
	"github.com/tensorvault/tensorvault/pkg/model"
)

// DiffKind classifies one tensor's change between two manifests
type DiffKind int

const (
	// Unchanged means the tensor is present in both with equal content keys
	Unchanged DiffKind = iota
	// Added means the tensor only exists in the new manifest
	Added
	// Removed means the tensor only exists in the old manifest
	Removed
	// Changed means the tensor exists in both with differing content keys
	Changed
)

func (k DiffKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

// TensorDelta is the diff of one tensor name. Old and New point into the
// compared manifests and are nil for the side the tensor is absent from.
type TensorDelta struct {
	Name string
	Kind DiffKind
	Old  *model.TensorDescriptor
	New  *model.TensorDescriptor
}

// StorageSavings summarizes blob sharing between two manifests
type StorageSavings struct {
	TensorsOld  int
	TensorsNew  int
	UniqueOld   int
	UniqueNew   int
	SharedBlobs int
	// DedupRatio is total tensor references over distinct blobs: 1.0
	// means no sharing at all
	DedupRatio float64
}

// DiffResult is the full comparison of two manifests
type DiffResult struct {
	// Deltas are ordered lexicographically by tensor name
	Deltas     []TensorDelta
	SizeChange int64
	Savings    StorageSavings
}

// Counts tallies deltas by kind
func (r DiffResult) Counts() (added, removed, changed, unchanged int) {
	for _, d := range r.Deltas {
		switch d.Kind {
		case Added:
			added++
		case Removed:
			removed++
		case Changed:
			changed++
		default:
			unchanged++
		}
	}
	return
}

// Diff compares two manifests tensor by tensor on content-key equality.
// It is a pure function: no blob access, no I/O, deterministic output
// ordering.
func Diff(oldM, newM *model.Manifest) DiffResult {
	names := make(map[string]struct{}, len(oldM.Tensors)+len(newM.Tensors))
	for name := range oldM.Tensors {
		names[name] = struct{}{}
	}
	for name := range newM.Tensors {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	deltas := make([]TensorDelta, 0, len(ordered))
	for _, name := range ordered {
		oldDesc, inOld := oldM.Tensors[name]
		newDesc, inNew := newM.Tensors[name]
		delta := TensorDelta{Name: name}
		switch {
		case !inOld:
			delta.Kind = Added
			delta.New = &newDesc
		case !inNew:
			delta.Kind = Removed
			delta.Old = &oldDesc
		case oldDesc.Hash != newDesc.Hash:
			delta.Kind = Changed
			delta.Old = &oldDesc
			delta.New = &newDesc
		default:
			delta.Kind = Unchanged
			delta.Old = &oldDesc
			delta.New = &newDesc
		}
		deltas = append(deltas, delta)
	}

	return DiffResult{
		Deltas:     deltas,
		SizeChange: int64(newM.TotalSize) - int64(oldM.TotalSize),
		Savings:    storageSavings(oldM, newM),
	}
}

func storageSavings(oldM, newM *model.Manifest) StorageSavings {
	oldKeys := oldM.ReferencedKeys()
	newKeys := newM.ReferencedKeys()

	shared := 0
	union := make(map[cas.Key]struct{}, len(oldKeys)+len(newKeys))
	for k := range oldKeys {
		union[k] = struct{}{}
	}
	for k := range newKeys {
		union[k] = struct{}{}
		if _, ok := oldKeys[k]; ok {
			shared++
		}
	}

	ratio := 1.0
	if len(union) > 0 {
		ratio = float64(len(oldM.Tensors)+len(newM.Tensors)) / float64(len(union))
	}
	return StorageSavings{
		TensorsOld:  len(oldM.Tensors),
		TensorsNew:  len(newM.Tensors),
		UniqueOld:   len(oldKeys),
		UniqueNew:   len(newKeys),
		SharedBlobs: shared,
		DedupRatio:  ratio,
	}
}
