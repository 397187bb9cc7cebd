package model

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tensorvault/tensorvault/pkg/cas"
)

const (
	// CurrentManifestVersion is the schema version written by this release
	CurrentManifestVersion = "1.0"

	// ManifestSuffix is the file name suffix of manifests tracked in a
	// repository working tree
	ManifestSuffix = ".tvm.json"
)

// ErrSchema indicates a manifest whose schema version this release does
// not understand.
var ErrSchema = errors.New("unsupported manifest schema version")

// TensorDescriptor carries the metadata of one named tensor: its logical
// type and shape, its original placement in the container data section,
// and the content key of its bytes.
type TensorDescriptor struct {
	Shape []uint64 `json:"shape" yaml:"shape"`
	DType DType    `json:"dtype" yaml:"dtype"`
	// Offsets is the [begin, end) byte range in the source data section
	Offsets [2]uint64 `json:"offsets" yaml:"offsets"`
	Hash    cas.Key   `json:"hash" yaml:"hash"`
	// Index records the tensor's position in the source file so the
	// container can be reconstructed byte-exact
	Index uint32 `json:"index" yaml:"index"`
	// Extra carries unrecognized header fields of this tensor verbatim, as
	// a compact JSON object in original field order
	Extra json.RawMessage `json:"extra,omitempty" yaml:"extra,omitempty"`
	_     struct{}
}

// ByteLength is the size in bytes of the tensor payload
func (t TensorDescriptor) ByteLength() uint64 {
	return t.Offsets[1] - t.Offsets[0]
}

// ElementCount is the number of elements described by the shape
func (t TensorDescriptor) ElementCount() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Manifest is the durable description of one model version: ordered
// tensor metadata plus content key references, no raw bytes. A manifest
// is immutable once written; archiving again produces a new one.
//
// Serialization is deterministic: tensors are a JSON object whose keys
// are emitted in lexicographic order, with the original file order
// retained per descriptor in Index.
type Manifest struct {
	Version   string            `json:"version" yaml:"version"`
	TotalSize uint64            `json:"totalSize" yaml:"totalSize"`
	// HeaderSize is the byte length of the source container header JSON,
	// including any trailing padding, used for byte-exact reconstruction
	HeaderSize uint64                      `json:"headerSize,omitempty" yaml:"headerSize,omitempty"`
	Metadata   map[string]string           `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Tensors    map[string]TensorDescriptor `json:"tensors" yaml:"tensors"`
	_          struct{}
}

// NewManifest builds an empty manifest at the current schema version
func NewManifest() *Manifest {
	return &Manifest{
		Version: CurrentManifestVersion,
		Tensors: make(map[string]TensorDescriptor),
	}
}

// Marshal serializes the manifest deterministically
func (m *Manifest) Marshal() ([]byte, error) {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "serializing manifest")
	}
	return append(buf, '\n'), nil
}

// UnmarshalManifest parses and validates a manifest document. Unknown
// fields are tolerated, unknown schema major versions are not.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parsing manifest")
	}
	if major(m.Version) != major(CurrentManifestVersion) {
		return nil, errors.Wrapf(ErrSchema, "version %q", m.Version)
	}
	for name, tensor := range m.Tensors {
		expected, ok := ShapeBytes(tensor.Shape, tensor.DType)
		if !ok {
			return nil, errors.Errorf(
				"manifest tensor %q: shape %v overflows the addressable size", name, tensor.Shape)
		}
		if expected != tensor.ByteLength() {
			return nil, errors.Errorf(
				"manifest tensor %q: shape %v of dtype %s implies %d bytes, descriptor spans %d",
				name, tensor.Shape, tensor.DType, expected, tensor.ByteLength())
		}
		if len(tensor.Extra) > 0 {
			// indentation picked up from the serialized document must not
			// leak into the re-emitted container header
			var compact bytes.Buffer
			if err := json.Compact(&compact, tensor.Extra); err != nil {
				return nil, errors.Wrapf(err, "manifest tensor %q: extra fields", name)
			}
			tensor.Extra = append(json.RawMessage(nil), compact.Bytes()...)
			m.Tensors[name] = tensor
		}
	}
	return &m, nil
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}

// OrderedNames returns tensor names in original file order
func (m *Manifest) OrderedNames() []string {
	names := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.Tensors[names[i]].Index < m.Tensors[names[j]].Index
	})
	return names
}

// SortedNames returns tensor names in lexicographic order
func (m *Manifest) SortedNames() []string {
	names := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReferencedKeys returns the set of blob keys this manifest reaches
func (m *Manifest) ReferencedKeys() map[cas.Key]struct{} {
	keys := make(map[cas.Key]struct{}, len(m.Tensors))
	for _, tensor := range m.Tensors {
		keys[tensor.Hash] = struct{}{}
	}
	return keys
}
