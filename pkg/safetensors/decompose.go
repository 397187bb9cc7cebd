// Package safetensors decomposes and reconstructs tensor containers in
// the safetensors binary layout: an 8-byte little-endian header length,
// a JSON index mapping tensor names to {dtype, shape, data_offsets},
// then a contiguous data section.
//
// Decomposition memory-maps the container and yields descriptors whose
// byte ranges point into the mapping: tensor data is never copied until
// a caller slices it.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sort"
	"unicode/utf8"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/tensorvault/tensorvault/pkg/model"
)

// ErrParse indicates a malformed container: truncated prefix, invalid
// header JSON, or tensor ranges inconsistent with the file.
var ErrParse = errors.New("invalid safetensors container")

// headerSizeLimit guards against garbage length prefixes causing giant
// allocations (100 MB of header JSON is beyond any real model).
const headerSizeLimit = 100 * 1024 * 1024

// metadataKey is the reserved header key carrying free-form string pairs.
const metadataKey = "__metadata__"

// Tensor describes one named tensor of an opened container. Offsets are
// relative to the data section.
type Tensor struct {
	Name    string
	DType   model.DType
	Shape   []uint64
	Offsets [2]uint64
	Index   uint32
	// Extra holds unrecognized header fields of this entry as a compact
	// JSON object in their original order, so they survive a round trip.
	Extra json.RawMessage
}

// ByteLength is the size of the tensor payload in bytes
func (t Tensor) ByteLength() uint64 {
	return t.Offsets[1] - t.Offsets[0]
}

// File is a decomposed container. The tensor data remains backed by the
// memory mapping until Close.
type File struct {
	tensors    []Tensor
	metadata   map[string]string
	headerSize uint64
	totalSize  uint64
	headerJSON []byte
	data       []byte
	mm         mmap.MMap
	f          *os.File
}

// Open memory-maps a container file and parses its header
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() < 8 {
		_ = f.Close()
		return nil, errors.Wrap(ErrParse, "file too small to hold a header length")
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "mapping %s", path)
	}
	parsed, err := Parse(mm)
	if err != nil {
		_ = mm.Unmap()
		_ = f.Close()
		return nil, err
	}
	parsed.mm = mm
	parsed.f = f
	return parsed, nil
}

// Parse decomposes an in-memory container buffer
func Parse(buf []byte) (*File, error) {
	if len(buf) < 8 {
		return nil, errors.Wrap(ErrParse, "file too small to hold a header length")
	}
	headerLen := binary.LittleEndian.Uint64(buf[:8])
	if headerLen > headerSizeLimit {
		return nil, errors.Wrapf(ErrParse, "header length %d exceeds limit", headerLen)
	}
	if 8+headerLen > uint64(len(buf)) {
		return nil, errors.Wrapf(ErrParse, "header length %d exceeds file size %d", headerLen, len(buf))
	}
	headerJSON := buf[8 : 8+headerLen]
	if !utf8.Valid(headerJSON) {
		return nil, errors.Wrap(ErrParse, "header is not valid UTF-8")
	}

	data := buf[8+headerLen:]
	tensors, metadata, err := parseHeader(headerJSON)
	if err != nil {
		return nil, err
	}
	if err := validateRanges(tensors, uint64(len(data))); err != nil {
		return nil, err
	}
	return &File{
		tensors:    tensors,
		metadata:   metadata,
		headerSize: headerLen,
		totalSize:  uint64(len(buf)),
		headerJSON: headerJSON,
		data:       data,
	}, nil
}

// rawTensorMeta mirrors one header entry on the wire
type rawTensorMeta struct {
	DType       string    `json:"dtype"`
	Shape       []uint64  `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// parseHeader walks the JSON index token by token so the literal key
// order is retained: that order is the tensors' storage order and must
// survive into the manifest for byte-exact reconstruction.
func parseHeader(headerJSON []byte) ([]Tensor, map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(headerJSON))

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, errors.Wrapf(ErrParse, "header JSON: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, errors.Wrap(ErrParse, "header is not a JSON object")
	}

	var (
		tensors  []Tensor
		metadata map[string]string
		index    uint32
	)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, errors.Wrapf(ErrParse, "header JSON: %v", err)
		}
		name := keyTok.(string)

		if name == metadataKey {
			if err := dec.Decode(&metadata); err != nil {
				return nil, nil, errors.Wrapf(ErrParse, "header metadata: %v", err)
			}
			continue
		}

		var entry json.RawMessage
		if err := dec.Decode(&entry); err != nil {
			return nil, nil, errors.Wrapf(ErrParse, "header entry %q: %v", name, err)
		}
		var raw rawTensorMeta
		if err := json.Unmarshal(entry, &raw); err != nil {
			return nil, nil, errors.Wrapf(ErrParse, "header entry %q: %v", name, err)
		}
		extra, err := extraFields(entry)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrParse, "header entry %q: %v", name, err)
		}
		if err := model.ValidateTensorName(name); err != nil {
			return nil, nil, errors.Wrapf(ErrParse, "%v", err)
		}
		dt, err := model.ParseDType(raw.DType)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrParse, "tensor %q: %v", name, err)
		}
		tensors = append(tensors, Tensor{
			Name:    name,
			DType:   dt,
			Shape:   raw.Shape,
			Offsets: raw.DataOffsets,
			Index:   index,
			Extra:   extra,
		})
		index++
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, nil, errors.Wrapf(ErrParse, "header JSON: %v", err)
	}
	return tensors, metadata, nil
}

// extraFields collects the unrecognized fields of one header entry into a
// compact JSON object preserving their original order. Returns nil when
// the entry carries only the standard fields.
func extraFields(entry json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(entry))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := keyTok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		switch key {
		case "dtype", "shape", "data_offsets":
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(key)
		buf.Write(name)
		buf.WriteByte(':')
		// compacted so the in-memory form matches the serialized manifest
		if err := json.Compact(&buf, val); err != nil {
			return nil, err
		}
	}
	if buf.Len() == 0 {
		return nil, nil
	}
	return json.RawMessage("{" + buf.String() + "}"), nil
}

func validateRanges(tensors []Tensor, dataLen uint64) error {
	seen := make(map[string]struct{}, len(tensors))
	for _, t := range tensors {
		if _, dup := seen[t.Name]; dup {
			return errors.Wrapf(ErrParse, "duplicate tensor name %q", t.Name)
		}
		seen[t.Name] = struct{}{}

		begin, end := t.Offsets[0], t.Offsets[1]
		if begin > end {
			return errors.Wrapf(ErrParse, "tensor %q: inverted data offsets [%d, %d)", t.Name, begin, end)
		}
		if end > dataLen {
			return errors.Wrapf(ErrParse,
				"tensor %q: ends at byte %d, but the data section holds only %d bytes", t.Name, end, dataLen)
		}
		expected, ok := model.ShapeBytes(t.Shape, t.DType)
		if !ok {
			return errors.Wrapf(ErrParse, "tensor %q: shape %v overflows the addressable size", t.Name, t.Shape)
		}
		if expected != end-begin {
			return errors.Wrapf(ErrParse,
				"tensor %q: shape %v of dtype %s implies %d bytes, data offsets span %d",
				t.Name, t.Shape, t.DType, expected, end-begin)
		}
	}

	// the format forbids partially overlapping ranges; tensors aliasing
	// the exact same range (shared weights) are allowed
	byOffset := make([]Tensor, len(tensors))
	copy(byOffset, tensors)
	sort.Slice(byOffset, func(i, j int) bool {
		if byOffset[i].Offsets[0] != byOffset[j].Offsets[0] {
			return byOffset[i].Offsets[0] < byOffset[j].Offsets[0]
		}
		return byOffset[i].Offsets[1] < byOffset[j].Offsets[1]
	})
	for i := 1; i < len(byOffset); i++ {
		prev, cur := byOffset[i-1], byOffset[i]
		if cur.Offsets == prev.Offsets {
			continue
		}
		if cur.Offsets[0] < prev.Offsets[1] {
			return errors.Wrapf(ErrParse,
				"tensors %q and %q have overlapping data ranges", prev.Name, cur.Name)
		}
	}
	return nil
}

// Tensors returns descriptors in storage order
func (f *File) Tensors() []Tensor {
	return f.tensors
}

// Metadata returns the container's free-form metadata, if any
func (f *File) Metadata() map[string]string {
	return f.metadata
}

// HeaderSize is the byte length of the header JSON, excluding the prefix
func (f *File) HeaderSize() uint64 {
	return f.headerSize
}

// TotalSize is the byte length of the whole container
func (f *File) TotalSize() uint64 {
	return f.totalSize
}

// Data returns the byte range of one tensor. The slice aliases the
// memory mapping and is only valid until Close.
func (f *File) Data(t Tensor) []byte {
	return f.data[t.Offsets[0]:t.Offsets[1]]
}

// Close releases the memory mapping
func (f *File) Close() error {
	if f.mm != nil {
		if err := f.mm.Unmap(); err != nil {
			_ = f.f.Close()
			return err
		}
		f.mm = nil
	}
	if f.f != nil {
		err := f.f.Close()
		f.f = nil
		return err
	}
	return nil
}
