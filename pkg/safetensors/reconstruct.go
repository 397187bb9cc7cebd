package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/tensorvault/tensorvault/pkg/cas"
	"github.com/tensorvault/tensorvault/pkg/model"
)

// Resolver maps a content key to the uncompressed blob bytes
type Resolver func(cas.Key) ([]byte, error)

// subsetAlignment is the data alignment applied between tensors when a
// container is rebuilt with recomputed offsets.
const subsetAlignment = 8

// Reconstruct emits the byte-exact container a manifest was archived
// from: the header re-emitted in storage order with the original data
// offsets and padded to the original header size, then every tensor's
// bytes at their original position.
func Reconstruct(m *model.Manifest, resolve Resolver, w io.Writer) error {
	names := m.OrderedNames()
	entries := make([]headerEntry, 0, len(names))
	for _, name := range names {
		desc := m.Tensors[name]
		entries = append(entries, headerEntry{
			name:    name,
			dtype:   desc.DType,
			shape:   desc.Shape,
			offsets: desc.Offsets,
			extra:   desc.Extra,
		})
	}

	headerJSON := buildHeaderJSON(entries, m.Metadata)
	if m.HeaderSize > 0 {
		if uint64(len(headerJSON)) > m.HeaderSize {
			return errors.Errorf(
				"cannot reproduce original header: canonical form takes %d bytes, original held %d",
				len(headerJSON), m.HeaderSize)
		}
		// the format allows trailing spaces as header padding
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, int(m.HeaderSize)-len(headerJSON))...)
	}

	if err := writePrefix(w, headerJSON); err != nil {
		return err
	}

	dataLen := uint64(0)
	if m.TotalSize >= 8+uint64(len(headerJSON)) {
		dataLen = m.TotalSize - 8 - uint64(len(headerJSON))
	}
	return writeDataSection(w, names, m, resolve, dataLen)
}

// ReconstructSubset emits a standalone container holding only the given
// tensors. Offsets are recomputed, not copied: the data section is laid
// out fresh with 8-byte alignment, and tensors sharing a content key
// share one data region.
func ReconstructSubset(m *model.Manifest, names []string, resolve Resolver, w io.Writer) error {
	ordered := make([]string, len(names))
	copy(ordered, names)
	sort.Slice(ordered, func(i, j int) bool {
		return m.Tensors[ordered[i]].Index < m.Tensors[ordered[j]].Index
	})

	// pass 1: lay out the data section
	entries := make([]headerEntry, 0, len(ordered))
	placed := make(map[cas.Key][2]uint64, len(ordered))
	cursor := uint64(0)
	for _, name := range ordered {
		desc := m.Tensors[name]
		offsets, ok := placed[desc.Hash]
		if !ok {
			cursor = align(cursor, subsetAlignment)
			offsets = [2]uint64{cursor, cursor + desc.ByteLength()}
			placed[desc.Hash] = offsets
			cursor = offsets[1]
		}
		entries = append(entries, headerEntry{
			name:    name,
			dtype:   desc.DType,
			shape:   desc.Shape,
			offsets: offsets,
			extra:   desc.Extra,
		})
	}

	headerJSON := buildHeaderJSON(entries, m.Metadata)
	if err := writePrefix(w, headerJSON); err != nil {
		return err
	}

	// pass 2: write each distinct blob once, zero-padded to alignment
	written := make(map[cas.Key]struct{}, len(ordered))
	cursor = 0
	for _, name := range ordered {
		desc := m.Tensors[name]
		if _, done := written[desc.Hash]; done {
			continue
		}
		if pad := align(cursor, subsetAlignment) - cursor; pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				return err
			}
			cursor += pad
		}
		data, err := resolve(desc.Hash)
		if err != nil {
			return errors.Wrapf(err, "tensor %q", name)
		}
		if uint64(len(data)) != desc.ByteLength() {
			return errors.Errorf("tensor %q: blob %s holds %d bytes, descriptor expects %d",
				name, desc.Hash, len(data), desc.ByteLength())
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		cursor += uint64(len(data))
		written[desc.Hash] = struct{}{}
	}
	return nil
}

// Reproducible verifies that the container's header can be re-emitted
// byte for byte from its parsed form: canonical field order with original
// values, trailing spaces as the only padding. A container failing this
// check would archive fine but not restore byte-identical, so the
// archiver rejects it up front.
func (f *File) Reproducible() error {
	entries := make([]headerEntry, 0, len(f.tensors))
	for _, t := range f.tensors {
		entries = append(entries, headerEntry{
			name:    t.Name,
			dtype:   t.DType,
			shape:   t.Shape,
			offsets: t.Offsets,
			extra:   t.Extra,
		})
	}
	canonical := buildHeaderJSON(entries, f.metadata)
	if uint64(len(canonical)) > f.headerSize {
		return errors.Wrapf(ErrParse,
			"header is smaller than its canonical form (%d < %d bytes)", f.headerSize, len(canonical))
	}
	canonical = append(canonical, bytes.Repeat([]byte{' '}, int(f.headerSize)-len(canonical))...)
	if !bytes.Equal(canonical, f.headerJSON) {
		return errors.Wrap(ErrParse,
			"header formatting is not canonical and would not be reproduced by a restore")
	}
	return nil
}

// BuildTensor is the input to WriteContainer: one named tensor with its
// raw little-endian payload.
type BuildTensor struct {
	Name  string
	DType model.DType
	Shape []uint64
	Data  []byte
}

// WriteContainer serializes tensors to a fresh container with contiguous
// data offsets in the given order.
func WriteContainer(w io.Writer, tensors []BuildTensor, metadata map[string]string) error {
	entries := make([]headerEntry, len(tensors))
	offset := uint64(0)
	for i, t := range tensors {
		end := offset + uint64(len(t.Data))
		entries[i] = headerEntry{
			name:    t.Name,
			dtype:   t.DType,
			shape:   t.Shape,
			offsets: [2]uint64{offset, end},
		}
		offset = end
	}
	if err := writePrefix(w, buildHeaderJSON(entries, metadata)); err != nil {
		return err
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return err
		}
	}
	return nil
}

type headerEntry struct {
	name    string
	dtype   model.DType
	shape   []uint64
	offsets [2]uint64
	extra   json.RawMessage
}

// buildHeaderJSON emits the canonical compact header: metadata first when
// present, then entries in the given order, each with fields dtype,
// shape, data_offsets.
func buildHeaderJSON(entries []headerEntry, metadata map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	if len(metadata) > 0 {
		meta, _ := json.Marshal(metadata)
		key, _ := json.Marshal(metadataKey)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(meta)
		first = false
	}
	for _, e := range entries {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		name, _ := json.Marshal(e.name)
		buf.Write(name)
		fmt.Fprintf(&buf, `:{"dtype":"%s","shape":`, e.dtype)
		writeUintArray(&buf, e.shape)
		fmt.Fprintf(&buf, `,"data_offsets":[%d,%d]`, e.offsets[0], e.offsets[1])
		if len(e.extra) > 2 {
			// e.extra is a JSON object; splice its fields after data_offsets
			buf.WriteByte(',')
			buf.Write(e.extra[1 : len(e.extra)-1])
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeUintArray(buf *bytes.Buffer, vals []uint64) {
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, "%d", v)
	}
	buf.WriteByte(']')
}

func writePrefix(w io.Writer, headerJSON []byte) error {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(headerJSON)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(headerJSON)
	return err
}

// writeDataSection replays tensors at their original offsets, filling
// inter-tensor gaps and the section tail with zero bytes.
func writeDataSection(w io.Writer, names []string, m *model.Manifest, resolve Resolver, dataLen uint64) error {
	byOffset := make([]string, len(names))
	copy(byOffset, names)
	sort.Slice(byOffset, func(i, j int) bool {
		return m.Tensors[byOffset[i]].Offsets[0] < m.Tensors[byOffset[j]].Offsets[0]
	})

	cursor := uint64(0)
	for _, name := range byOffset {
		desc := m.Tensors[name]
		begin, end := desc.Offsets[0], desc.Offsets[1]
		if end <= cursor {
			// a tensor aliasing an already-written region (shared weights)
			continue
		}
		if begin > cursor {
			if _, err := w.Write(make([]byte, begin-cursor)); err != nil {
				return err
			}
			cursor = begin
		}
		data, err := resolve(desc.Hash)
		if err != nil {
			return errors.Wrapf(err, "tensor %q", name)
		}
		if uint64(len(data)) != desc.ByteLength() {
			return errors.Errorf("tensor %q: blob %s holds %d bytes, descriptor expects %d",
				name, desc.Hash, len(data), desc.ByteLength())
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		cursor = end
	}
	if dataLen > cursor {
		if _, err := w.Write(make([]byte, dataLen-cursor)); err != nil {
			return err
		}
	}
	return nil
}

func align(n, to uint64) uint64 {
	return (n + to - 1) / to * to
}
