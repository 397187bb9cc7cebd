package cas

import (
	"bytes"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// spillThreshold is the payload size beyond which a staged blob moves from
// memory to a scratch file. Tensors in large models routinely exceed this.
const spillThreshold = 64 * 1024 * 1024

// zstdEncoder is shared: EncodeAll on a single encoder is safe for
// concurrent use.
var zstdEncoder, _ = zstd.NewWriter(nil)

// spool stages one blob payload while its content key is being computed.
// Small payloads stay in memory, large ones spill to a scratch file so an
// arbitrarily large tensor never has to fit in memory twice.
type spool struct {
	buf     bytes.Buffer
	file    *os.File
	spilled bool
	size    int64
}

func newSpool() *spool {
	return &spool{}
}

// fill consumes src, hashing while staging, and returns the content key
// and payload size.
func (s *spool) fill(src io.Reader) (Key, int64, error) {
	h := blake3.New()
	buf := make([]byte, 1024*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
			if werr := s.write(buf[:n]); werr != nil {
				return Key{}, s.size, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Key{}, s.size, err
		}
	}
	return keyFromSum(h), s.size, nil
}

func (s *spool) write(p []byte) error {
	if !s.spilled && s.size+int64(len(p)) > spillThreshold {
		if err := s.spill(); err != nil {
			return err
		}
	}
	var err error
	if s.spilled {
		_, err = s.file.Write(p)
	} else {
		_, err = s.buf.Write(p)
	}
	if err == nil {
		s.size += int64(len(p))
	}
	return err
}

func (s *spool) spill() error {
	f, err := os.CreateTemp("", "tvt-spool-")
	if err != nil {
		return err
	}
	if _, err = f.Write(s.buf.Bytes()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	s.file = f
	s.spilled = true
	s.buf.Reset()
	return nil
}

// frame returns a reader on the staged payload in its storage form:
// a one-byte flag followed by the raw or zstd-compressed bytes.
func (s *spool) frame(compress bool) (io.ReadCloser, error) {
	if !s.spilled {
		return io.NopCloser(bytes.NewReader(compressFrame(s.buf.Bytes(), compress))), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if compress {
		framed, err := s.compressSpilled()
		if err != nil {
			return nil, err
		}
		if framed != nil {
			return framed, nil
		}
		// compression did not shrink the payload, store raw
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(io.MultiReader(bytes.NewReader([]byte{flagRaw}), s.file)), nil
}

// compressSpilled stream-compresses the scratch file into a second scratch
// file. It returns nil when the compressed form is not smaller.
func (s *spool) compressSpilled() (io.ReadCloser, error) {
	out, err := os.CreateTemp("", "tvt-spool-z-")
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return nil, err
	}
	if _, err = io.Copy(enc, s.file); err == nil {
		err = enc.Close()
	}
	if err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return nil, err
	}
	fi, err := out.Stat()
	if err != nil || fi.Size() >= s.size {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return nil, err
	}
	if _, err = out.Seek(0, io.SeekStart); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return nil, err
	}
	return &scratchReader{
		Reader: io.MultiReader(bytes.NewReader([]byte{flagZstd}), out),
		file:   out,
	}, nil
}

func (s *spool) cleanup() {
	if s.file != nil {
		_ = s.file.Close()
		_ = os.Remove(s.file.Name())
	}
	s.buf.Reset()
}

// scratchReader deletes its backing scratch file on Close.
type scratchReader struct {
	io.Reader
	file *os.File
}

func (c *scratchReader) Close() error {
	err := c.file.Close()
	_ = os.Remove(c.file.Name())
	return err
}

// teeHasher accumulates a blake3 digest of everything written to it.
type teeHasher struct {
	h *blake3.Hasher
}

func newTeeHasher() *teeHasher {
	return &teeHasher{h: blake3.New()}
}

func (t *teeHasher) Write(p []byte) (int, error) {
	return t.h.Write(p)
}

func (t *teeHasher) Sum() Key {
	return keyFromSum(t.h)
}
