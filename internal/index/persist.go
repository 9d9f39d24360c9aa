package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/arturoeanton/wikirag/internal/port"
)

// File layout, all integers little-endian:
//
//	magic   [8]byte  "WRAGIDX1"
//	version uint32
//	dim     uint32
//	count   uint64
//	data    count*dim float32, insertion order
//	crc     uint32   CRC-32 (IEEE) of every preceding byte
const (
	formatVersion = 1
	headerSize    = 8 + 4 + 4 + 8
	maxDimension  = 1 << 16
)

var magic = [8]byte{'W', 'R', 'A', 'G', 'I', 'D', 'X', '1'}

// WriteTo serializes the index. It implements io.WriterTo.
func (x *Index) WriteTo(w io.Writer) (int64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	crc := crc32.NewIEEE()
	cw := &countingWriter{w: io.MultiWriter(w, crc)}
	bw := bufio.NewWriter(cw)

	var hdr [headerSize]byte
	copy(hdr[0:8], magic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], formatVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(x.dim))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(x.data)/x.dim))
	if _, err := bw.Write(hdr[:]); err != nil {
		return cw.n, err
	}
	var buf [4]byte
	for _, v := range x.data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return cw.n, err
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	binary.LittleEndian.PutUint32(buf[:], crc.Sum32())
	n, err := w.Write(buf[:])
	return cw.n + int64(n), err
}

// Read deserializes an index written by WriteTo. Any malformed, truncated or
// trailing input fails with port.ErrPersistence.
func Read(r io.Reader) (*Index, error) {
	crc := crc32.NewIEEE()
	br := bufio.NewReader(r)
	tr := io.TeeReader(br, crc)

	var hdr [headerSize]byte
	if _, err := io.ReadFull(tr, hdr[:]); err != nil {
		return nil, persistErr("read header", err)
	}
	if !bytes.Equal(hdr[0:8], magic[:]) {
		return nil, persistErr("bad magic", nil)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != formatVersion {
		return nil, persistErr(fmt.Sprintf("unsupported version %d", v), nil)
	}
	dim := int(binary.LittleEndian.Uint32(hdr[12:16]))
	if dim <= 0 || dim > maxDimension {
		return nil, persistErr(fmt.Sprintf("invalid dimension %d", dim), nil)
	}
	count := binary.LittleEndian.Uint64(hdr[16:24])
	if count > math.MaxInt32 {
		return nil, persistErr(fmt.Sprintf("invalid count %d", count), nil)
	}

	// Grow as data arrives so a corrupt count cannot force a huge allocation.
	x := &Index{dim: dim}
	vec := make([]byte, 4*dim)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(tr, vec); err != nil {
			return nil, persistErr(fmt.Sprintf("read vector %d of %d", i, count), err)
		}
		for j := 0; j < dim; j++ {
			x.data = append(x.data, math.Float32frombits(binary.LittleEndian.Uint32(vec[4*j:])))
		}
	}

	want := crc.Sum32()
	var trailer [4]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return nil, persistErr("read checksum", err)
	}
	if got := binary.LittleEndian.Uint32(trailer[:]); got != want {
		return nil, persistErr(fmt.Sprintf("checksum mismatch: stored %08x, computed %08x", got, want), nil)
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, persistErr("trailing data after checksum", err)
	}
	return x, nil
}

// Save atomically writes the index to path.
func (x *Index) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return persistErr("create directory", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return persistErr("create file", err)
	}
	if _, err := x.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return persistErr("write index", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return persistErr("close file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return persistErr("rename", err)
	}
	return nil
}

// Open loads an index from path.
func Open(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, persistErr("open "+path, err)
	}
	defer f.Close()
	return Read(f)
}

func persistErr(msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", port.ErrPersistence, msg)
	}
	return fmt.Errorf("%w: %s: %w", port.ErrPersistence, msg, cause)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
