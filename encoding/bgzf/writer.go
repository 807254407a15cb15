// Package bgzf includes a Writer for the .bgzf (block gzipped) file
// format.  A .bgzf file consists of one or more complete gzip blocks
// concatenated together.  Each of the gzip blocks must represent at
// most 64KB of uncompressed data, and the compressed size of the
// block must be at most 64KB.  The payload of the .bgzf file is equal
// to the uncompressed content of each block, concatenated together in
// order.  A valid .bgzf file ends with the 28 byte .bgzf terminator
// shown below; the terminator is a valid gzip block containing an
// empty payload.
//
// For more information about the .bgzf file format, see the SAM/BAM
// spec here: https://samtools.github.io/hts-specs/SAMv1.pdf
//
// Example use:
//   var bgzfFile bytes.Buffer
//   w := NewWriter(&bgzfFile, flate.DefaultCompression)
//   n, err := w.Write([]byte("Foo bar"))
//   err = w.Close()
package bgzf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/crc32"
	"v.io/x/lib/vlog"
)

const (
	// BlockDataMax is the largest number of uncompressed bytes that may go
	// into a single bgzf block.  This is fixed by the format, not tunable:
	// reference index files (.fai, .gzi, .csi) embed block boundaries that
	// assume this exact partitioning.
	BlockDataMax = 0x0ff00 // 65280

	// maxBlockSize is the largest legal size of a complete compressed
	// bgzf block, header and trailer included.  See the SAM/BAM spec.
	maxBlockSize = 0x10000
)

var (
	// header is the fixed 10-byte gzip header plus the 2-byte XLEN,
	// common to every bgzf block including the terminator.
	header = [12]byte{0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00}

	// bcExtraPrefix is the bgzf "BC" extra subfield, minus the 2-byte
	// BSIZE value that gets back-patched once the block length is known.
	bcExtraPrefix = [4]byte{66, 67, 2, 0}

	// Terminator is the canonical empty bgzf end-of-stream block.  Every
	// complete .bgzf stream ends with exactly this sequence.
	Terminator = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
		0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// Writer compresses data into .bgzf format.  Each block holds at most
// BlockDataMax bytes of uncompressed input, deflated independently with a
// deterministic compressor, so the same input always produces the same
// block boundaries.  The FASTA and CSI indexers compute virtual offsets
// by walking the block headers of this output (see ScanBlocks).
type Writer struct {
	level    int
	w        io.Writer
	original bytes.Buffer
	coffset  uint64 // starting file position of the current gzip block
}

// NewWriter returns a new .bgzf writer that writes compressed blocks to w.
func NewWriter(w io.Writer, level int) *Writer {
	return &Writer{level: level, w: w}
}

// Write buffers buf and flushes complete BlockDataMax-sized blocks as they
// accumulate.  It fails only if compressing a block, or writing it to the
// underlying writer, fails.
func (w *Writer) Write(buf []byte) (int, error) {
	for i := 0; i < len(buf); {
		end := len(buf)
		limit := i + BlockDataMax - w.original.Len()
		if limit < end {
			end = limit
		}
		n, _ := w.original.Write(buf[i:end])
		i += n
		if err := w.flush(false); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// CloseWithoutTerminator flushes any partial block but does not append the
// bgzf terminator.  The result is not a complete .bgzf stream until the
// caller appends Terminator (directly, or via a later Close on a writer
// sharing the same underlying io.Writer).
func (w *Writer) CloseWithoutTerminator() error {
	return w.flush(true)
}

// Close flushes the current block and appends the bgzf terminator.
func (w *Writer) Close() error {
	if err := w.CloseWithoutTerminator(); err != nil {
		return err
	}
	_, err := w.w.Write(Terminator)
	return err
}

// flush removes complete (or, if final, partial) blocks from w.original,
// compresses each, and writes it to w.w.
func (w *Writer) flush(final bool) error {
	for w.original.Len() >= BlockDataMax || (final && w.original.Len() > 0) {
		n := w.original.Len()
		if n > BlockDataMax {
			n = BlockDataMax
		}
		slice := w.original.Next(n)
		block, err := deflateBlock(slice, w.level)
		if err != nil {
			return err
		}
		if len(block) >= maxBlockSize {
			return fmt.Errorf("bgzf: compressed block is too big: %d > %d", len(block), maxBlockSize)
		}
		sz, err := w.w.Write(block)
		if err != nil {
			return err
		}
		w.coffset += uint64(sz)
	}
	return nil
}

// deflateBlock builds one complete bgzf block from a slice of at most
// BlockDataMax uncompressed bytes.
func deflateBlock(slice []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(header[:])
	buf.Write(bcExtraPrefix[:])
	buf.Write([]byte{0, 0}) // BSIZE placeholder, patched below

	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if len(slice) > 0 {
		if _, err := fw.Write(slice); err != nil {
			return nil, err
		}
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}

	var trailer [8]byte
	putUint32LE(trailer[0:4], crc32.ChecksumIEEE(slice))
	putUint32LE(trailer[4:8], uint32(len(slice)))
	buf.Write(trailer[:])

	b := buf.Bytes()
	bsize := len(b) - 1
	if bsize < 0 || bsize > 0xffff {
		return nil, fmt.Errorf("bgzf: block size out of range: %d", bsize)
	}
	if !bytes.Equal(b[12:16], bcExtraPrefix[:]) {
		vlog.Fatalf("bgzf: corrupted BC extra subfield prefix")
	}
	b[16] = byte(bsize)
	b[17] = byte(bsize >> 8)
	return b, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// VOffset returns the virtual offset of the next byte to be written: the
// high 48 bits are the file offset of the current (possibly still
// in-progress) block, and the low 16 bits are the uncompressed offset
// within it.
func (w *Writer) VOffset() uint64 {
	return w.coffset<<16 | uint64(w.original.Len())
}

// Compress is the pure bgzf_compress(bytes) -> bytes operation from the
// external interface: it deflates buf into a complete, terminated .bgzf
// stream using a default compression level.
func Compress(buf []byte) ([]byte, error) {
	return CompressLevel(buf, flate.DefaultCompression)
}

// CompressLevel is Compress with an explicit flate compression level.
func CompressLevel(buf []byte, level int) ([]byte, error) {
	var out bytes.Buffer
	w := NewWriter(&out, level)
	if _, err := w.Write(buf); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
