package fasta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"

	"github.com/biofmt/seqidx/encoding/bgzf"
)

// GenerateIndex generates a FASTA index (*.fai) from decompressed FASTA
// text.  The index can be later passed to NewIndexed() to random-access the
// FASTA file quickly.
//
// A sequence's line_bases and line_width are fixed by its first content
// line. Every later line of the same sequence must repeat that exact
// (line_bases, line_width) pair, except the last, which may be shorter but
// never longer; a violation is reported as an inconsistent-line-width
// error. A header with no content line before the next header or EOF is an
// empty-sequence error rather than a zero-length record.
//
// The index format is defined by "samtools faidx"
// (http://www.htslib.org/doc/faidx.html).
func GenerateIndex(out io.Writer, in io.Reader) (err error) {
	var (
		tsvOut    = tsv.NewWriter(out)
		r         = bufio.NewReader(in)
		seqName   string
		seqOffset int64
		cumByte   int64
		seqOpen   bool

		length       uint64
		lineBases    uint64
		lineWidth    uint64
		lineBasesSet bool

		pendingSet bool
		pendingB   uint64
		pendingW   uint64
	)

	setErr := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	finalize := func() {
		if !seqOpen {
			return
		}
		if pendingSet {
			if pendingB > lineBases || pendingW > lineWidth {
				setErr(errors.E("fasta: inconsistent line width in sequence", seqName))
				pendingSet = false
				return
			}
			length += pendingB
			pendingSet = false
		} else if !lineBasesSet {
			setErr(errors.E("fasta: empty sequence", seqName))
			return
		}
		tsvOut.WriteString(seqName)
		tsvOut.WriteInt64(int64(length))
		tsvOut.WriteInt64(seqOffset)
		tsvOut.WriteInt64(int64(lineBases))
		tsvOut.WriteInt64(int64(lineWidth))
		setErr(tsvOut.EndLine())
	}

	for err == nil {
		fullLine, e := r.ReadBytes('\n')
		atEOF := e == io.EOF
		if e != nil && !atEOF {
			setErr(e)
			break
		}
		if len(fullLine) == 0 && atEOF {
			break
		}
		cumByte += int64(len(fullLine))
		line := bytes.TrimRight(fullLine, "\r\n")

		switch {
		case len(line) == 0:
			// Blank line: consumes byte offset but carries no sequence data.
		case line[0] == '>':
			finalize()
			if err != nil {
				return err
			}
			seqName = strings.Split(string(line[1:]), " ")[0]
			seqOffset = cumByte
			seqOpen = true
			length = 0
			lineBases = 0
			lineWidth = 0
			lineBasesSet = false
			pendingSet = false
		default:
			if !seqOpen {
				setErr(errors.E("fasta: malformed file: sequence data before any header"))
				break
			}
			b, w := uint64(len(line)), uint64(len(fullLine))
			if !lineBasesSet {
				lineBases, lineWidth = b, w
				lineBasesSet = true
				length += b
				break
			}
			if pendingSet {
				if pendingB != lineBases || pendingW != lineWidth {
					setErr(errors.E("fasta: inconsistent line width in sequence", seqName))
					break
				}
				length += pendingB
			}
			pendingB, pendingW = b, w
			pendingSet = true
		}
		if atEOF {
			break
		}
	}
	if err != nil {
		return err
	}
	finalize()
	setErr(tsvOut.Flush())
	if err == nil && cumByte == 0 {
		setErr(errors.E("fasta: empty file"))
	}
	return
}

// GenerateGZI generates a .gzi index from a .bgzf-compressed byte stream.
// The format is a u64 little-endian block count followed by that many
// (uncompressed_offset, compressed_offset) u64 pairs, each recording the
// cumulative byte count immediately before one block; the implicit first
// boundary, (0, 0), and the terminator block are never written, so a
// stream of K data blocks yields K-1 entries, matching samtools faidx.
// See https://github.com/samtools/htslib/blob/develop/htslib/bgzf.h.
func GenerateGZI(out io.Writer, bgzfBytes []byte) error {
	blocks, err := bgzf.ScanBlocks(bgzfBytes)
	if err != nil {
		return err
	}
	type boundary struct{ uncomp, comp uint64 }
	var entries []boundary
	for _, b := range blocks {
		if b.UncompOffset == 0 || b.UncompSize == 0 {
			// Skip the implicit first boundary and the terminator block.
			continue
		}
		entries = append(entries, boundary{
			uncomp: b.UncompOffset,
			comp:   b.CompOffset,
		})
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := binary.Write(out, binary.LittleEndian, e.uncomp); err != nil {
			return err
		}
		if err := binary.Write(out, binary.LittleEndian, e.comp); err != nil {
			return err
		}
	}
	return nil
}

// Index computes the .fai/.gzi pair for a .bgzf-compressed FASTA stream.
// The .gzi table comes from the compressed stream's block headers alone
// (bgzf.ScanBlocks never inflates a payload); the .fai table requires the
// plain text, so the stream is decompressed once to drive GenerateIndex.
func Index(bgzfBytes []byte) (faiBytes, gziBytes []byte, err error) {
	var gzi bytes.Buffer
	if err = GenerateGZI(&gzi, bgzfBytes); err != nil {
		return nil, nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(bgzfBytes))
	if err != nil {
		return nil, nil, errors.E(err, "fasta: invalid bgzf stream")
	}
	plain, err := ioutil.ReadAll(zr)
	if err != nil {
		return nil, nil, errors.E(err, "fasta: decompressing bgzf stream")
	}
	var fai bytes.Buffer
	if err = GenerateIndex(&fai, bytes.NewReader(plain)); err != nil {
		return nil, nil, err
	}
	return fai.Bytes(), gzi.Bytes(), nil
}
