// Package csi builds a tabix-style Coordinate-Sorted Index (.csi) over a
// BGZF-compressed, coordinate-sorted GFF3 stream. See
// https://samtools.github.io/hts-specs/CSIv1.pdf and the "-C" mode of
// htslib's tabix.
package csi

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"sort"
	"strconv"
	"strings"

	htsbgzf "github.com/biogo/hts/bgzf"
	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
	"v.io/x/lib/vlog"

	ourbgzf "github.com/biofmt/seqidx/encoding/bgzf"
)

const (
	minShift = 14
	nLvls    = 8

	// mergeSlack is the one-BGZF-block tolerance used when deciding whether
	// two chunks in the same bin should be merged.
	mergeSlack = 0x10000

	// tabix GFF preset: format 0x10000 marks a generic preset, bit 0 marks
	// 1-based coordinates.
	tabixFormatGFF = 0x10000 | 1
	tabixColSeq    = 1
	tabixColBeg    = 4
	tabixColEnd    = 5
	tabixMetaChar  = '#'
)

// depthOffset[d] is the bin number of the first (id 0) bin at depth d, for
// d = 0 (the whole-genome root, window 2**38 bp) through d = nLvls (the
// finest window, 2**minShift = 16KiB). Mirrors htslib's hts_reg2bin table.
var depthOffset = [nLvls + 1]uint64{0, 1, 9, 73, 585, 4681, 37449, 299593, 2396745}

// reg2bin returns the smallest (deepest) bin that fully contains the
// 0-based half-open interval [beg, end).
func reg2bin(beg, end uint64) uint32 {
	end--
	for d := nLvls; d >= 0; d-- {
		s := uint(minShift + 3*(nLvls-d))
		if beg>>s == end>>s {
			return uint32(depthOffset[d] + (beg >> s))
		}
	}
	return 0
}

type chunk struct {
	beg, end htsbgzf.Offset
}

type refAccum struct {
	name    string
	chunks  map[uint32][]chunk
	loffset map[uint32]htsbgzf.Offset
}

func newRefAccum(name string) *refAccum {
	return &refAccum{name: name, chunks: make(map[uint32][]chunk), loffset: make(map[uint32]htsbgzf.Offset)}
}

// insert records one GFF data line, occupying virtual-offset range
// [vbeg, vend), inside the given bin; it also propagates vbeg upward as
// the running minimum loffset of every ancestor bin.
func (r *refAccum) insert(bin uint32, vbeg, vend htsbgzf.Offset) {
	r.chunks[bin] = append(r.chunks[bin], chunk{vbeg, vend})
	for {
		cur, ok := r.loffset[bin]
		if !ok || voffLess(vbeg, cur) {
			r.loffset[bin] = vbeg
		}
		if bin == 0 {
			break
		}
		bin = (bin - 1) >> 3
	}
}

func voffLess(a, b htsbgzf.Offset) bool {
	if a.File != b.File {
		return a.File < b.File
	}
	return a.Block < b.Block
}

// mergedBins returns, for every touched bin in ascending order, its
// chunks sorted by start and merged wherever consecutive chunks overlap
// or sit within one BGZF block (mergeSlack) of each other.
func (r *refAccum) mergedBins() ([]uint32, map[uint32][]chunk) {
	ids := make([]uint32, 0, len(r.chunks))
	for id := range r.chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	merged := make(map[uint32][]chunk, len(ids))
	for _, id := range ids {
		cs := append([]chunk(nil), r.chunks[id]...)
		sort.Slice(cs, func(i, j int) bool { return voffLess(cs[i].beg, cs[j].beg) })
		out := []chunk{cs[0]}
		for _, c := range cs[1:] {
			last := &out[len(out)-1]
			if vOffToUint64(c.beg) <= vOffToUint64(last.end)+mergeSlack {
				if voffLess(last.end, c.end) {
					last.end = c.end
				}
				continue
			}
			out = append(out, c)
		}
		merged[id] = out
	}
	return ids, merged
}

func vOffToUint64(o htsbgzf.Offset) uint64 {
	return uint64(o.File)<<16 | uint64(o.Block)
}

func uint64ToVOff(v uint64) htsbgzf.Offset {
	return htsbgzf.Offset{File: int64(v >> 16), Block: uint16(v)}
}

// Index builds a CSI index (BGZF-wrapped) over a BGZF-compressed,
// preprocessed GFF3 stream. Lines that fail to parse as GFF3 data records
// (too few columns, non-numeric start/end) are skipped; only malformed
// BGZF framing is a hard failure.
func Index(bgzfBytes []byte) ([]byte, error) {
	blocks, err := ourbgzf.ScanBlocks(bgzfBytes)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(bgzfBytes))
	if err != nil {
		return nil, errors.E(err, "csi: invalid bgzf stream")
	}
	plain, err := ioutil.ReadAll(zr)
	if err != nil {
		return nil, errors.E(err, "csi: decompressing bgzf stream")
	}

	refOrder := make([]string, 0)
	refs := make(map[string]*refAccum)
	skipped := 0

	var lineStart int
	plainLen := len(plain)
	for lineStart < plainLen {
		nl := bytes.IndexByte(plain[lineStart:], '\n')
		var lineEnd, nextStart int
		if nl < 0 {
			lineEnd = plainLen
			nextStart = plainLen
		} else {
			lineEnd = lineStart + nl
			nextStart = lineEnd + 1
		}
		line := plain[lineStart:lineEnd]
		if len(line) == 0 || line[0] == tabixMetaChar {
			lineStart = nextStart
			continue
		}
		seqname, start, end, ok := parseDataLine(line)
		if !ok {
			skipped++
			lineStart = nextStart
			continue
		}
		vbeg, verr := ourbgzf.VOffsetAt(blocks, uint64(lineStart))
		if verr != nil {
			return nil, verr
		}
		vend, verr := ourbgzf.VOffsetAt(blocks, uint64(nextStart))
		if verr != nil {
			return nil, verr
		}
		ref, ok := refs[seqname]
		if !ok {
			ref = newRefAccum(seqname)
			refs[seqname] = ref
			refOrder = append(refOrder, seqname)
		}
		bin := reg2bin(start-1, end)
		ref.insert(bin, uint64ToVOff(vbeg), uint64ToVOff(vend))
		lineStart = nextStart
	}
	if skipped > 0 {
		vlog.VI(1).Infof("csi: skipped %d malformed GFF lines", skipped)
	}

	var body bytes.Buffer
	if err := writeBody(&body, refOrder, refs); err != nil {
		return nil, err
	}
	return ourbgzf.Compress(body.Bytes())
}

// parseDataLine extracts the tabix GFF columns (seqname, 1-based start,
// 1-based inclusive end) from a tab-separated line.
func parseDataLine(line []byte) (seqname string, start, end uint64, ok bool) {
	fields := strings.Split(string(line), "\t")
	if len(fields) < tabixColEnd {
		return "", 0, 0, false
	}
	s, err := strconv.ParseUint(fields[tabixColBeg-1], 10, 64)
	if err != nil || s == 0 {
		return "", 0, 0, false
	}
	e, err := strconv.ParseUint(fields[tabixColEnd-1], 10, 64)
	if err != nil || e == 0 {
		return "", 0, 0, false
	}
	return fields[tabixColSeq-1], s, e, true
}

func writeBody(w *bytes.Buffer, refOrder []string, refs map[string]*refAccum) error {
	w.WriteString("CSI\x01")
	writeI32(w, minShift)
	writeI32(w, nLvls)

	aux := buildAux(refOrder)
	writeI32(w, int32(len(aux)))
	w.Write(aux)

	writeI32(w, int32(len(refOrder)))
	for _, name := range refOrder {
		ref := refs[name]
		ids, merged := ref.mergedBins()
		writeI32(w, int32(len(ids)))
		for _, id := range ids {
			writeU32(w, id)
			writeU64(w, vOffToUint64(ref.loffset[id]))
			cs := merged[id]
			writeI32(w, int32(len(cs)))
			for _, c := range cs {
				writeU64(w, vOffToUint64(c.beg))
				writeU64(w, vOffToUint64(c.end))
			}
		}
	}
	writeU64(w, 0) // n_no_coor
	return nil
}

// buildAux renders the tabix-format header mirroring "tabix -C -p gff":
// a GFF preset descriptor followed by the NUL-terminated reference names
// in index order.
func buildAux(refOrder []string) []byte {
	var names bytes.Buffer
	for _, name := range refOrder {
		names.WriteString(name)
		names.WriteByte(0)
	}

	var aux bytes.Buffer
	writeI32(&aux, tabixFormatGFF)
	writeI32(&aux, tabixColSeq)
	writeI32(&aux, tabixColBeg)
	writeI32(&aux, tabixColEnd)
	writeI32(&aux, tabixMetaChar)
	writeI32(&aux, 0) // skip
	writeI32(&aux, int32(names.Len()))
	aux.Write(names.Bytes())
	return aux.Bytes()
}

func writeI32(w *bytes.Buffer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.Write(b[:])
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}
