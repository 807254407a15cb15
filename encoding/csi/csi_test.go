package csi_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/biofmt/seqidx/encoding/bgzf"
	"github.com/biofmt/seqidx/encoding/csi"
	"github.com/grailbio/testutil/assert"
	"github.com/klauspost/compress/gzip"
)

type parsedBin struct {
	bin     uint32
	loffset uint64
	chunks  [][2]uint64
}

type parsedRef struct {
	bins []parsedBin
}

type parsedCSI struct {
	minShift, depth int32
	aux             []byte
	refs            []parsedRef
}

func parse(t *testing.T, csiBytes []byte) parsedCSI {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(csiBytes))
	assert.NoError(t, err)
	var body bytes.Buffer
	_, err = body.ReadFrom(zr)
	assert.NoError(t, err)
	b := body.Bytes()

	var out parsedCSI
	assert.EQ(t, string(b[0:4]), "CSI\x01")
	pos := 4
	rd := func(n int) []byte {
		s := b[pos : pos+n]
		pos += n
		return s
	}
	out.minShift = int32(binary.LittleEndian.Uint32(rd(4)))
	out.depth = int32(binary.LittleEndian.Uint32(rd(4)))
	lAux := int32(binary.LittleEndian.Uint32(rd(4)))
	out.aux = rd(int(lAux))
	nRef := int32(binary.LittleEndian.Uint32(rd(4)))
	for i := int32(0); i < nRef; i++ {
		var ref parsedRef
		nBin := int32(binary.LittleEndian.Uint32(rd(4)))
		for j := int32(0); j < nBin; j++ {
			var pb parsedBin
			pb.bin = binary.LittleEndian.Uint32(rd(4))
			pb.loffset = binary.LittleEndian.Uint64(rd(8))
			nChunk := int32(binary.LittleEndian.Uint32(rd(4)))
			for k := int32(0); k < nChunk; k++ {
				beg := binary.LittleEndian.Uint64(rd(8))
				end := binary.LittleEndian.Uint64(rd(8))
				pb.chunks = append(pb.chunks, [2]uint64{beg, end})
			}
			ref.bins = append(ref.bins, pb)
		}
		out.refs = append(out.refs, ref)
	}
	nNoCoor := binary.LittleEndian.Uint64(rd(8))
	assert.EQ(t, nNoCoor, uint64(0))
	return out
}

func gffLine(seqname string, start, end int) string {
	return seqname + "\tsrc\tfeature\t" +
		itoa(start) + "\t" + itoa(end) + "\t.\t+\t.\tID=x\n"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestIndexHeaderAndAux(t *testing.T) {
	gff := "##gff-version 3\n" + gffLine("chrA", 1, 10)
	compressed, err := bgzf.Compress([]byte(gff))
	assert.NoError(t, err)

	csiBytes, err := csi.Index(compressed)
	assert.NoError(t, err)

	parsed := parse(t, csiBytes)
	assert.EQ(t, parsed.minShift, int32(14))
	assert.EQ(t, parsed.depth, int32(8))
	assert.True(t, len(parsed.aux) > 0)
	assert.EQ(t, len(parsed.refs), 1)
}

func TestIndexDistinctBinsNotMerged(t *testing.T) {
	// Two records far enough apart to land in distinct finest-level bins;
	// their chunks must not be merged.
	gff := gffLine("chrA", 1, 10) + gffLine("chrA", 1000000, 1000010)
	compressed, err := bgzf.Compress([]byte(gff))
	assert.NoError(t, err)

	csiBytes, err := csi.Index(compressed)
	assert.NoError(t, err)
	parsed := parse(t, csiBytes)

	totalChunks := 0
	for _, bin := range parsed.refs[0].bins {
		totalChunks += len(bin.chunks)
	}
	assert.EQ(t, len(parsed.refs[0].bins), 2)
	assert.EQ(t, totalChunks, 2)
}

func TestIndexSameBinMerged(t *testing.T) {
	// Two adjacent small records land in the same finest bin; their
	// chunks must merge into one.
	gff := gffLine("chrA", 1, 10) + gffLine("chrA", 20, 30)
	compressed, err := bgzf.Compress([]byte(gff))
	assert.NoError(t, err)

	csiBytes, err := csi.Index(compressed)
	assert.NoError(t, err)
	parsed := parse(t, csiBytes)

	assert.EQ(t, len(parsed.refs[0].bins), 1)
	assert.EQ(t, len(parsed.refs[0].bins[0].chunks), 1)
}

func TestIndexSkipsMalformedLines(t *testing.T) {
	gff := gffLine("chrA", 1, 10) + "chrA\tsrc\tfeature\tnotanumber\t10\t.\t+\t.\tID=bad\n"
	compressed, err := bgzf.Compress([]byte(gff))
	assert.NoError(t, err)

	csiBytes, err := csi.Index(compressed)
	assert.NoError(t, err)
	parsed := parse(t, csiBytes)
	assert.EQ(t, len(parsed.refs), 1)

	totalChunks := 0
	for _, bin := range parsed.refs[0].bins {
		totalChunks += len(bin.chunks)
	}
	assert.EQ(t, totalChunks, 1)
}

func TestIndexStartEqualsEnd(t *testing.T) {
	gff := gffLine("chrA", 5, 5)
	compressed, err := bgzf.Compress([]byte(gff))
	assert.NoError(t, err)

	csiBytes, err := csi.Index(compressed)
	assert.NoError(t, err)
	parsed := parse(t, csiBytes)
	assert.EQ(t, len(parsed.refs[0].bins), 1)
	assert.EQ(t, len(parsed.refs[0].bins[0].chunks), 1)
}
