package bgzf

import (
	"encoding/binary"

	"github.com/grailbio/base/errors"
)

// Block describes one gzip member of a .bgzf stream, located without
// inflating its payload: CompOffset and CompSize come from the gzip
// header/BC-subfield, UncompOffset (the cumulative uncompressed byte count
// of every preceding block) and UncompSize come from the trailing ISIZE
// field, which gzip guarantees holds the exact uncompressed length for any
// member under 4GiB -- true of every bgzf block by construction.
type Block struct {
	CompOffset   uint64
	CompSize     uint64
	UncompOffset uint64
	UncompSize   uint32
}

// ScanBlocks walks the gzip member headers of a .bgzf byte stream without
// decompressing any payload, returning one Block per member in stream
// order (including the trailing empty terminator block, if present). This
// is Pass 1 of the FASTA indexer (it yields the .gzi table directly) and
// the basis of the CSI indexer's uncompressed-offset -> virtual-offset
// mapping.
func ScanBlocks(data []byte) ([]Block, error) {
	var blocks []Block
	var off, uoff uint64
	n := uint64(len(data))
	for off < n {
		if off+12 > n {
			return nil, errors.E("bgzf: truncated block header")
		}
		if data[off] != 0x1f || data[off+1] != 0x8b || data[off+2] != 0x08 || data[off+3]&0x04 == 0 {
			return nil, errors.E("bgzf: malformed block: bad gzip/FEXTRA header")
		}
		xlen := binary.LittleEndian.Uint16(data[off+10 : off+12])
		extraStart := off + 12
		extraEnd := extraStart + uint64(xlen)
		if extraEnd > n {
			return nil, errors.E("bgzf: truncated extra field")
		}
		bsize, ok := findBSIZE(data[extraStart:extraEnd])
		if !ok {
			return nil, errors.E("bgzf: malformed block: missing BC subfield")
		}
		blockLen := uint64(bsize) + 1
		if off+blockLen > n || blockLen < 20 {
			return nil, errors.E("bgzf: truncated block")
		}
		isizeOff := off + blockLen - 4
		isize := binary.LittleEndian.Uint32(data[isizeOff : isizeOff+4])
		blocks = append(blocks, Block{
			CompOffset:   off,
			CompSize:     blockLen,
			UncompOffset: uoff,
			UncompSize:   isize,
		})
		uoff += uint64(isize)
		off += blockLen
	}
	return blocks, nil
}

// findBSIZE scans a gzip extra field for the bgzf "BC" subfield (SI1=66,
// SI2=67, SLEN=2) and returns its little-endian payload.
func findBSIZE(extra []byte) (uint16, bool) {
	i := 0
	for i+4 <= len(extra) {
		si1, si2 := extra[i], extra[i+1]
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if i+4+slen > len(extra) {
			return 0, false
		}
		if si1 == 66 && si2 == 67 && slen == 2 {
			return binary.LittleEndian.Uint16(extra[i+4 : i+6]), true
		}
		i += 4 + slen
	}
	return 0, false
}

// VOffsetAt returns the bgzf virtual offset of uncompressed byte position
// pos, given the block table produced by ScanBlocks. blocks must be sorted
// by UncompOffset (ScanBlocks guarantees this).
func VOffsetAt(blocks []Block, pos uint64) (uint64, error) {
	// Binary search for the last block whose UncompOffset <= pos.
	lo, hi := 0, len(blocks)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if blocks[mid].UncompOffset <= pos {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		return 0, errors.E("bgzf: position out of range", pos)
	}
	b := blocks[best]
	within := pos - b.UncompOffset
	if within > 0xffff {
		return 0, errors.E("bgzf: inconsistent block table at position", pos)
	}
	return b.CompOffset<<16 | within, nil
}
