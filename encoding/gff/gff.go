// Package gff normalizes GFF3 annotation files ahead of BGZF compression
// and CSI indexing: it drops any embedded FASTA section, classifies lines
// as meta or data, validates data lines, and sorts data records by
// reference coordinate. See https://github.com/The-Sequence-Ontology/Specifications/blob/master/gff3.md.
package gff

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/biogo/store/llrb"
	"v.io/x/lib/vlog"
)

const (
	scannerInitBuf = 64 * 1024
	scannerMaxBuf  = 8 * 1024 * 1024
)

// record is one data line, keyed for sorting by (seqname, start, end) with
// original input order as a stability tie-breaker.
type record struct {
	seqname string
	start   int64
	end     int64
	line    string
	seq     int
}

// Compare implements llrb.Comparable.
func (r *record) Compare(c llrb.Comparable) int {
	o := c.(*record)
	if r.seqname != o.seqname {
		if r.seqname < o.seqname {
			return -1
		}
		return 1
	}
	if r.start != o.start {
		if r.start < o.start {
			return -1
		}
		return 1
	}
	if r.end != o.end {
		if r.end < o.end {
			return -1
		}
		return 1
	}
	return r.seq - o.seq
}

// Preprocess truncates the input at an embedded "##FASTA" line (and
// discards it and everything after), drops blank lines, passes meta lines
// (first non-blank character '#') through unchanged and in order, parses
// and validates data lines, and emits the data lines sorted by
// (seqname, start, end). Data lines that fail to parse are dropped.
func Preprocess(in []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(in))
	scanner.Buffer(make([]byte, scannerInitBuf), scannerMaxBuf)

	var meta []string
	tree := llrb.Tree{}
	seq := 0
	skipped := 0
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "##FASTA" {
			break
		}
		if len(trimmed) == 0 {
			continue
		}
		if trimmed[0] == '#' {
			meta = append(meta, line)
			continue
		}
		rec, ok := parseDataLine(line, seq)
		if !ok {
			skipped++
			continue
		}
		tree.Insert(rec)
		seq++
	}
	if skipped > 0 {
		vlog.VI(1).Infof("gff: skipped %d malformed data lines", skipped)
	}

	var out bytes.Buffer
	for _, m := range meta {
		out.WriteString(m)
		out.WriteByte('\n')
	}
	tree.Do(func(c llrb.Comparable) bool {
		out.WriteString(c.(*record).line)
		out.WriteByte('\n')
		return true
	})
	return out.Bytes()
}

// parseDataLine validates a tab-separated GFF3 data line: seqname, source,
// type, start, end, score, strand, phase, and any number of attribute
// fields, requiring start and end to be positive integers.
func parseDataLine(line string, seq int) (*record, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) < 8 {
		return nil, false
	}
	start, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || start <= 0 {
		return nil, false
	}
	end, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil || end <= 0 {
		return nil, false
	}
	return &record{seqname: fields[0], start: start, end: end, line: line, seq: seq}, true
}
