package main

import (
	"bytes"
	"context"
	"flag"
	"io/ioutil"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"

	"github.com/biofmt/seqidx/encoding/bgzf"
	"github.com/biofmt/seqidx/encoding/csi"
	"github.com/biofmt/seqidx/encoding/fasta"
	"github.com/biofmt/seqidx/encoding/gff"
)

var (
	fastaPath = flag.String("fasta", "", "Input FASTA path; may be gzip-compressed")
	gffPath   = flag.String("gff", "", "Input GFF3 path; may be gzip-compressed")
	outPrefix = flag.String("out", "", "Output path prefix")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if *fastaPath == "" || *gffPath == "" || *outPrefix == "" {
		log.Fatalf("bio-gindex: --fasta, --gff, and --out are all required")
	}
	ctx := vcontext.Background()

	fastaBGZF, err := bundleFasta(ctx, *fastaPath, *outPrefix)
	if err != nil {
		log.Fatalf("bio-gindex: fasta: %v", err)
	}
	log.Printf("bio-gindex: wrote %d bytes of FASTA BGZF", len(fastaBGZF))

	gffBGZF, err := bundleGFF(ctx, *gffPath, *outPrefix)
	if err != nil {
		log.Fatalf("bio-gindex: gff: %v", err)
	}
	log.Printf("bio-gindex: wrote %d bytes of GFF BGZF", len(gffBGZF))
}

// bundleFasta reads path (decompressing it first if it is itself gzipped),
// BGZF-compresses it, and writes the .fa.bgz/.fai/.gzi triple under
// outPrefix. It returns the BGZF bytes written.
func bundleFasta(ctx context.Context, path, outPrefix string) ([]byte, error) {
	plain, err := readMaybeGzipped(ctx, path)
	if err != nil {
		return nil, err
	}
	bgzfBytes, err := bgzf.Compress(plain)
	if err != nil {
		return nil, err
	}
	if err := writeFile(ctx, outPrefix+".fa.bgz", bgzfBytes); err != nil {
		return nil, err
	}
	fai, gzi, err := fasta.Index(bgzfBytes)
	if err != nil {
		return nil, err
	}
	if err := writeFile(ctx, outPrefix+".fa.bgz.fai", fai); err != nil {
		return nil, err
	}
	if err := writeFile(ctx, outPrefix+".fa.bgz.gzi", gzi); err != nil {
		return nil, err
	}
	return bgzfBytes, nil
}

// bundleGFF reads path (decompressing it first if it is itself gzipped),
// normalizes and BGZF-compresses it, and writes the .gff.bgz/.csi pair
// under outPrefix. It returns the BGZF bytes written.
func bundleGFF(ctx context.Context, path, outPrefix string) ([]byte, error) {
	raw, err := readMaybeGzipped(ctx, path)
	if err != nil {
		return nil, err
	}
	normalized := gff.Preprocess(raw)
	bgzfBytes, err := bgzf.Compress(normalized)
	if err != nil {
		return nil, err
	}
	if err := writeFile(ctx, outPrefix+".gff.bgz", bgzfBytes); err != nil {
		return nil, err
	}
	csiBytes, err := csi.Index(bgzfBytes)
	if err != nil {
		return nil, err
	}
	if err := writeFile(ctx, outPrefix+".gff.bgz.csi", csiBytes); err != nil {
		return nil, err
	}
	return bgzfBytes, nil
}

// readMaybeGzipped reads the whole contents of path. If the stream begins
// with the gzip magic number it is transparently inflated first, so either
// a plain or a gzip-compressed FASTA/GFF3 file can be passed on the command
// line.
func readMaybeGzipped(ctx context.Context, path string) ([]byte, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck

	raw, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return ioutil.ReadAll(zr)
}

func writeFile(ctx context.Context, path string, data []byte) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := out.Writer(ctx).Write(data); err != nil {
		out.Close(ctx) // nolint: errcheck
		return err
	}
	return out.Close(ctx)
}
