package main

import (
	"bytes"
	"io/ioutil"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/klauspost/compress/gzip"

	"github.com/biofmt/seqidx/encoding/bgzf"
	"github.com/biofmt/seqidx/encoding/fasta"
)

func writeLocal(t *testing.T, path, contents string) {
	t.Helper()
	assert.NoError(t, ioutil.WriteFile(path, []byte(contents), 0644))
}

func TestBundleFastaAndGFF(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	fastaPath := tempDir + "/ref.fa"
	writeLocal(t, fastaPath, ">chrA\nACGTACGTAC\nGT\n>chrB\nTTTT\n")

	gffPath := tempDir + "/anno.gff3"
	writeLocal(t, gffPath, "##gff-version 3\n"+
		"chrA\tsrc\tgene\t10\t20\t.\t+\t.\tID=a\n"+
		"chrA\tsrc\tgene\t1\t5\t.\t+\t.\tID=b\n")

	outPrefix := tempDir + "/out"

	fastaBGZF, err := bundleFasta(ctx, fastaPath, outPrefix)
	assert.NoError(t, err)
	assert.True(t, len(fastaBGZF) > 0)

	gffBGZF, err := bundleGFF(ctx, gffPath, outPrefix)
	assert.NoError(t, err)
	assert.True(t, len(gffBGZF) > 0)

	faiIn, err := file.Open(ctx, outPrefix+".fa.bgz.fai")
	assert.NoError(t, err)
	fai, err := ioutil.ReadAll(faiIn.Reader(ctx))
	assert.NoError(t, err)
	assert.NoError(t, faiIn.Close(ctx))
	assert.True(t, bytes.Contains(fai, []byte("chrA")))
	assert.True(t, bytes.Contains(fai, []byte("chrB")))

	gziIn, err := file.Open(ctx, outPrefix+".fa.bgz.gzi")
	assert.NoError(t, err)
	gzi, err := ioutil.ReadAll(gziIn.Reader(ctx))
	assert.NoError(t, err)
	assert.NoError(t, gziIn.Close(ctx))
	assert.True(t, len(gzi) >= 8)

	csiIn, err := file.Open(ctx, outPrefix+".gff.bgz.csi")
	assert.NoError(t, err)
	csiBytes, err := ioutil.ReadAll(csiIn.Reader(ctx))
	assert.NoError(t, err)
	assert.NoError(t, csiIn.Close(ctx))
	zr, err := gzip.NewReader(bytes.NewReader(csiBytes))
	assert.NoError(t, err)
	csiBody, err := ioutil.ReadAll(zr)
	assert.NoError(t, err)
	assert.EQ(t, string(csiBody[0:4]), "CSI\x01")

	indexed, err := fasta.NewIndexed(bytes.NewReader(mustDecompress(t, fastaBGZF)), bytes.NewReader(fai))
	assert.NoError(t, err)
	l, err := indexed.Len("chrA")
	assert.NoError(t, err)
	assert.EQ(t, l, uint64(12))
}

func TestReadMaybeGzippedDetectsPlainAndGzip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	plainPath := tempDir + "/plain.fa"
	writeLocal(t, plainPath, ">chrA\nACGT\n")
	got, err := readMaybeGzipped(ctx, plainPath)
	assert.NoError(t, err)
	assert.EQ(t, string(got), ">chrA\nACGT\n")

	gzPath := tempDir + "/compressed.fa.gz"
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err = gw.Write([]byte(">chrB\nTTTT\n"))
	assert.NoError(t, err)
	assert.NoError(t, gw.Close())
	assert.NoError(t, ioutil.WriteFile(gzPath, buf.Bytes(), 0644))

	got, err = readMaybeGzipped(ctx, gzPath)
	assert.NoError(t, err)
	assert.EQ(t, string(got), ">chrB\nTTTT\n")
}

func mustDecompress(t *testing.T, bgzfBytes []byte) []byte {
	t.Helper()
	blocks, err := bgzf.ScanBlocks(bgzfBytes)
	assert.NoError(t, err)
	assert.True(t, len(blocks) > 0)
	zr, err := gzip.NewReader(bytes.NewReader(bgzfBytes))
	assert.NoError(t, err)
	plain, err := ioutil.ReadAll(zr)
	assert.NoError(t, err)
	return plain
}
