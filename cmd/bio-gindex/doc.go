/*Command bio-gindex reads a FASTA reference and a GFF3 annotation file and
  writes the BGZF-compressed streams and index files needed for random
  access: <prefix>.fa.bgz plus its .fai/.gzi pair, and <prefix>.gff.bgz
  plus its .csi index. Either input may itself be gzip-compressed; it is
  transparently inflated before BGZF recompression.

  Usage: bio-gindex --fasta=ref.fa --gff=anno.gff3 --out=ref
*/
package main
