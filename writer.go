package longread

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/longread/index"
	"github.com/klauspost/compress/gzip"
)

// OutputFormat selects the record format the writer emits.
type OutputFormat int

const (
	// FormatSAM writes SAM text.
	FormatSAM OutputFormat = iota
	// FormatBAM writes BAM.
	FormatBAM
)

// Writer is the serialized consumer of per-molecule results.  One record is
// emitted per selected candidate; molecules with no selected candidates are
// recorded in the unaligned sink when one is configured.  All writes go
// through the writer's mutex; failures latch and are surfaced at Close.
type Writer struct {
	mu  sync.Mutex
	err errors.Once

	refs []*sam.Reference
	sw   *sam.Writer
	bw   *bam.Writer

	out    file.File
	outBuf *bufio.Writer

	unaligned     io.Writer
	unalignedGzip *gzip.Writer
	unalignedBuf  *bufio.Writer
	unalignedFile file.File

	nRecords   int
	nUnaligned int
}

// buildHeader creates the SAM header for the reference contigs.  readGroup,
// when nonempty, is registered as an @RG line and stamped on every record.
func buildHeader(db *index.SeqDB, readGroup string) (*sam.Header, []*sam.Reference, error) {
	refs := make([]*sam.Reference, db.NumContigs())
	for i := 0; i < db.NumContigs(); i++ {
		c := db.Contig(i)
		ref, err := sam.NewReference(c.Name, "", "", c.Length, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		refs[i] = ref
	}
	var text []byte
	if readGroup != "" {
		text = []byte(fmt.Sprintf("@RG\tID:%s\tPL:PACBIO\tSM:%s\n", readGroup, readGroup))
	}
	h, err := sam.NewHeader(text, refs)
	if err != nil {
		return nil, nil, err
	}
	return h, refs, nil
}

// NewWriter opens the output and unaligned files.  outPath empty or "-"
// writes to the stdout writer instead.  unalignedPath may be empty;
// a .gz suffix gzips the sink.
func NewWriter(ctx context.Context, stdout io.Writer, db *index.SeqDB, format OutputFormat,
	outPath, unalignedPath, readGroup string) (*Writer, error) {
	header, refs, err := buildHeader(db, readGroup)
	if err != nil {
		return nil, err
	}
	w := &Writer{refs: refs}

	var out io.Writer = stdout
	if outPath != "" && outPath != "-" {
		f, err := file.Create(ctx, outPath)
		if err != nil {
			return nil, err
		}
		w.out = f
		w.outBuf = bufio.NewWriter(f.Writer(ctx))
		out = w.outBuf
	}
	switch format {
	case FormatSAM:
		sw, err := sam.NewWriter(out, header, sam.FlagDecimal)
		if err != nil {
			return nil, err
		}
		w.sw = sw
	case FormatBAM:
		bw, err := bam.NewWriter(out, header, 1)
		if err != nil {
			return nil, err
		}
		w.bw = bw
	}

	if unalignedPath != "" {
		f, err := file.Create(ctx, unalignedPath)
		if err != nil {
			return nil, err
		}
		w.unalignedFile = f
		w.unalignedBuf = bufio.NewWriter(f.Writer(ctx))
		w.unaligned = w.unalignedBuf
		if strings.HasSuffix(unalignedPath, ".gz") {
			w.unalignedGzip = gzip.NewWriter(w.unalignedBuf)
			w.unaligned = w.unalignedGzip
		}
	}
	return w, nil
}

// Write records every selected candidate of the bundle, or the molecule's
// identity in the unaligned sink when the bundle is empty.  One critical
// section per molecule: all of a molecule's records land contiguously.
func (w *Writer) Write(b *Bundle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if b.NumAlignments() == 0 {
		w.nUnaligned++
		if w.unaligned != nil {
			w.writeUnaligned(b.Mol)
		}
		return w.err.Err()
	}
	for slot := range b.Selected {
		for rank, c := range b.Selected[slot] {
			rec, err := w.record(b, &c, rank)
			if err != nil {
				w.err.Set(err)
				continue
			}
			if w.sw != nil {
				w.err.Set(w.sw.Write(rec))
			} else {
				w.err.Set(w.bw.Write(rec))
			}
			w.nRecords++
		}
	}
	return w.err.Err()
}

// record converts one selected candidate into a SAM record.  The stored
// sequence is the aligned query segment, reverse-complemented for reverse
// strand hits so it reads in reference orientation; the CIGAR is the coarse
// match/indel shape of the intervals (base-level detail lives in the
// kernel).
func (w *Writer) record(b *Bundle, c *Candidate, rank int) (*sam.Record, error) {
	mol := b.Mol
	fwd := forwardQuery(c, mol.Len())

	var (
		seq  []byte
		qual []byte
	)
	if c.QStrand == 0 {
		seq = mol.Seq[fwd.Start:fwd.End]
		if mol.Qual != nil {
			qual = mol.Qual[fwd.Start:fwd.End]
		}
	} else {
		seq = ReverseComplement(mol.Seq[fwd.Start:fwd.End])
		if mol.Qual != nil {
			qual = make([]byte, fwd.Len())
			for i := 0; i < fwd.Len(); i++ {
				qual[i] = mol.Qual[fwd.End-1-i]
			}
		}
	}
	if qual == nil {
		qual = make([]byte, len(seq))
		for i := range qual {
			qual[i] = 0xff
		}
	}

	qLen := fwd.Len()
	rLen := c.RefEnd - c.RefStart
	mLen := min(qLen, rLen)
	cigar := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, mLen)}
	if qLen > rLen {
		cigar = append(cigar, sam.NewCigarOp(sam.CigarInsertion, qLen-rLen))
	} else if rLen > qLen {
		cigar = append(cigar, sam.NewCigarOp(sam.CigarDeletion, rLen-qLen))
	}

	var flags sam.Flags
	if c.QStrand == 1 {
		flags |= sam.Reverse
	}
	if rank > 0 {
		flags |= sam.Secondary
	}

	rec := &sam.Record{
		Name:    fmt.Sprintf("%s/%d/%d_%d", mol.Movie, mol.Hole, fwd.Start, fwd.End),
		Ref:     w.refs[c.RefID],
		Pos:     c.RefStart,
		MapQ:    c.MapQV,
		Cigar:   cigar,
		Flags:   flags,
		Seq:     sam.NewSeq(seq),
		Qual:    qual,
		MateRef: nil,
		MatePos: -1,
	}
	for _, t := range []struct {
		tag string
		val interface{}
	}{
		{"RG", mol.Movie},
		{"zm", int(mol.Hole)},
		{"qs", fwd.Start},
		{"qe", fwd.End},
		{"rq", float32(mol.HQScore) / 1000},
		{"cm", b.Mode.String()},
	} {
		aux, err := sam.NewAux(sam.NewTag(t.tag), t.val)
		if err != nil {
			return nil, err
		}
		rec.AuxFields = append(rec.AuxFields, aux)
	}
	return rec, nil
}

// writeUnaligned records a molecule with no alignments as a FASTA entry.
func (w *Writer) writeUnaligned(mol *Molecule) {
	write := func(ss ...string) {
		for _, s := range ss {
			if _, err := w.unaligned.Write(gunsafe.StringToBytes(s)); err != nil {
				w.err.Set(err)
				return
			}
		}
	}
	write(">", mol.Name(), "\n", string(mol.Seq), "\n")
}

// NumRecords returns the records written so far.
func (w *Writer) NumRecords() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nRecords
}

// NumUnaligned returns the molecules that reached the writer with no
// selected alignments.
func (w *Writer) NumUnaligned() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nUnaligned
}

// Close flushes and closes the outputs and returns the first error seen
// during the run, making write failures fatal at teardown.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bw != nil {
		w.err.Set(w.bw.Close())
	}
	if w.outBuf != nil {
		w.err.Set(w.outBuf.Flush())
	}
	if w.out != nil {
		w.err.Set(w.out.Close(ctx))
	}
	if w.unalignedGzip != nil {
		w.err.Set(w.unalignedGzip.Close())
	}
	if w.unalignedBuf != nil {
		w.err.Set(w.unalignedBuf.Flush())
	}
	if w.unalignedFile != nil {
		w.err.Set(w.unalignedFile.Close(ctx))
	}
	return w.err.Err()
}
