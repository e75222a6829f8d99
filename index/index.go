// Package index holds the immutable reference structures shared by all
// mapping workers: the concatenated genome, the contig database, the suffix
// array, the BWT-FM index and the k-mer count table.  Everything here is
// built or loaded once, before the workers start, and is never mutated
// afterwards; accessors return borrowed views that are safe for concurrent
// readers.
package index

import (
	"sort"

	"github.com/pkg/errors"
)

// Contig describes one reference sequence within the concatenated genome.
type Contig struct {
	Name string
	// Offset is the start of this contig in the concatenated genome.
	Offset int
	Length int
}

// SeqDB maps between contig names and offsets in the concatenated genome.
type SeqDB struct {
	contigs []Contig
	byName  map[string]int
	total   int
}

// NewSeqDB creates a SeqDB from contigs ordered by ascending offset.
func NewSeqDB(contigs []Contig) *SeqDB {
	db := &SeqDB{contigs: contigs, byName: make(map[string]int, len(contigs))}
	for i, c := range contigs {
		db.byName[c.Name] = i
		if end := c.Offset + c.Length; end > db.total {
			db.total = end
		}
	}
	return db
}

// NumContigs returns the number of reference contigs.
func (d *SeqDB) NumContigs() int { return len(d.contigs) }

// Contig returns the i'th contig.
func (d *SeqDB) Contig(i int) Contig { return d.contigs[i] }

// ByName returns the index of the named contig, or -1.
func (d *SeqDB) ByName(name string) int {
	if i, ok := d.byName[name]; ok {
		return i
	}
	return -1
}

// TotalLength returns the length of the concatenated genome.
func (d *SeqDB) TotalLength() int { return d.total }

// Locate maps a position in the concatenated genome to (contig index,
// contig-local position).
func (d *SeqDB) Locate(gpos int) (int, int) {
	i := sort.Search(len(d.contigs), func(i int) bool {
		return d.contigs[i].Offset+d.contigs[i].Length > gpos
	})
	if i == len(d.contigs) {
		i = len(d.contigs) - 1
	}
	return i, gpos - d.contigs[i].Offset
}

// Genome is the read-only concatenated reference sequence.
type Genome struct {
	seq []byte
	db  *SeqDB
}

// NewGenome wraps an uppercase base sequence and its contig database.
func NewGenome(seq []byte, db *SeqDB) *Genome {
	return &Genome{seq: seq, db: db}
}

func (g *Genome) Len() int { return len(g.seq) }
func (g *Genome) Seq() []byte { return g.seq }
func (g *Genome) SeqDB() *SeqDB { return g.db }

// ContigSeq returns the bases of the i'th contig.
func (g *Genome) ContigSeq(i int) []byte {
	c := g.db.Contig(i)
	return g.seq[c.Offset : c.Offset+c.Length]
}

// Window returns the bases of [start,end) within one contig, clamping the
// bounds to the contig.
func (g *Genome) Window(contig, start, end int) []byte {
	c := g.db.Contig(contig)
	if start < 0 {
		start = 0
	}
	if end > c.Length {
		end = c.Length
	}
	if start >= end {
		return nil
	}
	return g.seq[c.Offset+start : c.Offset+end]
}

// SuffixArray is a read-only suffix array over the concatenated genome, with
// an optional fixed-length prefix lookup table for narrowing the initial
// search interval.
type SuffixArray struct {
	pos             []uint32
	lookupPrefixLen int
	// lookup has 4^lookupPrefixLen+1 entries; lookup[p]..lookup[p+1] is the
	// suffix array interval of prefix p in two-bit encoding.
	lookup []uint32
	raw    mmapped
}

// NewSuffixArray wraps an in-memory suffix array with no lookup table.
func NewSuffixArray(pos []uint32) *SuffixArray {
	return &SuffixArray{pos: pos}
}

func (s *SuffixArray) Len() int { return len(s.pos) }
func (s *SuffixArray) At(i int) int { return int(s.pos[i]) }
func (s *SuffixArray) Pos() []uint32 { return s.pos }
func (s *SuffixArray) LookupPrefixLen() int { return s.lookupPrefixLen }

// LookupRange returns the suffix array interval of the two-bit encoded
// prefix p, or (0, Len()) when no lookup table is present.
func (s *SuffixArray) LookupRange(p uint32) (int, int) {
	if len(s.lookup) == 0 {
		return 0, len(s.pos)
	}
	return int(s.lookup[p]), int(s.lookup[p+1])
}

// Close releases the backing mapping, if any.
func (s *SuffixArray) Close() error { return s.raw.unmap() }

// FMIndex is a read-only BWT-FM index over the concatenated genome.  The
// occurrence table is sampled every OccSampleRate positions; the suffix
// array sample every SASampleRate BWT rows.
type FMIndex struct {
	bwt           []byte
	counts        [4]uint32 // cumulative counts of A,C,G,T
	occ           []uint32  // sampled, 4 values per sample point
	saSample      []uint32
	OccSampleRate int
	SASampleRate  int
	raw           mmapped
}

func (f *FMIndex) Len() int { return len(f.bwt) }
func (f *FMIndex) BWT() []byte { return f.bwt }
func (f *FMIndex) Count(base uint8) int { return int(f.counts[base]) }
func (f *FMIndex) OccSamples() []uint32 { return f.occ }
func (f *FMIndex) SASamples() []uint32 { return f.saSample }

// Close releases the backing mapping, if any.
func (f *FMIndex) Close() error { return f.raw.unmap() }

// CountTable records the genome-wide frequency of every k-mer; the kernel
// uses it to down-weight anchors from repetitive sequence.
type CountTable struct {
	k      int
	counts []uint32
	raw    mmapped
}

// NewCountTable wraps in-memory k-mer counts (4^k entries, two-bit encoded
// k-mer as the key).
func NewCountTable(k int, counts []uint32) *CountTable {
	return &CountTable{k: k, counts: counts}
}

func (t *CountTable) K() int { return t.k }

// Count returns the genome-wide frequency of the two-bit encoded k-mer.
func (t *CountTable) Count(kmer uint32) int {
	if t == nil || int(kmer) >= len(t.counts) {
		return 0
	}
	return int(t.counts[kmer])
}

// Close releases the backing mapping, if any.
func (t *CountTable) Close() error { return t.raw.unmap() }

// Handle is the read-only facade over the shared index structures that is
// handed to every worker.  Clone returns a shallow copy; the underlying
// storage is shared and never mutated, so clones are free.
type Handle struct {
	genome *Genome
	sa     *SuffixArray
	bwt    *FMIndex
	counts *CountTable
}

// New assembles a Handle.  bwt and counts may be nil when the corresponding
// files were not provided; sa and genome are required.
func New(genome *Genome, sa *SuffixArray, bwt *FMIndex, counts *CountTable) (*Handle, error) {
	if genome == nil || sa == nil {
		return nil, errors.New("index: genome and suffix array are required")
	}
	if sa.Len() != genome.Len() {
		return nil, errors.Errorf("index: suffix array has %d entries for a %d base genome",
			sa.Len(), genome.Len())
	}
	return &Handle{genome: genome, sa: sa, bwt: bwt, counts: counts}, nil
}

func (h *Handle) Genome() *Genome { return h.genome }
func (h *Handle) SA() *SuffixArray { return h.sa }
func (h *Handle) BWT() *FMIndex { return h.bwt }
func (h *Handle) Counts() *CountTable { return h.counts }
func (h *Handle) SeqDB() *SeqDB { return h.genome.SeqDB() }

// Clone returns a shallow copy for one worker.  The views share storage.
func (h *Handle) Clone() *Handle {
	c := *h
	return &c
}

// Close releases any memory-mapped structures.  Call only after all workers
// have terminated.
func (h *Handle) Close() error {
	var firstErr error
	if err := h.sa.Close(); err != nil {
		firstErr = err
	}
	if h.bwt != nil {
		if err := h.bwt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.counts != nil {
		if err := h.counts.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
