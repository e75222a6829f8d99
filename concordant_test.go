package longread

import (
	"bytes"
	"testing"

	"github.com/grailbio/longread/index"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t testing.TB, contigs ...[]byte) *index.Handle {
	var (
		meta []index.Contig
		seq  []byte
	)
	for i, c := range contigs {
		meta = append(meta, index.Contig{
			Name:   string(rune('a' + i)) + "contig",
			Offset: len(seq),
			Length: len(c),
		})
		seq = append(seq, c...)
	}
	genome := index.NewGenome(seq, index.NewSeqDB(meta))
	h, err := index.New(genome, index.BuildSuffixArray(seq), nil, nil)
	require.NoError(t, err)
	return h
}

func TestFlankWindowClamps(t *testing.T) {
	idx := newTestIndex(t, bytes.Repeat([]byte{'A'}, 1000))
	db := idx.SeqDB()

	w := FlankWindow(Candidate{RefID: 0, RefStart: 100, RefEnd: 200}, db, 40)
	expect.EQ(t, w, RefWindow{RefID: 0, Start: 60, End: 240})

	w = FlankWindow(Candidate{RefID: 0, RefStart: 10, RefEnd: 990}, db, 40)
	expect.EQ(t, w, RefWindow{RefID: 0, Start: 0, End: 1000})
}

func newTestRealigner(idx *index.Handle, k Kernel, opts *Opts) (*Realigner, *Stats) {
	stats := &Stats{}
	return NewRealigner(idx, k, opts, &MappingBuffers{}, stats), stats
}

func concordantBundle(n int) (*Bundle, *Molecule) {
	mol := &Molecule{Movie: "m", Hole: 1, Seq: bytes.Repeat([]byte{'A'}, 1000)}
	b := NewBundle(mol)
	b.Mode = ZmwSubreads
	b.Resize(n)
	return b, mol
}

func TestRealignIntervalStopsAtMaxScore(t *testing.T) {
	idx := newTestIndex(t, bytes.Repeat([]byte{'A'}, 5000))
	opts := testOpts()
	opts.MaxScore = -50
	opts.FlankSize = 10
	k := &fakeKernel{}
	r, stats := newTestRealigner(idx, k, opts)
	b, mol := concordantBundle(1)

	// Templates ordered by ascending score; the third is above MaxScore, so
	// the loop must stop after two windows.
	templates := []Candidate{
		{RefID: 0, RefStart: 100, RefEnd: 300, Score: -90},
		{RefID: 0, RefStart: 2000, RefEnd: 2200, Score: -60},
		{RefID: 0, RefStart: 4000, RefEnd: 4200, Score: -40},
	}
	r.RealignInterval(b, mol.Seq, Interval{0, 200}, 0, 0, templates)
	expect.EQ(t, len(k.windows), 2)
	expect.EQ(t, k.windows[0], RefWindow{RefID: 0, Start: 90, End: 310})
	expect.EQ(t, stats.Realignments, 2)
}

func TestRealignIntervalSkipsShort(t *testing.T) {
	idx := newTestIndex(t, bytes.Repeat([]byte{'A'}, 1000))
	opts := testOpts()
	opts.MinReadLength = 100
	k := &fakeKernel{}
	r, _ := newTestRealigner(idx, k, opts)
	b, mol := concordantBundle(1)
	r.RealignInterval(b, mol.Seq, Interval{0, 100}, 0, 0,
		[]Candidate{{RefID: 0, RefStart: 0, RefEnd: 100, Score: -90}})
	expect.EQ(t, len(k.windows), 0)
}

func TestRealignIntervalBothDirections(t *testing.T) {
	idx := newTestIndex(t, bytes.Repeat([]byte{'A'}, 1000))
	opts := testOpts()
	opts.MaxScore = 0
	opts.ConcordantAlignBothDirections = true
	k := &fakeKernel{
		windowResult: func(q []byte, w RefWindow, strand uint8) (Candidate, bool) {
			return Candidate{RefID: w.RefID, RefStart: w.Start, RefEnd: w.End,
				QEnd: len(q), QStrand: strand, Score: -80}, true
		},
	}
	r, _ := newTestRealigner(idx, k, opts)
	b, mol := concordantBundle(1)
	r.RealignInterval(b, mol.Seq, Interval{100, 400}, 1, 0,
		[]Candidate{{RefID: 0, RefStart: 500, RefEnd: 800, Score: -90}})
	expect.EQ(t, k.windowStrand, []uint8{1, 0})
	expect.EQ(t, len(b.Selected[0]), 2)
	// Results land in molecule coordinates.
	fwd := forwardQuery(&b.Selected[0][0], mol.Len())
	expect.EQ(t, fwd, Interval{100, 400})
	fwd = forwardQuery(&b.Selected[0][1], mol.Len())
	expect.EQ(t, fwd, Interval{100, 400})
}

func TestSubreadIterators(t *testing.T) {
	rt := fourSubreadTable(9)
	mol := &Molecule{Hole: 9, Seq: make([]byte, 2050)}

	frag := NewFragmentIterator(rt, mol)
	expect.EQ(t, frag.NumPasses(), 4)
	dir, intv, ok := frag.Next()
	expect.EQ(t, ok, true)
	expect.EQ(t, dir, uint8(0))
	expect.EQ(t, intv, Interval{10, 210})

	full := NewFullPassIterator(rt, mol)
	expect.EQ(t, full.NumPasses(), 4)

	// A molecule the table does not know falls back to its own subreads.
	other := &Molecule{Hole: 77, Seq: make([]byte, 100),
		Subreads: []Interval{{0, 40}, {50, 100}}}
	it := NewFragmentIterator(rt, other)
	expect.EQ(t, it.NumPasses(), 2)

	// And a bare molecule is one whole-read pass.
	bare := &Molecule{Hole: 78, Seq: make([]byte, 100)}
	it = NewFragmentIterator(rt, bare)
	expect.EQ(t, it.NumPasses(), 1)
}
