package longread

import (
	"testing"

	"github.com/grailbio/longread/index"
	"github.com/grailbio/testutil/expect"
)

// fakeKernel scripts kernel behavior for pipeline tests.
type fakeKernel struct {
	// results are returned by successive MapRead calls; the last entry
	// repeats once exhausted.
	results [][]Candidate
	calls   int

	windows      []RefWindow
	windowStrand []uint8
	windowResult func(q []byte, w RefWindow, strand uint8) (Candidate, bool)
}

func (k *fakeKernel) MapRead(q, qRC []byte, idx *index.Handle, params AlignParams,
	buf *MappingBuffers) []Candidate {
	i := k.calls
	k.calls++
	if len(k.results) == 0 {
		return nil
	}
	if i >= len(k.results) {
		i = len(k.results) - 1
	}
	out := make([]Candidate, len(k.results[i]))
	copy(out, k.results[i])
	return out
}

func (k *fakeKernel) AlignWindow(q []byte, idx *index.Handle, w RefWindow, strand uint8,
	params AlignParams, buf *MappingBuffers) (Candidate, bool) {
	k.windows = append(k.windows, w)
	k.windowStrand = append(k.windowStrand, strand)
	if k.windowResult == nil {
		return Candidate{}, false
	}
	return k.windowResult(q, w, strand)
}

func newTestMapper(k Kernel, opts *Opts) (*Mapper, *Stats) {
	stats := &Stats{}
	return NewMapper(nil, k, opts, &MappingBuffers{}, stats), stats
}

func TestMapIntervalSelectsAndRebases(t *testing.T) {
	opts := testOpts()
	opts.MaxScore = 0
	opts.BestN = 2
	k := &fakeKernel{results: [][]Candidate{{
		{RefID: 0, RefStart: 500, RefEnd: 600, QStart: 0, QEnd: 100, QStrand: 0, Score: -90, PctSimilarity: 95},
		{RefID: 0, RefStart: 800, RefEnd: 900, QStart: 0, QEnd: 100, QStrand: 1, Score: -70, PctSimilarity: 85},
		{RefID: 0, RefStart: 900, RefEnd: 950, QStart: 10, QEnd: 60, QStrand: 0, Score: -30, PctSimilarity: 82},
	}}}
	m, _ := newTestMapper(k, opts)

	seq := make([]byte, 1000)
	seqRC := make([]byte, 1000)
	sel := m.MapInterval(seq, seqRC, Interval{200, 300}, 7)
	expect.EQ(t, k.calls, 1)
	expect.EQ(t, len(sel), 2)
	// Best hit is forward: query coordinates shift by the interval start.
	expect.EQ(t, sel[0].QStart, 200)
	expect.EQ(t, sel[0].QEnd, 300)
	// Second hit is reverse: coordinates shift onto the reverse-complement
	// buffer, offset len(seq)-intv.End.
	expect.EQ(t, sel[1].QStart, 700)
	expect.EQ(t, sel[1].QEnd, 800)
	for _, c := range sel {
		fwd := forwardQuery(&c, len(seq))
		if fwd.Start < 0 || fwd.End > len(seq) {
			t.Errorf("query interval %v outside molecule", fwd)
		}
	}
}

func TestMapIntervalSensitiveRetry(t *testing.T) {
	opts := testOpts()
	opts.DoSensitiveSearch = true
	k := &fakeKernel{} // no hits, ever
	m, stats := newTestMapper(k, opts)
	sel := m.MapInterval(make([]byte, 100), make([]byte, 100), Interval{0, 100}, 1)
	expect.EQ(t, k.calls, 2)
	expect.EQ(t, stats.SensitiveRetries, 1)
	expect.EQ(t, len(sel), 0)
}

func TestMapIntervalRetryOnLowSimilarity(t *testing.T) {
	opts := testOpts()
	opts.DoSensitiveSearch = true
	opts.MaxScore = 0
	weak := []Candidate{{RefStart: 5, RefEnd: 25, QEnd: 20, Score: -10, PctSimilarity: 60}}
	strong := []Candidate{{RefStart: 5, RefEnd: 105, QEnd: 100, Score: -95, PctSimilarity: 96}}
	k := &fakeKernel{results: [][]Candidate{weak, strong}}
	m, stats := newTestMapper(k, opts)
	sel := m.MapInterval(make([]byte, 100), make([]byte, 100), Interval{0, 100}, 1)
	expect.EQ(t, k.calls, 2)
	expect.EQ(t, stats.SensitiveRetries, 1)
	expect.EQ(t, len(sel), 1)
	expect.EQ(t, sel[0].Score, -95)
}

func TestMapIntervalNoRetryWithoutFlag(t *testing.T) {
	opts := testOpts()
	opts.DoSensitiveSearch = false
	k := &fakeKernel{}
	m, _ := newTestMapper(k, opts)
	m.MapInterval(make([]byte, 100), make([]byte, 100), Interval{0, 100}, 1)
	expect.EQ(t, k.calls, 1)
}

func TestStoreMapQVs(t *testing.T) {
	cands := []Candidate{{Score: -100}, {Score: -40}}
	storeMapQVs(cands)
	expect.EQ(t, cands[0].MapQV, uint8(60))

	cands = []Candidate{{Score: -100}, {Score: -90}}
	storeMapQVs(cands)
	expect.EQ(t, cands[0].MapQV, uint8(10))

	cands = []Candidate{{Score: -100}}
	storeMapQVs(cands)
	expect.EQ(t, cands[0].MapQV, uint8(60))
}
