// Package align provides the baseline seed-and-extend kernel behind the
// longread.Kernel contract: exact-match anchors found through the suffix
// array, greedy diagonal chaining, and a banded fit alignment of the query
// against each chained window.  Production deployments may substitute a
// faster kernel; this one is correct, deterministic and dependency-free on
// the mapping side.
package align

import (
	"sort"

	"github.com/grailbio/longread"
	"github.com/grailbio/longread/index"
)

// Kernel is the baseline alignment engine.  It is stateless; all scratch
// lives in the per-worker MappingBuffers, so one Kernel may serve every
// worker.
type Kernel struct{}

// New returns the baseline kernel.
func New() *Kernel { return &Kernel{} }

var _ longread.Kernel = (*Kernel)(nil)

// anchor is one exact k-mer match between query and genome.
type anchor struct {
	qpos int
	gpos int
}

var baseCode = func() (t [256]uint8) {
	for i := range t {
		t[i] = 4
	}
	t['A'], t['C'], t['G'], t['T'] = 0, 1, 2, 3
	t['a'], t['c'], t['g'], t['t'] = 0, 1, 2, 3
	return
}()

// encodeKmer two-bit encodes q[i:i+k]; ok is false when the window contains
// a non-ACGT base.
func encodeKmer(q []byte, i, k int) (uint32, bool) {
	var v uint32
	for j := i; j < i+k; j++ {
		c := baseCode[q[j]]
		if c >= 4 {
			return 0, false
		}
		v = v<<2 | uint32(c)
	}
	return v, true
}

// saRange returns the suffix array interval whose suffixes start with pat.
func saRange(genome []byte, sa *index.SuffixArray, pat []byte) (int, int) {
	cmp := func(i int) int {
		suf := genome[sa.At(i):]
		n := len(pat)
		if len(suf) < n {
			n = len(suf)
		}
		for k := 0; k < n; k++ {
			if suf[k] != pat[k] {
				if suf[k] < pat[k] {
					return -1
				}
				return 1
			}
		}
		if len(suf) < len(pat) {
			return -1
		}
		return 0
	}
	lo := sort.Search(sa.Len(), func(i int) bool { return cmp(i) >= 0 })
	hi := sort.Search(sa.Len(), func(i int) bool { return cmp(i) > 0 })
	return lo, hi
}

// MapRead aligns the query and its reverse complement against the whole
// reference and returns candidates ordered by ascending score.
func (k *Kernel) MapRead(q, qRC []byte, idx *index.Handle, params longread.AlignParams,
	buf *longread.MappingBuffers) []longread.Candidate {
	out := buf.Cands[:0]
	for strand, query := range [2][]byte{q, qRC} {
		out = k.mapStrand(out, query, uint8(strand), idx, params, buf)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if params.NCandidates > 0 && len(out) > params.NCandidates {
		out = out[:params.NCandidates]
	}
	buf.Cands = out
	// The caller keeps the returned slice until selection is done; hand it
	// a copy so the scratch list can be reused.
	res := make([]longread.Candidate, len(out))
	copy(res, out)
	return res
}

func (k *Kernel) mapStrand(out []longread.Candidate, query []byte, strand uint8,
	idx *index.Handle, params longread.AlignParams, buf *longread.MappingBuffers) []longread.Candidate {
	kk := params.MinMatchLength
	if kk <= 0 || len(query) < kk {
		return out
	}
	genome := idx.Genome()
	sa := idx.SA()
	counts := idx.Counts()

	// Seed: exact k-mer anchors, skipping k-mers the count table marks as
	// too frequent to be informative.
	step := kk / 2
	if step < 1 {
		step = 1
	}
	anchors := make([]anchor, 0, 64)
	for i := 0; i+kk <= len(query); i += step {
		if counts != nil && counts.K() <= kk {
			if code, ok := encodeKmer(query, i, counts.K()); ok {
				if counts.Count(code) > params.MaxAnchorsPerPosition {
					continue
				}
			}
		}
		lo, hi := saRange(genome.Seq(), sa, query[i:i+kk])
		if hi-lo > params.MaxAnchorsPerPosition {
			continue
		}
		for s := lo; s < hi; s++ {
			anchors = append(anchors, anchor{qpos: i, gpos: sa.At(s)})
		}
	}
	if len(anchors) == 0 {
		return out
	}

	// Chain: bucket anchors by diagonal band; each populated band becomes
	// one target window.
	const bandWidth = 128
	type band struct {
		gMin, gMax int
		qMin, qMax int
		n          int
	}
	bands := map[int]*band{}
	for _, a := range anchors {
		d := (a.gpos - a.qpos) / bandWidth
		b := bands[d]
		if b == nil {
			b = &band{gMin: a.gpos, gMax: a.gpos + kk, qMin: a.qpos, qMax: a.qpos + kk}
			bands[d] = b
		}
		if a.gpos < b.gMin {
			b.gMin = a.gpos
		}
		if a.gpos+kk > b.gMax {
			b.gMax = a.gpos + kk
		}
		if a.qpos < b.qMin {
			b.qMin = a.qpos
		}
		if a.qpos+kk > b.qMax {
			b.qMax = a.qpos + kk
		}
		b.n++
	}
	diags := make([]int, 0, len(bands))
	for d := range bands {
		diags = append(diags, d)
	}
	sort.Slice(diags, func(i, j int) bool {
		bi, bj := bands[diags[i]], bands[diags[j]]
		if bi.n != bj.n {
			return bi.n > bj.n
		}
		return diags[i] < diags[j]
	})
	limit := params.NCandidates + params.MaxExpand
	if limit > 0 && len(diags) > limit {
		diags = diags[:limit]
	}

	// Extend: fit-align the query within each window; alignments never span
	// contig boundaries.
	db := idx.SeqDB()
	for _, d := range diags {
		b := bands[d]
		refID, local := db.Locate(b.gMin)
		pad := len(query) - (b.qMax - b.qMin) + bandWidth
		wStart := local - b.qMin - pad
		wEnd := local + (b.gMax - b.gMin) + (len(query) - b.qMax) + pad
		c, ok := fitAlign(query, idx, longread.RefWindow{RefID: refID, Start: wStart, End: wEnd},
			strand, params, buf)
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// AlignWindow aligns the query against one reference window.  strand 1
// aligns the reverse complement.  The returned reference interval is
// contig-local.
func (k *Kernel) AlignWindow(q []byte, idx *index.Handle, w longread.RefWindow, strand uint8,
	params longread.AlignParams, buf *longread.MappingBuffers) (longread.Candidate, bool) {
	if strand == 1 {
		q = longread.ReverseComplement(q)
	}
	return fitAlign(q, idx, w, strand, params, buf)
}

// Traceback codes.
const (
	traceDiag = iota + 1
	traceUp
	traceLeft
)

// fitAlign aligns all of q within the window (free start and end on the
// reference) and reports the best placement.  The dynamic programming
// matrices live in the worker's scratch buffers.
func fitAlign(q []byte, idx *index.Handle, w longread.RefWindow, strand uint8,
	params longread.AlignParams, buf *longread.MappingBuffers) (longread.Candidate, bool) {
	ref := idx.Genome().Window(w.RefID, w.Start, w.End)
	if len(ref) == 0 || len(q) == 0 {
		return longread.Candidate{}, false
	}
	// Window returns a clamped view; recover the clamped start.
	wStart := w.Start
	if wStart < 0 {
		wStart = 0
	}

	n, m := len(q), len(ref)
	rowLen := m + 1
	need := 2 * rowLen
	if cap(buf.Score) < need {
		buf.Score = make([]int32, need)
	}
	buf.Score = buf.Score[:need]
	if cap(buf.Trace) < (n+1)*rowLen {
		buf.Trace = make([]uint8, (n+1)*rowLen)
	}
	buf.Trace = buf.Trace[:(n+1)*rowLen]

	prev, cur := buf.Score[:rowLen], buf.Score[rowLen:]
	for j := 0; j <= m; j++ {
		prev[j] = 0 // free leading gap on the reference
		buf.Trace[j] = 0
	}
	gap := int32(params.GapOpen + params.GapExtend)
	for i := 1; i <= n; i++ {
		cur[0] = prev[0] + gap
		buf.Trace[i*rowLen] = traceUp
		qc := q[i-1]
		for j := 1; j <= m; j++ {
			sub := int32(params.Mismatch)
			if ref[j-1] == qc && qc != 'N' {
				sub = int32(params.Match)
			}
			best := prev[j-1] + sub
			code := uint8(traceDiag)
			if up := prev[j] + gap; up < best {
				best, code = up, traceUp
			}
			if left := cur[j-1] + gap; left < best {
				best, code = left, traceLeft
			}
			cur[j] = best
			buf.Trace[i*rowLen+j] = code
		}
		prev, cur = cur, prev
	}
	// prev now holds row n.  Free trailing gap on the reference: best end
	// column wins; earlier columns break ties.
	endJ, bestScore := 0, prev[0]
	for j := 1; j <= m; j++ {
		if prev[j] < bestScore {
			bestScore, endJ = prev[j], j
		}
	}
	if bestScore >= 0 {
		return longread.Candidate{}, false
	}

	// Walk the traceback to find the start column and count matches.
	i, j := n, endJ
	matches, aligned := 0, 0
	for i > 0 && j > 0 {
		switch buf.Trace[i*rowLen+j] {
		case traceDiag:
			if ref[j-1] == q[i-1] && q[i-1] != 'N' {
				matches++
			}
			aligned++
			i, j = i-1, j-1
		case traceUp:
			aligned++
			i--
		case traceLeft:
			aligned++
			j--
		default:
			i = 0 // free zone reached
		}
	}
	for ; i > 0; i-- {
		aligned++
	}
	startJ := j
	if aligned == 0 {
		return longread.Candidate{}, false
	}
	return longread.Candidate{
		RefID:         w.RefID,
		RefStart:      wStart + startJ,
		RefEnd:        wStart + endJ,
		QStart:        0,
		QEnd:          n,
		QStrand:       strand,
		Score:         int(bestScore),
		PctSimilarity: 100 * float64(matches) / float64(aligned),
	}, true
}
