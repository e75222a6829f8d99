package longread

import (
	"github.com/grailbio/longread/index"
)

// SubreadIterator enumerates the passes of one molecule for concordant
// realignment of consensus hits.  Two implementations exist: one over every
// insert fragment, one over full-pass subreads only.
type SubreadIterator interface {
	// NumPasses returns the number of passes the iterator will yield.
	NumPasses() int
	// Next returns the orientation and interval of the next pass.
	Next() (dir uint8, intv Interval, ok bool)
	// Reset rewinds the iterator.
	Reset()
}

type subreadIterator struct {
	intervals []Interval
	dirs      []uint8
	i         int
}

func (it *subreadIterator) NumPasses() int { return len(it.intervals) }

func (it *subreadIterator) Next() (uint8, Interval, bool) {
	if it.i >= len(it.intervals) {
		return 0, Interval{}, false
	}
	d, iv := it.dirs[it.i], it.intervals[it.i]
	it.i++
	return d, iv, true
}

func (it *subreadIterator) Reset() { it.i = 0 }

// passList derives the pass intervals of a molecule: the region oracle when
// it knows the hole, else the molecule's own pre-segmented subreads, else
// the whole read as a single pass.
func passList(rt *RegionTable, m *Molecule) []Interval {
	if rt.HasHole(m.Hole) {
		return rt.SubreadIntervals(m.Hole, m.Len(), false)
	}
	if len(m.Subreads) > 0 {
		return m.Subreads
	}
	return []Interval{{0, m.Len()}}
}

// NewFragmentIterator iterates every insert fragment of the molecule, in
// alternating orientations.
func NewFragmentIterator(rt *RegionTable, m *Molecule) SubreadIterator {
	ivs := passList(rt, m)
	return &subreadIterator{intervals: ivs, dirs: parityDirs(len(ivs))}
}

// NewFullPassIterator iterates only the subreads bracketed by adapters on
// both sides.  Without adapter information every pass is taken to be full
// pass.
func NewFullPassIterator(rt *RegionTable, m *Molecule) SubreadIterator {
	ivs := passList(rt, m)
	dirs := parityDirs(len(ivs))
	if adapters := rt.AdapterIntervals(m.Hole); len(adapters) > 0 {
		var (
			fullIvs  []Interval
			fullDirs []uint8
		)
		for _, i := range fullPassIndexes(ivs, adapters) {
			fullIvs = append(fullIvs, ivs[i])
			fullDirs = append(fullDirs, dirs[i])
		}
		ivs, dirs = fullIvs, fullDirs
	}
	return &subreadIterator{intervals: ivs, dirs: dirs}
}

// FlankWindow widens a template hit by flank reference bases on both sides,
// clamped to the hit's contig.
func FlankWindow(c Candidate, db *index.SeqDB, flank int) RefWindow {
	contig := db.Contig(c.RefID)
	w := RefWindow{RefID: c.RefID, Start: c.RefStart - flank, End: c.RefEnd + flank}
	if w.Start < 0 {
		w.Start = 0
	}
	if w.End > contig.Length {
		w.End = contig.Length
	}
	return w
}

// Realigner realigns sibling subreads against the flanked windows of a
// template's selected hits.  One Realigner per worker.
type Realigner struct {
	idx    *index.Handle
	kernel Kernel
	opts   *Opts
	buf    *MappingBuffers
	stats  *Stats
}

// NewRealigner returns a Realigner bound to one worker's index handle,
// buffers and stats.
func NewRealigner(idx *index.Handle, kernel Kernel, opts *Opts, buf *MappingBuffers, stats *Stats) *Realigner {
	return &Realigner{idx: idx, kernel: kernel, opts: opts, buf: buf, stats: stats}
}

// RealignInterval realigns one sibling interval of the molecule against
// each template hit, honoring the interval's orientation, and attaches the
// results to the bundle slot.  Intervals at or below MinReadLength are
// skipped.  Template hits are ordered by ascending score; the loop stops at
// the first hit above MaxScore.
func (r *Realigner) RealignInterval(b *Bundle, seq []byte, intv Interval, dir uint8, slot int, templates []Candidate) {
	if intv.Len() <= r.opts.MinReadLength {
		return
	}
	b.SetInterval(slot, intv)
	for _, tc := range templates {
		if tc.Score > r.opts.MaxScore {
			break
		}
		w := FlankWindow(tc, r.idx.SeqDB(), r.opts.FlankSize)
		r.alignOne(b, slot, seq, intv, dir, w)
		if r.opts.ConcordantAlignBothDirections {
			r.alignOne(b, slot, seq, intv, dir^1, w)
		}
	}
}

func (r *Realigner) alignOne(b *Bundle, slot int, seq []byte, intv Interval, dir uint8, w RefWindow) {
	r.stats.Realignments++
	q := seq[intv.Start:intv.End]
	c, ok := r.kernel.AlignWindow(q, r.idx, w, dir, r.opts.Align, r.buf)
	if !ok || c.Score > r.opts.MaxScore {
		return
	}
	rebase(&c, intv, len(seq))
	b.Add(slot, c)
}
