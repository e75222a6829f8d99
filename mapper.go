package longread

import "github.com/grailbio/longread/index"

// Thresholds for the sensitive retry and the mapping-quality computation.
const (
	// retrySimilarity is the percent identity below which the top candidate
	// does not count as a credible hit and the sensitive profile is tried.
	retrySimilarity = 80
	maxMapQV        = 60
)

// Mapper aligns query intervals of one molecule through the kernel.  One
// Mapper per worker; it shares the worker's scratch buffers and stats.
type Mapper struct {
	idx    *index.Handle
	kernel Kernel
	opts   *Opts
	buf    *MappingBuffers
	stats  *Stats
}

// NewMapper returns a Mapper bound to one worker's index handle, buffers
// and stats.
func NewMapper(idx *index.Handle, kernel Kernel, opts *Opts, buf *MappingBuffers, stats *Stats) *Mapper {
	return &Mapper{idx: idx, kernel: kernel, opts: opts, buf: buf, stats: stats}
}

// MapInterval aligns one query interval of the molecule and returns the
// selected candidates, already rebased onto molecule coordinates.  seq and
// seqRC are the molecule's forward and reverse-complement buffers.  An
// empty result means the interval had no credible hits.
func (m *Mapper) MapInterval(seq, seqRC []byte, intv Interval, randInt int64) []Candidate {
	q := seq[intv.Start:intv.End]
	// The reverse complement of the interval is a slice of the molecule's
	// reverse complement buffer.
	off := len(seq) - intv.End
	qRC := seqRC[off : off+intv.Len()]

	m.stats.Reads++
	cands := m.kernel.MapRead(q, qRC, m.idx, m.opts.Align, m.buf)
	m.stats.KernelCalls++
	if (len(cands) == 0 || cands[0].PctSimilarity < retrySimilarity) && m.opts.DoSensitiveSearch {
		cands = m.kernel.MapRead(q, qRC, m.idx, m.opts.Align.Sensitive(), m.buf)
		m.stats.KernelCalls++
		m.stats.SensitiveRetries++
	}
	if len(cands) > 0 && cands[0].Score < m.opts.MaxScore && m.opts.StoreMapQV {
		storeMapQVs(cands)
	}

	selected := SelectAlignments(cands, m.opts, randInt)
	out := make([]Candidate, 0, len(selected))
	for _, i := range selected {
		c := cands[i]
		rebase(&c, intv, len(seq))
		out = append(out, c)
	}
	return out
}

// storeMapQVs stores a phred-scaled mapping quality on the top candidate:
// the score gap to the runner-up, capped.  A lone candidate gets the cap.
func storeMapQVs(cands []Candidate) {
	qv := maxMapQV
	if len(cands) > 1 {
		if gap := cands[1].Score - cands[0].Score; gap < qv {
			qv = gap
		}
		if qv < 0 {
			qv = 0
		}
	}
	cands[0].MapQV = uint8(qv)
}

// rebase shifts a candidate's query interval from substring-local
// coordinates onto the molecule-level buffer: the forward buffer for
// strand 0, the reverse-complement buffer for strand 1.
func rebase(c *Candidate, intv Interval, readLen int) {
	if c.QStrand == 0 {
		c.QStart += intv.Start
		c.QEnd += intv.Start
	} else {
		off := readLen - intv.End
		c.QStart += off
		c.QEnd += off
	}
}

// forwardQuery maps a candidate's query interval onto molecule-forward
// coordinates regardless of strand.
func forwardQuery(c *Candidate, readLen int) Interval {
	if c.QStrand == 0 {
		return Interval{c.QStart, c.QEnd}
	}
	return Interval{readLen - c.QEnd, readLen - c.QStart}
}
