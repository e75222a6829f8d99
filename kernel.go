package longread

import "github.com/grailbio/longread/index"

// Candidate is one alignment of a query interval against the reference.
// Candidates are stored by value; selection is expressed as a set of
// indices and the complement dies with the scratch slice that produced it.
type Candidate struct {
	// RefID is the contig index in the sequence database.
	RefID int
	// RefStart and RefEnd are the contig-local reference interval.
	RefStart, RefEnd int
	// QStart and QEnd are the query interval.  The kernel reports them
	// local to the substring it was handed; the mapper rebases survivors
	// onto molecule coordinates (forward buffer for QStrand 0, reverse
	// complement buffer for QStrand 1).
	QStart, QEnd int
	// QStrand is 0 when the forward query aligned, 1 for the reverse
	// complement.
	QStrand uint8
	// Score of the alignment; smaller is better, credible hits are
	// negative.
	Score int
	// PctSimilarity is the percent identity over the aligned span.
	PctSimilarity float64
	// MapQV is the phred-scaled mapping quality, when stored.
	MapQV uint8
}

// RefWindow names a window of one reference contig.
type RefWindow struct {
	RefID      int
	Start, End int
}

// Kernel is the seed-chain-extend alignment engine.  Implementations must
// be safe for concurrent use by multiple workers as long as each worker
// passes its own MappingBuffers; the index handle is never mutated.
type Kernel interface {
	// MapRead aligns the query (and its reverse complement) against the
	// whole reference and returns candidates ordered by ascending score.
	// An empty result is not an error.
	MapRead(q, qRC []byte, idx *index.Handle, params AlignParams, buf *MappingBuffers) []Candidate

	// AlignWindow aligns the query against one reference window, as used by
	// concordant realignment.  strand orients the query: 1 aligns its
	// reverse complement.  The returned candidate's reference interval is
	// contig-local; ok is false when no credible alignment exists.
	AlignWindow(q []byte, idx *index.Handle, w RefWindow, strand uint8, params AlignParams, buf *MappingBuffers) (Candidate, bool)
}
