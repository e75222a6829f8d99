package longread

// AlignMode tags how a bundle's alignments were produced.
type AlignMode int

const (
	// Subread: each subread interval aligned independently.
	Subread AlignMode = iota
	// ZmwSubreads: subreads realigned concordantly against a template
	// subread's hits.
	ZmwSubreads
	// CCSDeNovo: only the consensus was aligned.
	CCSDeNovo
	// Fullread: the unrolled polymerase read aligned as a single entity.
	Fullread
	// CCSAllPass: consensus hits exploded over every insert fragment.
	CCSAllPass
	// CCSFullPass: consensus hits exploded over full-pass subreads only.
	CCSFullPass
)

var alignModeNames = [...]string{
	Subread:     "Subread",
	ZmwSubreads: "ZmwSubreads",
	CCSDeNovo:   "CCSDeNovo",
	Fullread:    "Fullread",
	CCSAllPass:  "CCSAllPass",
	CCSFullPass: "CCSFullPass",
}

func (m AlignMode) String() string {
	if int(m) < len(alignModeNames) {
		return alignModeNames[m]
	}
	return "Unknown"
}

// Bundle collects the selected alignments of one molecule, one slot per
// aligned query interval.  A bundle is created empty, mutated only by the
// worker that owns the molecule, handed to the writer in one critical
// section, and then dropped.
type Bundle struct {
	Mode AlignMode
	Mol  *Molecule
	// Intervals holds the query interval of each slot.
	Intervals []Interval
	// Selected holds each slot's surviving candidates, in rank order.
	Selected [][]Candidate
}

// NewBundle returns an empty bundle for one molecule.
func NewBundle(m *Molecule) *Bundle {
	return &Bundle{Mol: m}
}

// Resize makes room for n interval slots.
func (b *Bundle) Resize(n int) {
	b.Intervals = make([]Interval, n)
	b.Selected = make([][]Candidate, n)
}

// SetInterval records the query interval of slot i.
func (b *Bundle) SetInterval(i int, intv Interval) {
	b.Intervals[i] = intv
}

// Add appends candidates to slot i.
func (b *Bundle) Add(i int, cands ...Candidate) {
	b.Selected[i] = append(b.Selected[i], cands...)
}

// NumAlignments returns the total selected candidates across all slots.
func (b *Bundle) NumAlignments() int {
	n := 0
	for _, s := range b.Selected {
		n += len(s)
	}
	return n
}
