package longread

import (
	"fmt"

	"github.com/grailbio/bio/biosimd"
)

// Interval is a half-open range [Start, End) into a molecule.
type Interval struct {
	Start, End int
}

// Len returns End - Start.
func (i Interval) Len() int { return i.End - i.Start }

// Contains reports whether o is within i.
func (i Interval) Contains(o Interval) bool {
	return i.Start <= o.Start && o.End <= i.End
}

func (i Interval) String() string { return fmt.Sprintf("[%d,%d)", i.Start, i.End) }

// Molecule is one ZMW record: the raw polymerase read of a single
// instrument well, its optional per-base qualities, and what is known about
// its internal structure.
type Molecule struct {
	// Movie and Hole identify the molecule; Movie doubles as the read group.
	Movie string
	Hole  uint32

	Seq []byte
	// Qual holds phred values, not ASCII; nil when the input carries no
	// quality track.
	Qual []byte

	// HQScore is the high-quality region score, 0..1000.
	HQScore int
	// The high-quality region is [LowQualityPrefix, Len()-LowQualitySuffix).
	LowQualityPrefix int
	LowQualitySuffix int

	// CCS is the precomputed consensus derived from this molecule's
	// subreads; nil when absent.
	CCS []byte
	// Subreads are the already-segmented subread coordinates within Seq,
	// when the input carries them.
	Subreads []Interval

	// Origin is this record's coordinate range within its parent polymerase
	// read, for inputs that store one subread per record.  Zero for whole
	// molecules.
	Origin Interval
}

func (m *Molecule) Len() int { return len(m.Seq) }

// Name returns the canonical movie/hole read name.
func (m *Molecule) Name() string { return fmt.Sprintf("%s/%d", m.Movie, m.Hole) }

// HQRange returns the high-quality region [LowQualityPrefix,
// Len()-LowQualitySuffix).
func (m *Molecule) HQRange() Interval {
	return Interval{m.LowQualityPrefix, m.Len() - m.LowQualitySuffix}
}

// AverageQuality returns the mean phred quality, or 0 when there is no
// quality track.
func (m *Molecule) AverageQuality() float64 {
	if len(m.Qual) == 0 {
		return 0
	}
	sum := 0
	for _, q := range m.Qual {
		sum += int(q)
	}
	return float64(sum) / float64(len(m.Qual))
}

// ReverseComplement returns the reverse complement of a DNA sequence.
func ReverseComplement(seq []byte) []byte {
	buf := make([]byte, len(seq))
	biosimd.ReverseComp8NoValidate(buf, seq)
	return buf
}

// maskOutside overwrites every base outside [start, end) with 'N'.
func maskOutside(seq []byte, start, end int) {
	for i := 0; i < start && i < len(seq); i++ {
		seq[i] = 'N'
	}
	for i := end; i < len(seq); i++ {
		if i >= 0 {
			seq[i] = 'N'
		}
	}
}

// StitchSubreads builds a synthetic polymerase read from the pre-segmented
// subreads of one molecule.  Each subread is placed at its Origin
// coordinates; bases no subread covers become 'N'.  The result records the
// subread coordinates and a high-quality region spanning them.
func StitchSubreads(subs []*Molecule) *Molecule {
	if len(subs) == 0 {
		return nil
	}
	length := 0
	for _, s := range subs {
		if s.Origin.End > length {
			length = s.Origin.End
		}
	}
	m := &Molecule{
		Movie:   subs[0].Movie,
		Hole:    subs[0].Hole,
		Seq:     make([]byte, length),
		HQScore: subs[0].HQScore,
	}
	for i := range m.Seq {
		m.Seq[i] = 'N'
	}
	var hasQual bool
	for _, s := range subs {
		if len(s.Qual) != 0 {
			hasQual = true
		}
	}
	if hasQual {
		m.Qual = make([]byte, length)
	}
	first, last := length, 0
	for _, s := range subs {
		copy(m.Seq[s.Origin.Start:], s.Seq)
		if hasQual && len(s.Qual) != 0 {
			copy(m.Qual[s.Origin.Start:], s.Qual)
		}
		m.Subreads = append(m.Subreads, s.Origin)
		if s.Origin.Start < first {
			first = s.Origin.Start
		}
		if s.Origin.End > last {
			last = s.Origin.End
		}
		if s.HQScore > m.HQScore {
			m.HQScore = s.HQScore
		}
	}
	m.LowQualityPrefix = first
	m.LowQualitySuffix = length - last
	return m
}
