// Package longread maps noisy single-molecule long reads (hundreds of bases
// to tens of kilobases) against a reference genome.  Each molecule (ZMW) is
// fetched from a serialized read source, segmented into subread intervals,
// aligned through an external seed-and-extend kernel against shared
// immutable index structures, optionally realigned concordantly against a
// template subread, and written as per-read alignment records through a
// serialized writer.
package longread

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Concordant template policies accepted by Opts.ConcordantTemplate.  The
// empty string selects the default (left-most longest HQ subread).
const (
	TemplateLongestSubread = "longestsubread"
	TemplateTypicalSubread = "typicalsubread"
	TemplateMedianSubread  = "mediansubread"
)

// AlignParams is the subset of the options consumed by the alignment
// kernel.
type AlignParams struct {
	// MinMatchLength is the minimum anchor (exact match) length.
	MinMatchLength int
	// MaxExpand widens the anchor search interval when matches are scarce.
	MaxExpand int
	// NCandidates caps the candidates the kernel returns.
	NCandidates int
	// MaxAnchorsPerPosition drops anchors seeded at positions with more
	// matches than this.
	MaxAnchorsPerPosition int

	// Scoring.  Score is minimized; Match must be <= 0.
	Match     int
	Mismatch  int
	GapOpen   int
	GapExtend int
}

// Sensitive returns a copy of p tuned for a slower, more sensitive retry,
// used when the default profile finds nothing credible.
func (p AlignParams) Sensitive() AlignParams {
	s := p
	s.MaxExpand++
	s.NCandidates = p.NCandidates * 2
	if s.MinMatchLength > 8 {
		s.MinMatchLength = 8
	}
	return s
}

// Opts configures a mapping run.  The zero value is not usable; start from
// DefaultOpts.
type Opts struct {
	// MinReadLength drops molecules shorter than this; in concordant mode it
	// also skips sibling subreads at or below this length.
	MinReadLength int
	// MinSubreadLength drops subread intervals shorter than this after HQ
	// trimming.
	MinSubreadLength int
	// MinRawSubreadScore drops molecules whose high-quality region score
	// (0-1000) is below this.
	MinRawSubreadScore int
	// MinAvgQual drops molecules whose average base quality is below this,
	// when a quality track exists.
	MinAvgQual float64
	// MaxReadLength, when nonzero, drops molecules longer than this.
	MaxReadLength int

	// MaxScore discards candidates scoring above this (smaller is better).
	MaxScore int
	// BestN keeps the top-N candidates per aligned interval.
	BestN int

	NProc int

	Concordant bool
	// ConcordantTemplate selects which subread anchors concordant
	// realignment; one of the Template* constants, or empty for the
	// left-most longest HQ subread.
	ConcordantTemplate            string
	ConcordantAlignBothDirections bool
	// FlankSize widens each template hit by this many reference bases on
	// both sides before realigning siblings against it.
	FlankSize int

	// MapSubreadsSeparately aligns each subread interval on its own.  When
	// false the molecule is aligned unrolled, as a single polymerase read.
	MapSubreadsSeparately bool
	// ByAdapter derives subread intervals from the adapter intervals rather
	// than the insert regions.
	ByAdapter bool

	// UseCCS / UseCCSAll / UseCCSDeNovo select the consensus alignment
	// modes: full-pass explode, all-fragment explode, and consensus-only.
	UseCCS       bool
	UseCCSAll    bool
	UseCCSDeNovo bool

	DoSensitiveSearch bool
	StoreMapQV        bool

	// HoleNumbers restricts mapping to the given hole numbers.
	HoleNumbers HoleRanges
	// RandomSeed seeds per-molecule candidate selection.  The value is used
	// as given, zero included; the bio-longmap CLI replaces a zero seed with
	// the clock before the run.
	RandomSeed int64
	// Subsample keeps each molecule with this probability (1 keeps all).
	Subsample float64
	// Start skips the first Start molecules; Stride then keeps every
	// Stride'th molecule.
	Start  int
	Stride int

	// Unaligned records molecules with no selected alignments in the
	// unaligned sink.
	Unaligned bool

	Verbosity int

	Align AlignParams
}

// DefaultOpts is the baseline configuration.
var DefaultOpts = Opts{
	MinReadLength:         50,   // --minReadLength
	MinSubreadLength:      0,    // --minSubreadLength
	MinRawSubreadScore:    0,    // --minRawSubreadScore, 0..1000
	MinAvgQual:            0,    // --minAvgQual
	MaxReadLength:         0,    // --maxReadLength, 0 = no cap
	MaxScore:              -200, // --maxScore; alignment scores are negative
	BestN:                 10,   // --bestn
	NProc:                 1,    // --nproc
	Concordant:            false,
	ConcordantTemplate:    "",
	FlankSize:             40, // --flankSize
	MapSubreadsSeparately: true,
	Subsample:             1,
	Stride:                1,
	StoreMapQV:            true,
	Align: AlignParams{
		MinMatchLength:        12,
		MaxExpand:             0,
		NCandidates:           10,
		MaxAnchorsPerPosition: 10000,
		Match:                 -5,
		Mismatch:              6,
		GapOpen:               5,
		GapExtend:             5,
	},
}

// Check validates o.  It returns an error describing the first violation a
// run must not start with.
func (o *Opts) Check() error {
	switch o.ConcordantTemplate {
	case "", TemplateLongestSubread, TemplateTypicalSubread, TemplateMedianSubread:
	default:
		return errors.E(fmt.Sprintf("unrecognized --concordantTemplate %q (want %s, %s or %s)",
			o.ConcordantTemplate,
			TemplateLongestSubread, TemplateTypicalSubread, TemplateMedianSubread))
	}
	if o.NProc < 1 {
		return errors.E(fmt.Sprintf("--nproc must be >= 1, got %d", o.NProc))
	}
	if o.BestN < 1 {
		return errors.E(fmt.Sprintf("--bestn must be >= 1, got %d", o.BestN))
	}
	if o.Subsample <= 0 || o.Subsample > 1 {
		return errors.E(fmt.Sprintf("--subsample must be in (0,1], got %g", o.Subsample))
	}
	if o.Stride < 1 {
		return errors.E(fmt.Sprintf("--stride must be >= 1, got %d", o.Stride))
	}
	if o.Start < 0 {
		return errors.E(fmt.Sprintf("--start must be >= 0, got %d", o.Start))
	}
	nCCS := 0
	for _, b := range []bool{o.UseCCS, o.UseCCSAll, o.UseCCSDeNovo} {
		if b {
			nCCS++
		}
	}
	if nCCS > 1 {
		return errors.E("--useccs, --useccsall and --useccsdenovo are mutually exclusive")
	}
	return nil
}

// UseAnyCCS reports whether any consensus alignment mode is selected.
func (o *Opts) UseAnyCCS() bool { return o.UseCCS || o.UseCCSAll || o.UseCCSDeNovo }

// HoleRanges is a set of inclusive hole-number ranges, as written on the
// command line: "64,1000-2000,5000".
type HoleRanges struct {
	ranges []holeRange
}

type holeRange struct{ lo, hi uint32 }

// ParseHoleRanges parses a comma-separated list of hole numbers and
// inclusive ranges.
func ParseHoleRanges(s string) (HoleRanges, error) {
	var h HoleRanges
	if s == "" {
		return h, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		var r holeRange
		if i := strings.IndexByte(tok, '-'); i >= 0 {
			lo, err := strconv.ParseUint(tok[:i], 10, 32)
			if err != nil {
				return HoleRanges{}, errors.E(fmt.Sprintf("bad hole range %q", tok), err)
			}
			hi, err := strconv.ParseUint(tok[i+1:], 10, 32)
			if err != nil {
				return HoleRanges{}, errors.E(fmt.Sprintf("bad hole range %q", tok), err)
			}
			if hi < lo {
				return HoleRanges{}, errors.E(fmt.Sprintf("inverted hole range %q", tok))
			}
			r = holeRange{uint32(lo), uint32(hi)}
		} else {
			v, err := strconv.ParseUint(tok, 10, 32)
			if err != nil {
				return HoleRanges{}, errors.E(fmt.Sprintf("bad hole number %q", tok), err)
			}
			r = holeRange{uint32(v), uint32(v)}
		}
		h.ranges = append(h.ranges, r)
	}
	sort.Slice(h.ranges, func(i, j int) bool { return h.ranges[i].lo < h.ranges[j].lo })
	return h, nil
}

// Empty reports whether no ranges are configured.
func (h HoleRanges) Empty() bool { return len(h.ranges) == 0 }

// Contains reports whether hole x is in any range.
func (h HoleRanges) Contains(x uint32) bool {
	i := sort.Search(len(h.ranges), func(i int) bool { return h.ranges[i].hi >= x })
	return i < len(h.ranges) && h.ranges[i].lo <= x
}

// Max returns the largest configured hole number; 0 when empty.
func (h HoleRanges) Max() uint32 {
	var max uint32
	for _, r := range h.ranges {
		if r.hi > max {
			max = r.hi
		}
	}
	return max
}

func (h HoleRanges) String() string {
	var b strings.Builder
	for i, r := range h.ranges {
		if i > 0 {
			b.WriteByte(',')
		}
		if r.lo == r.hi {
			fmt.Fprintf(&b, "%d", r.lo)
		} else {
			fmt.Fprintf(&b, "%d-%d", r.lo, r.hi)
		}
	}
	return b.String()
}
