package longread

import (
	"testing"

	"github.com/grailbio/testutil/expect"
)

func testOpts() *Opts {
	o := DefaultOpts
	return &o
}

// fourSubreadTable builds a region table with four inserts of lengths 200,
// 800, 600 and 400, each bracketed by adapters.
func fourSubreadTable(hole uint32) *RegionTable {
	return &RegionTable{byHole: map[uint32][]Region{
		hole: {
			{Type: regionAdapter, Start: 0, End: 10},
			{Type: regionInsert, Start: 10, End: 210},
			{Type: regionAdapter, Start: 210, End: 220},
			{Type: regionInsert, Start: 220, End: 1020},
			{Type: regionAdapter, Start: 1020, End: 1030},
			{Type: regionInsert, Start: 1030, End: 1630},
			{Type: regionAdapter, Start: 1630, End: 1640},
			{Type: regionInsert, Start: 1640, End: 2040},
			{Type: regionAdapter, Start: 2040, End: 2050},
			{Type: regionHQ, Start: 0, End: 2050, Score: 800},
		},
	}}
}

func TestPlanWholeReadWithoutRegions(t *testing.T) {
	opts := testOpts()
	opts.MinSubreadLength = 100
	m := &Molecule{Hole: 7, Seq: make([]byte, 1000)}
	p := PlanIntervals(m, nil, opts)
	expect.EQ(t, p.Intervals, []Interval{{0, 1000}})
	expect.EQ(t, p.Dirs, []uint8{0})
	expect.EQ(t, p.Template, 0)
}

func TestPlanDefaultTemplateAndOrientation(t *testing.T) {
	opts := testOpts()
	m := &Molecule{Hole: 9, Seq: make([]byte, 2050)}
	p := PlanIntervals(m, fourSubreadTable(9), opts)
	expect.EQ(t, len(p.Intervals), 4)
	// The left-most longest subread (800 bases) is the template, and all
	// orientations flip so it aligns forward.
	expect.EQ(t, p.Template, 1)
	expect.EQ(t, p.Dirs, []uint8{1, 0, 1, 0})
	expect.EQ(t, p.Dirs[p.Template], uint8(0))
}

func TestPlanMedianSubreadTemplate(t *testing.T) {
	opts := testOpts()
	opts.ConcordantTemplate = TemplateMedianSubread
	m := &Molecule{Hole: 9, Seq: make([]byte, 2050)}
	p := PlanIntervals(m, fourSubreadTable(9), opts)
	// Full-pass lengths {200,800,600,400}: the median is 500 and the
	// nearest full pass by earlier index is the 600 base subread.
	expect.EQ(t, p.Template, 2)
	expect.EQ(t, p.Dirs[p.Template], uint8(0))
}

func TestPlanLongestFullPassTemplate(t *testing.T) {
	opts := testOpts()
	opts.ConcordantTemplate = TemplateLongestSubread
	m := &Molecule{Hole: 9, Seq: make([]byte, 2050)}
	p := PlanIntervals(m, fourSubreadTable(9), opts)
	expect.EQ(t, p.Template, 1)
}

func TestPlanTypicalSubreadTemplate(t *testing.T) {
	opts := testOpts()
	opts.ConcordantTemplate = TemplateTypicalSubread
	m := &Molecule{Hole: 9, Seq: make([]byte, 2050)}
	p := PlanIntervals(m, fourSubreadTable(9), opts)
	// Sorted full-pass lengths {200,400,600,800}: the upper-median length
	// is 600.
	expect.EQ(t, p.Template, 2)
}

func TestPlanPolicyFallsBackWithoutFullPass(t *testing.T) {
	opts := testOpts()
	opts.ConcordantTemplate = TemplateMedianSubread
	// Inserts with no adapters at all: no full pass exists, so the policy
	// falls back to the left-most longest subread.
	rt := &RegionTable{byHole: map[uint32][]Region{
		3: {
			{Type: regionInsert, Start: 0, End: 300},
			{Type: regionInsert, Start: 300, End: 900},
		},
	}}
	m := &Molecule{Hole: 3, Seq: make([]byte, 900)}
	p := PlanIntervals(m, rt, opts)
	expect.EQ(t, p.Template, 1)
}

func TestPlanTrimsToHighQualityRegion(t *testing.T) {
	opts := testOpts()
	opts.MinSubreadLength = 100
	m := &Molecule{Hole: 9, Seq: make([]byte, 2050), LowQualityPrefix: 300, LowQualitySuffix: 500}
	p := PlanIntervals(m, fourSubreadTable(9), opts)
	hq := m.HQRange()
	for i, iv := range p.Intervals {
		if iv.Start < 0 || iv.Start >= iv.End || iv.End > m.Len() {
			t.Errorf("interval %d out of bounds: %v", i, iv)
		}
		if !hq.Contains(iv) {
			t.Errorf("interval %v not inside HQ %v", iv, hq)
		}
		if iv.Len() < opts.MinSubreadLength {
			t.Errorf("interval %v shorter than %d", iv, opts.MinSubreadLength)
		}
	}
	// HQ is [300,1550): the first and last subreads trim away entirely, the
	// middle two trim to the HQ boundaries.
	expect.EQ(t, p.Intervals, []Interval{{300, 1020}, {1030, 1550}})
}

func TestPlanIdempotent(t *testing.T) {
	opts := testOpts()
	opts.ConcordantTemplate = TemplateMedianSubread
	m := &Molecule{Hole: 9, Seq: make([]byte, 2050)}
	rt := fourSubreadTable(9)
	p1 := PlanIntervals(m, rt, opts)
	p2 := PlanIntervals(m, rt, opts)
	expect.EQ(t, p1, p2)
}

func TestPlanFromSubreads(t *testing.T) {
	subs := []Interval{{0, 200}, {210, 1010}, {1020, 1620}}
	p := PlanFromSubreads(subs)
	expect.EQ(t, p.Template, 1)
	expect.EQ(t, p.Dirs, []uint8{1, 0, 1})
}
