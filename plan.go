package longread

import "sort"

// Plan is the ordered set of query intervals to align for one molecule,
// with one orientation bit per interval and the index of the template
// interval that anchors concordant realignment.
type Plan struct {
	Intervals []Interval
	// Dirs holds one orientation bit per interval: 0 forward, 1 reverse.
	// Neighboring subreads of a molecule have opposite orientations.
	Dirs []uint8
	// Template indexes the interval whose alignments anchor concordant
	// realignment; -1 when the plan is empty.
	Template int
}

// PlanIntervals builds the work plan for one molecule: derive subread
// intervals from the region oracle, assign orientations by parity, trim to
// the high-quality region, choose the template, and flip orientations so
// the template aligns forward.  The function is pure: planning the same
// molecule twice yields equal plans.
func PlanIntervals(m *Molecule, rt *RegionTable, opts *Opts) Plan {
	subs := rt.SubreadIntervals(m.Hole, m.Len(), opts.ByAdapter)
	adapters := rt.AdapterIntervals(m.Hole)
	p := Plan{Intervals: subs, Dirs: parityDirs(len(subs))}
	p.trimToHQ(m.HQRange(), opts.MinSubreadLength)
	p.chooseTemplate(adapters, opts.ConcordantTemplate)
	p.orientTemplateForward()
	return p
}

// PlanFromSubreads builds the work plan from pre-segmented subread
// coordinates (inputs that carry one subread per record).  No adapter
// information exists on this path, so every template policy falls back to
// the left-most longest subread.
func PlanFromSubreads(subs []Interval) Plan {
	intervals := make([]Interval, len(subs))
	copy(intervals, subs)
	p := Plan{Intervals: intervals, Dirs: parityDirs(len(intervals))}
	p.chooseTemplate(nil, "")
	p.orientTemplateForward()
	return p
}

func parityDirs(n int) []uint8 {
	dirs := make([]uint8, n)
	for i := range dirs {
		dirs[i] = uint8(i % 2)
	}
	return dirs
}

// trimToHQ trims every interval to the high-quality range and drops
// intervals whose trimmed length is below minLen, removing their
// orientation bits in lock-step.
func (p *Plan) trimToHQ(hq Interval, minLen int) {
	k := 0
	for i, iv := range p.Intervals {
		if iv.Start < hq.Start {
			iv.Start = hq.Start
		}
		if iv.End > hq.End {
			iv.End = hq.End
		}
		if iv.Len() < minLen || iv.Len() <= 0 {
			continue
		}
		p.Intervals[k] = iv
		p.Dirs[k] = p.Dirs[i]
		k++
	}
	p.Intervals = p.Intervals[:k]
	p.Dirs = p.Dirs[:k]
}

// chooseTemplate picks the template interval.  The default is the left-most
// longest interval; the named policies restrict the choice to full-pass
// subreads and fall back to the default when none exists.  policy has been
// validated by Opts.Check before workers start.
func (p *Plan) chooseTemplate(adapters []Interval, policy string) {
	p.Template = leftmostLongest(p.Intervals)
	if p.Template < 0 || policy == "" {
		return
	}
	full := fullPassIndexes(p.Intervals, adapters)
	if len(full) == 0 {
		return
	}
	switch policy {
	case TemplateLongestSubread:
		best := full[0]
		for _, i := range full[1:] {
			if p.Intervals[i].Len() > p.Intervals[best].Len() {
				best = i
			}
		}
		p.Template = best
	case TemplateTypicalSubread:
		// The upper-median-length full pass: long enough to anchor well,
		// short enough to dodge chimeric outliers.
		lens := make([]int, len(full))
		for i, fi := range full {
			lens[i] = p.Intervals[fi].Len()
		}
		sort.Ints(lens)
		p.Template = nearestLength(p.Intervals, full, float64(lens[len(lens)/2]))
	case TemplateMedianSubread:
		lens := make([]int, len(full))
		for i, fi := range full {
			lens[i] = p.Intervals[fi].Len()
		}
		sort.Ints(lens)
		median := float64(lens[(len(lens)-1)/2]+lens[len(lens)/2]) / 2
		p.Template = nearestLength(p.Intervals, full, median)
	}
}

// orientTemplateForward flips every orientation bit when the template's bit
// is set, so the template always aligns forward.
func (p *Plan) orientTemplateForward() {
	if p.Template < 0 || p.Dirs[p.Template] == 0 {
		return
	}
	for i := range p.Dirs {
		p.Dirs[i] ^= 1
	}
}

// leftmostLongest returns the index of the left-most longest interval, or
// -1 for an empty slice.
func leftmostLongest(intervals []Interval) int {
	best := -1
	for i, iv := range intervals {
		if best < 0 || iv.Len() > intervals[best].Len() {
			best = i
		}
	}
	return best
}

// fullPassIndexes returns the indexes of intervals bracketed by adapter
// intervals on both sides.
func fullPassIndexes(intervals, adapters []Interval) []int {
	var out []int
	for i, iv := range intervals {
		var before, after bool
		for _, a := range adapters {
			if a.End <= iv.Start {
				before = true
			}
			if a.Start >= iv.End {
				after = true
			}
		}
		if before && after {
			out = append(out, i)
		}
	}
	return out
}

// nearestLength returns the candidate index whose interval length is
// closest to target, breaking ties toward the earlier index.
func nearestLength(intervals []Interval, candidates []int, target float64) int {
	best, bestDist := -1, 0.0
	for _, i := range candidates {
		d := float64(intervals[i].Len()) - target
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
