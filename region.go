package longread

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Region row types in a region table.
const (
	regionAdapter = "Adapter"
	regionInsert  = "Insert"
	regionHQ      = "HQRegion"
)

// Region is one row of a region table.
type Region struct {
	Type       string
	Start, End int
	Score      int
}

// RegionTable is the per-molecule region oracle: subread (insert) and
// adapter intervals plus the high-quality region, keyed by hole number.
// Immutable once loaded; a nil table answers every query with the
// whole-read defaults.
type RegionTable struct {
	byHole map[uint32][]Region
}

type regionRow struct {
	Hole  int    `tsv:"hole"`
	Type  string `tsv:"type"`
	Start int    `tsv:"start"`
	End   int    `tsv:"end"`
	Score int    `tsv:"score"`
}

// LoadRegionTable reads a TSV region table with columns
// "hole type start end score".  Rows with a negative hole, an end before
// the start, or an unknown type are skipped with a warning; a row the TSV
// reader cannot parse fails the load.
func LoadRegionTable(ctx context.Context, path string) (*RegionTable, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	t, err := readRegionTable(in.Reader(ctx), path)
	if cerr := in.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return t, err
}

func readRegionTable(r io.Reader, path string) (*RegionTable, error) {
	tsvReader := tsv.NewReader(r)
	tsvReader.Comment = '#'
	tsvReader.HasHeaderRow = true
	tsvReader.UseHeaderNames = true
	t := &RegionTable{byHole: map[uint32][]Region{}}
	for {
		var row regionRow
		if err := tsvReader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(fmt.Sprintf("%s: read region table", path), err)
		}
		if row.Hole < 0 || row.End < row.Start {
			log.Error.Printf("WARNING. %s: skipping malformed region row %+v", path, row)
			continue
		}
		switch row.Type {
		case regionAdapter, regionInsert, regionHQ:
		default:
			log.Error.Printf("WARNING. %s: skipping region row with unknown type %q", path, row.Type)
			continue
		}
		h := uint32(row.Hole)
		t.byHole[h] = append(t.byHole[h], Region{
			Type:  row.Type,
			Start: row.Start,
			End:   row.End,
			Score: row.Score,
		})
	}
	for _, regions := range t.byHole {
		sort.SliceStable(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	}
	return t, nil
}

// HasHole reports whether the table has any rows for hole h.
func (t *RegionTable) HasHole(h uint32) bool {
	if t == nil {
		return false
	}
	_, ok := t.byHole[h]
	return ok
}

// SubreadIntervals returns the subread intervals of hole h within a read of
// readLen bases.  With byAdapter the intervals are the complement of the
// adapter intervals; otherwise they are the insert regions.  Without region
// information the whole read is one subread.
func (t *RegionTable) SubreadIntervals(h uint32, readLen int, byAdapter bool) []Interval {
	if !t.HasHole(h) {
		return []Interval{{0, readLen}}
	}
	var out []Interval
	if byAdapter {
		pos := 0
		for _, r := range t.byHole[h] {
			if r.Type != regionAdapter {
				continue
			}
			if r.Start > pos {
				out = append(out, Interval{pos, min(r.Start, readLen)})
			}
			if r.End > pos {
				pos = r.End
			}
		}
		if pos < readLen {
			out = append(out, Interval{pos, readLen})
		}
	} else {
		for _, r := range t.byHole[h] {
			if r.Type != regionInsert {
				continue
			}
			iv := Interval{r.Start, min(r.End, readLen)}
			if iv.Start < iv.End {
				out = append(out, iv)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, Interval{0, readLen})
	}
	return out
}

// AdapterIntervals returns the adapter intervals of hole h.
func (t *RegionTable) AdapterIntervals(h uint32) []Interval {
	if !t.HasHole(h) {
		return nil
	}
	var out []Interval
	for _, r := range t.byHole[h] {
		if r.Type == regionAdapter {
			out = append(out, Interval{r.Start, r.End})
		}
	}
	return out
}

// HQRegion returns the high-quality region and score of hole h.  ok is
// false when the table has no HQ row for the hole.
func (t *RegionTable) HQRegion(h uint32) (Interval, int, bool) {
	if !t.HasHole(h) {
		return Interval{}, 0, false
	}
	for _, r := range t.byHole[h] {
		if r.Type == regionHQ {
			return Interval{r.Start, r.End}, r.Score, true
		}
	}
	return Interval{}, 0, false
}

// Mask overwrites every base of m outside its high-quality region with 'N'
// and stores the HQ boundaries and score on the molecule.  It returns false
// when the HQ region is empty; without region information it is a no-op.
func (t *RegionTable) Mask(m *Molecule) bool {
	hq, score, ok := t.HQRegion(m.Hole)
	if !ok {
		return true
	}
	if hq.End > m.Len() {
		hq.End = m.Len()
	}
	if hq.Len() <= 0 {
		return false
	}
	maskOutside(m.Seq, hq.Start, hq.End)
	m.LowQualityPrefix = hq.Start
	m.LowQualitySuffix = m.Len() - hq.End
	m.HQScore = score
	return true
}

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}
