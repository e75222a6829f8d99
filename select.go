package longread

import (
	"encoding/binary"
	"math/rand"
	"sort"

	farm "github.com/dgryski/go-farm"
)

// MoleculeRand derives the per-molecule random integer from the global seed
// and the hole number.  Selection ties are broken with this value, so the
// selected set for a molecule is identical regardless of how molecules are
// scheduled across workers.
func MoleculeRand(seed int64, hole uint32) int64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], hole)
	return int64(farm.Hash64WithSeed(buf[:], uint64(seed)))
}

// SelectAlignments deterministically picks which candidates survive for
// output.  Candidates scoring above MaxScore are discarded; the rest are
// ranked by ascending score, then descending identity, then reference
// position, then a permutation seeded by the per-molecule random integer;
// the top BestN survive.  The result is the surviving indices into cands,
// in rank order; the caller owns disposal of the complement.
func SelectAlignments(cands []Candidate, opts *Opts, randInt int64) []int {
	if len(cands) == 0 {
		return nil
	}
	perm := rand.New(rand.NewSource(randInt)).Perm(len(cands))
	keep := make([]int, 0, len(cands))
	for i, c := range cands {
		if c.Score <= opts.MaxScore {
			keep = append(keep, i)
		}
	}
	sort.SliceStable(keep, func(a, b int) bool {
		ci, cj := &cands[keep[a]], &cands[keep[b]]
		if ci.Score != cj.Score {
			return ci.Score < cj.Score
		}
		if ci.PctSimilarity != cj.PctSimilarity {
			return ci.PctSimilarity > cj.PctSimilarity
		}
		if ci.RefID != cj.RefID {
			return ci.RefID < cj.RefID
		}
		if ci.RefStart != cj.RefStart {
			return ci.RefStart < cj.RefStart
		}
		return perm[keep[a]] < perm[keep[b]]
	})
	if opts.BestN > 0 && len(keep) > opts.BestN {
		keep = keep[:opts.BestN]
	}
	return keep
}
