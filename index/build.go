package index

import "sort"

// BuildSuffixArray constructs a suffix array for the given genome by direct
// suffix comparison.  Production runs load a precomputed array built by the
// offline indexer; this path exists so that small references can be mapped
// without one.  O(n log n) comparisons, each up to O(n); acceptable for
// test-sized genomes, slow for real ones.
func BuildSuffixArray(genome []byte) *SuffixArray {
	pos := make([]uint32, len(genome))
	for i := range pos {
		pos[i] = uint32(i)
	}
	sort.Slice(pos, func(i, j int) bool {
		a, b := genome[pos[i]:], genome[pos[j]:]
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for k := 0; k < n; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
	return NewSuffixArray(pos)
}
