package longread

// MappingBuffers is the per-worker scratch storage the kernel reuses across
// calls: dynamic-programming matrices, seed match arrays and candidate
// lists.  Keeping these contiguous and long-lived curbs allocator
// fragmentation during a run.
type MappingBuffers struct {
	// Score and Trace back the banded dynamic-programming matrix.
	Score []int32
	Trace []uint8
	// SeedMatches is an anchor-position buffer cleared with the others; the
	// baseline kernel in package align keeps its anchors in a local slice
	// and does not use it.
	SeedMatches []int
	// Cands is the candidate scratch list; selected entries are copied out
	// and the rest die when the slice is cleared.
	Cands []Candidate
}

// Clear empties the buffers while keeping their backing arrays, for reuse
// between intervals of one molecule.
func (b *MappingBuffers) Clear() {
	b.Score = b.Score[:0]
	b.Trace = b.Trace[:0]
	b.SeedMatches = b.SeedMatches[:0]
	b.Cands = b.Cands[:0]
}

// Reset releases the backing arrays.  Workers call this every 100 molecules
// so a handful of huge reads cannot pin their peak allocations for the
// whole run.
func (b *MappingBuffers) Reset() {
	*b = MappingBuffers{}
}
