package longread

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/grailbio/longread/index"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

// hashKernel is a deterministic, stateless stand-in for the alignment
// engine: candidates are derived from the query content alone, so runs with
// different worker counts must produce identical per-molecule results.
type hashKernel struct{}

func querySig(q []byte) int {
	h := 0
	for _, b := range q {
		h = h*31 + int(b)
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (hashKernel) MapRead(q, qRC []byte, idx *index.Handle, params AlignParams,
	buf *MappingBuffers) []Candidate {
	h := querySig(q)
	var out []Candidate
	for i := 0; i < 3; i++ {
		start := (h + i*997) % 5000
		out = append(out, Candidate{
			RefID:         0,
			RefStart:      start,
			RefEnd:        start + len(q),
			QStart:        0,
			QEnd:          len(q),
			QStrand:       uint8(i % 2),
			Score:         -300 + i*10 + h%7,
			PctSimilarity: 90,
		})
	}
	return out
}

func (hashKernel) AlignWindow(q []byte, idx *index.Handle, w RefWindow, strand uint8,
	params AlignParams, buf *MappingBuffers) (Candidate, bool) {
	return Candidate{
		RefID:         w.RefID,
		RefStart:      w.Start,
		RefEnd:        w.Start + len(q),
		QStart:        0,
		QEnd:          len(q),
		QStrand:       strand,
		Score:         -250 - querySig(q)%13,
		PctSimilarity: 88,
	}, true
}

// countingKernel never finds anything and counts invocations.
type countingKernel struct {
	mapCalls int32
}

func (k *countingKernel) MapRead(q, qRC []byte, idx *index.Handle, params AlignParams,
	buf *MappingBuffers) []Candidate {
	atomic.AddInt32(&k.mapCalls, 1)
	return nil
}

func (k *countingKernel) AlignWindow(q []byte, idx *index.Handle, w RefWindow, strand uint8,
	params AlignParams, buf *MappingBuffers) (Candidate, bool) {
	return Candidate{}, false
}

func tenMoleculeFASTQ() string {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		seq := strings.Repeat("ACGT", 30+i) // 120..156 bases
		fmt.Fprintf(&b, "@m1/%d/0_%d RQ=0.85\n%s\n+\n%s\n",
			100+i, len(seq), seq, strings.Repeat("I", len(seq)))
	}
	return b.String()
}

// runPool maps the given FASTQ through a pool of n workers and returns the
// emitted SAM record lines.
func runPool(t *testing.T, kernel Kernel, opts Opts, fastq string, nproc int) ([]string, Stats) {
	opts.NProc = nproc
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	readPath := writeTestFile(t, tempDir, "reads.fastq", fastq)

	ctx := context.Background()
	source, err := NewSource(ctx, &opts, readPath, "", "")
	require.NoError(t, err)
	defer source.Close(ctx) // nolint: errcheck

	idx := newTestIndex(t, bytes.Repeat([]byte{'A'}, 10000))
	var out bytes.Buffer
	writer, err := NewWriter(ctx, &out, idx.SeqDB(), FormatSAM, "", "", "m1")
	require.NoError(t, err)

	rt := &Runtime{Opts: &opts, Index: idx, Kernel: kernel, Source: source, Writer: writer}
	stats, err := rt.Run()
	require.NoError(t, err)
	require.NoError(t, writer.Close(ctx))

	var records []string
	for _, l := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if l != "" && !strings.HasPrefix(l, "@") {
			records = append(records, l)
		}
	}
	return records, stats
}

func TestRunDeterministicAcrossWorkerCounts(t *testing.T) {
	opts := *testOpts()
	opts.RandomSeed = 1234
	opts.MaxScore = -100
	one, stats1 := runPool(t, hashKernel{}, opts, tenMoleculeFASTQ(), 1)
	two, stats2 := runPool(t, hashKernel{}, opts, tenMoleculeFASTQ(), 2)
	four, _ := runPool(t, hashKernel{}, opts, tenMoleculeFASTQ(), 4)

	// Global file order may differ; the per-molecule record sets must not.
	sort.Strings(one)
	sort.Strings(two)
	sort.Strings(four)
	expect.EQ(t, two, one)
	expect.EQ(t, four, one)
	expect.EQ(t, stats1.Molecules, 10)
	expect.EQ(t, stats2.Molecules, 10)
}

func TestRunNoHitsGoesToUnalignedSink(t *testing.T) {
	opts := *testOpts()
	opts.DoSensitiveSearch = true
	opts.Unaligned = true
	kernel := &countingKernel{}

	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	readPath := writeTestFile(t, tempDir, "reads.fastq",
		"@m1/1/0_120 RQ=0.85\n"+strings.Repeat("ACGT", 30)+"\n+\n"+strings.Repeat("I", 120)+"\n")

	ctx := context.Background()
	source, err := NewSource(ctx, &opts, readPath, "", "")
	require.NoError(t, err)
	defer source.Close(ctx) // nolint: errcheck

	idx := newTestIndex(t, bytes.Repeat([]byte{'A'}, 1000))
	var out bytes.Buffer
	unalignedPath := tempDir + "/unaligned.fasta"
	writer, err := NewWriter(ctx, &out, idx.SeqDB(), FormatSAM, "", unalignedPath, "m1")
	require.NoError(t, err)

	rt := &Runtime{Opts: &opts, Index: idx, Kernel: kernel, Source: source, Writer: writer}
	stats, err := rt.Run()
	require.NoError(t, err)
	require.NoError(t, writer.Close(ctx))

	// The kernel ran twice for the one interval: default profile plus the
	// sensitive retry.
	expect.EQ(t, atomic.LoadInt32(&kernel.mapCalls), int32(2))
	expect.EQ(t, stats.SensitiveRetries, 1)
	expect.EQ(t, stats.UnalignedMolecules, 1)
	expect.EQ(t, writer.NumUnaligned(), 1)
}

func TestRunSingleSubreadModesAgree(t *testing.T) {
	fastq := "@m1/1/0_120 RQ=0.85\n" + strings.Repeat("ACGT", 30) + "\n+\n" + strings.Repeat("I", 120) + "\n"

	subread := *testOpts()
	subread.RandomSeed = 99
	subread.MaxScore = -100
	subread.MapSubreadsSeparately = true
	a, _ := runPool(t, hashKernel{}, subread, fastq, 1)

	whole := subread
	whole.MapSubreadsSeparately = false
	b, _ := runPool(t, hashKernel{}, whole, fastq, 1)

	// A single-subread molecule aligns identically in both modes, modulo
	// the alignment-mode tag; compare the mandatory SAM columns.
	mandatory := func(recs []string) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = strings.Join(strings.Split(r, "\t")[:11], "\t")
		}
		sort.Strings(out)
		return out
	}
	expect.EQ(t, mandatory(b), mandatory(a))
}

func TestRunConcordantRealignsSiblings(t *testing.T) {
	// Two pre-segmented subreads of one hole: concordant mode aligns the
	// template and realigns the sibling against its flanked hits.
	fastq := "@m1/9/0_120 RQ=0.85\n" + strings.Repeat("ACGT", 30) + "\n+\n" + strings.Repeat("I", 120) + "\n" +
		"@m1/9/130_250 RQ=0.85\n" + strings.Repeat("TGCA", 30) + "\n+\n" + strings.Repeat("I", 120) + "\n"
	opts := *testOpts()
	opts.RandomSeed = 5
	opts.MaxScore = -100
	opts.Concordant = true
	opts.MinReadLength = 50
	records, stats := runPool(t, hashKernel{}, opts, fastq, 1)
	expect.EQ(t, stats.Molecules, 1)
	if stats.Realignments == 0 {
		t.Error("expected concordant realignments")
	}
	if len(records) == 0 {
		t.Error("expected records from concordant mapping")
	}
	for _, r := range records {
		if !strings.Contains(r, "cm:Z:ZmwSubreads") {
			t.Errorf("record not tagged with concordant mode: %s", r)
		}
	}
}
