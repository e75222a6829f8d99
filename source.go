package longread

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/bio/encoding/fastq"
)

// Unit is one unit of work handed to a mapping worker: either a whole
// molecule, or the individually filtered pre-segmented subreads of one ZMW
// for the worker to stitch.
type Unit struct {
	Mol *Molecule
	// Subreads is non-nil when the source emitted a batch.
	Subreads []*Molecule
	// IsCCS is set when Mol carries a consensus to be aligned in one of the
	// CCS modes.
	IsCCS bool
	// RandInt is the per-molecule random integer, drawn inside the source
	// from the global seed and the hole number so that candidate selection
	// is independent of worker scheduling.
	RandInt int64
}

// Source is the serialized producer of molecule-level records from one read
// file.  All access that advances the stream position goes through the
// source's mutex; a successful Next is the linearization point that defines
// the per-molecule global order.
//
// Reads come from FASTQ or FASTA files, optionally gzipped.  Read names
// follow the movie/hole or movie/hole/start_end convention; a RQ=0.xx token
// in the description sets the high-quality region score.  An optional
// region table supplies HQ regions and subread boundaries, and an optional
// consensus FASTA (names movie/hole or movie/hole/ccs) supplies CCS
// sequences.
type Source struct {
	mu   sync.Mutex
	opts *Opts
	rt   *RegionTable

	path   string
	in     file.File
	closed bool
	sc     recordScanner

	ccs map[string][]byte

	// pending is the one-record lookahead used to group consecutive
	// subreads of the same hole into a batch.
	pending *Molecule
	// seen counts molecules considered, for --start/--stride.
	seen      int
	exhausted bool
}

// recordScanner yields one sequence record at a time from a FASTQ or FASTA
// stream.
type recordScanner interface {
	scan() (id string, seq string, qual string, ok bool)
	err() error
}

type fastqScanner struct {
	sc   *fastq.Scanner
	read fastq.Read
}

func (s *fastqScanner) scan() (string, string, string, bool) {
	if !s.sc.Scan(&s.read) {
		return "", "", "", false
	}
	id := s.read.ID
	if len(id) > 0 && id[0] == '@' {
		id = id[1:]
	}
	return id, s.read.Seq, s.read.Qual, true
}

func (s *fastqScanner) err() error { return s.sc.Err() }

// fastaScanner iterates a FASTA file that was read whole, in order of
// appearance.
type fastaScanner struct {
	fa    fasta.Fasta
	names []string
	i     int
	e     error
}

func (s *fastaScanner) scan() (string, string, string, bool) {
	if s.e != nil || s.i >= len(s.names) {
		return "", "", "", false
	}
	name := s.names[s.i]
	s.i++
	n, err := s.fa.Len(name)
	if err != nil {
		s.e = err
		return "", "", "", false
	}
	seq, err := s.fa.Get(name, 0, n)
	if err != nil {
		s.e = err
		return "", "", "", false
	}
	return name, seq, "", true
}

func (s *fastaScanner) err() error { return s.e }

func isFASTAPath(path string) bool {
	p := strings.TrimSuffix(path, ".gz")
	return strings.HasSuffix(p, ".fa") || strings.HasSuffix(p, ".fasta")
}

// NewSource opens one read file with its optional region table and
// consensus files.  regionPath and ccsPath may be empty.
func NewSource(ctx context.Context, opts *Opts, readPath, regionPath, ccsPath string) (*Source, error) {
	s := &Source{opts: opts, path: readPath}
	if regionPath != "" {
		rt, err := LoadRegionTable(ctx, regionPath)
		if err != nil {
			return nil, err
		}
		s.rt = rt
	}
	if ccsPath != "" {
		ccs, err := loadConsensus(ctx, ccsPath)
		if err != nil {
			return nil, err
		}
		s.ccs = ccs
	}
	in, err := file.Open(ctx, readPath)
	if err != nil {
		return nil, err
	}
	s.in = in
	var r io.Reader = in.Reader(ctx)
	if u, ok := compress.NewReaderPath(r, in.Name()); ok {
		r = u
	}
	if isFASTAPath(readPath) {
		fa, err := fasta.New(r)
		if err != nil {
			_ = in.Close(ctx)
			return nil, errors.E(fmt.Sprintf("%s: read fasta", readPath), err)
		}
		s.sc = &fastaScanner{fa: fa, names: fa.SeqNames()}
	} else {
		s.sc = &fastqScanner{sc: fastq.NewScanner(r, fastq.ID|fastq.Seq|fastq.Qual)}
	}
	return s, nil
}

// RegionTable returns the region oracle for this source's input, or nil.
func (s *Source) RegionTable() *RegionTable { return s.rt }

// loadConsensus reads a consensus FASTA keyed by movie/hole.
func loadConsensus(ctx context.Context, path string) (map[string][]byte, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	var r io.Reader = in.Reader(ctx)
	if u, ok := compress.NewReaderPath(r, in.Name()); ok {
		r = u
	}
	fa, err := fasta.New(r)
	if err != nil {
		_ = in.Close(ctx)
		return nil, errors.E(fmt.Sprintf("%s: read consensus fasta", path), err)
	}
	if err := in.Close(ctx); err != nil {
		return nil, err
	}
	ccs := make(map[string][]byte)
	for _, name := range fa.SeqNames() {
		n, err := fa.Len(name)
		if err != nil {
			return nil, err
		}
		seq, err := fa.Get(name, 0, n)
		if err != nil {
			return nil, err
		}
		key := name
		if movie, hole, _, _, err := parseReadName(name); err == nil {
			key = fmt.Sprintf("%s/%d", movie, hole)
		}
		ccs[key] = []byte(strings.ToUpper(seq))
	}
	return ccs, nil
}

// parseReadName splits a movie/hole[/start_end] read name.
func parseReadName(name string) (movie string, hole uint32, origin Interval, hasOrigin bool, err error) {
	parts := strings.Split(name, "/")
	if len(parts) < 2 {
		return "", 0, Interval{}, false, fmt.Errorf("read name %q has no hole number", name)
	}
	movie = parts[0]
	h, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, Interval{}, false, fmt.Errorf("read name %q: bad hole number", name)
	}
	hole = uint32(h)
	if len(parts) >= 3 && parts[2] != "ccs" {
		se := strings.SplitN(parts[2], "_", 2)
		if len(se) == 2 {
			start, err1 := strconv.Atoi(se[0])
			end, err2 := strconv.Atoi(se[1])
			if err1 == nil && err2 == nil && start < end {
				return movie, hole, Interval{start, end}, true, nil
			}
		}
		return "", 0, Interval{}, false, fmt.Errorf("read name %q: bad subread coordinates", name)
	}
	return movie, hole, Interval{}, false, nil
}

// parseRead converts one input record into a Molecule.
func parseRead(id, seq, qual string) (*Molecule, error) {
	fields := strings.Fields(id)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty read name")
	}
	movie, hole, origin, hasOrigin, err := parseReadName(fields[0])
	if err != nil {
		return nil, err
	}
	m := &Molecule{
		Movie: movie,
		Hole:  hole,
		Seq:   []byte(strings.ToUpper(seq)),
	}
	if hasOrigin {
		m.Origin = origin
	}
	if qual != "" {
		if len(qual) != len(seq) {
			return nil, fmt.Errorf("read %s: %d quality values for %d bases", fields[0], len(qual), len(seq))
		}
		m.Qual = make([]byte, len(qual))
		for i := 0; i < len(qual); i++ {
			m.Qual[i] = qual[i] - 33
		}
	}
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "RQ=") {
			rq, err := strconv.ParseFloat(f[3:], 64)
			if err != nil || rq < 0 || rq > 1 {
				return nil, fmt.Errorf("read %s: bad RQ token %q", fields[0], f)
			}
			m.HQScore = int(rq*1000 + 0.5)
		}
	}
	return m, nil
}

// accept applies the filtering predicate.  stop is set when the hole number
// strictly exceeds the allow-list maximum, which exhausts the source early.
func (s *Source) accept(m *Molecule) (ok, stop bool) {
	o := s.opts
	if !o.HoleNumbers.Empty() && !o.HoleNumbers.Contains(m.Hole) {
		if m.Hole > o.HoleNumbers.Max() {
			return false, true
		}
		return false, false
	}
	if m.HQScore < o.MinRawSubreadScore {
		return false, false
	}
	if o.MaxReadLength != 0 && m.Len() > o.MaxReadLength {
		return false, false
	}
	if m.Len() < o.MinReadLength {
		return false, false
	}
	if len(m.Qual) != 0 && m.AverageQuality() < o.MinAvgQual {
		return false, false
	}
	return true, false
}

// subsampled applies --start/--stride striding and the --subsample
// Bernoulli draw, using the molecule's deterministic random integer.
func (s *Source) subsampled(randInt int64) bool {
	n := s.seen
	s.seen++
	if n < s.opts.Start {
		return false
	}
	if (n-s.opts.Start)%s.opts.Stride != 0 {
		return false
	}
	if s.opts.Subsample < 1 {
		// Derive a unit float from the molecule rand; deterministic across
		// worker counts.
		u := float64(uint64(randInt)>>11) / float64(1<<53)
		if u >= s.opts.Subsample {
			return false
		}
	}
	return true
}

// scanMolecule reads the next raw record, skipping unparseable ones with a
// warning.
func (s *Source) scanMolecule() (*Molecule, bool, error) {
	for {
		id, seq, qual, ok := s.sc.scan()
		if !ok {
			return nil, false, s.sc.err()
		}
		m, err := parseRead(id, seq, qual)
		if err != nil {
			log.Error.Printf("WARNING. %s: skipping record: %v", s.path, err)
			continue
		}
		return m, true, nil
	}
}

// Next returns the next unit of work.  ok is false at exhaustion.  I/O
// errors are fatal for the source.
func (s *Source) Next() (Unit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted {
		return Unit{}, false, nil
	}
	batchMode := s.opts.Concordant && !s.opts.UseAnyCCS()
	for {
		m := s.pending
		s.pending = nil
		if m == nil {
			var (
				ok  bool
				err error
			)
			m, ok, err = s.scanMolecule()
			if err != nil {
				s.exhausted = true
				return Unit{}, false, errors.E(fmt.Sprintf("%s: read", s.path), err)
			}
			if !ok {
				s.exhausted = true
				return Unit{}, false, nil
			}
		}

		// Pre-segmented subreads in concordant mode form a batch: gather
		// every consecutive record of the same hole.
		if batchMode && m.Origin.Len() > 0 {
			batch := []*Molecule{m}
			for {
				next, ok, err := s.scanMolecule()
				if err != nil {
					s.exhausted = true
					return Unit{}, false, errors.E(fmt.Sprintf("%s: read", s.path), err)
				}
				if !ok {
					break
				}
				if next.Hole != m.Hole || next.Movie != m.Movie || next.Origin.Len() == 0 {
					s.pending = next
					break
				}
				batch = append(batch, next)
			}
			randInt := MoleculeRand(s.opts.RandomSeed, m.Hole)
			if !s.subsampled(randInt) {
				continue
			}
			var kept []*Molecule
			stopAll := false
			for _, sub := range batch {
				ok, stop := s.accept(sub)
				if stop {
					stopAll = true
				}
				if ok {
					kept = append(kept, sub)
				}
			}
			if stopAll {
				s.exhausted = true
				return Unit{}, false, nil
			}
			if len(kept) == 0 {
				continue
			}
			return Unit{Subreads: kept, RandInt: randInt}, true, nil
		}

		randInt := MoleculeRand(s.opts.RandomSeed, m.Hole)
		if !s.subsampled(randInt) {
			continue
		}

		// Only the unrolled read is masked; a consensus is left intact.
		if s.rt != nil {
			if !s.rt.Mask(m) {
				continue
			}
		}
		ok, stop := s.accept(m)
		if stop {
			s.exhausted = true
			return Unit{}, false, nil
		}
		if !ok {
			continue
		}

		u := Unit{Mol: m, RandInt: randInt}
		if s.opts.UseAnyCCS() && s.ccs != nil {
			if c, found := s.ccs[m.Name()]; found {
				m.CCS = c
				u.IsCCS = true
			}
		}
		return u, true, nil
	}
}

// Barrier acquires and releases the source mutex.  Workers call it after
// exhaustion so the last one to finish observes a consistent view before
// shutdown.
func (s *Source) Barrier() {
	s.mu.Lock()
	s.mu.Unlock() // nolint: staticcheck
}

// Close releases the input file.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.in.Close(ctx)
}
