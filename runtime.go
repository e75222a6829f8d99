package longread

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/longread/index"
)

// bufferResetInterval is how many molecules a worker maps between scratch
// buffer resets.
const bufferResetInterval = 100

// Runtime runs a fixed pool of mapping workers over one read source.  The
// index handle is shared read-only; the source and writer serialize through
// their own mutexes.
type Runtime struct {
	Opts   *Opts
	Index  *index.Handle
	Kernel Kernel
	Source *Source
	Writer *Writer
	// VerboseLogPrefix, when nonempty and Opts.Verbosity >= 3, opens one
	// <prefix>.<worker>.log file per worker for verbose mapping traces.
	VerboseLogPrefix string

	stop int32
	once errors.Once
}

// Run spawns Opts.NProc workers, waits for the source to drain, and returns
// the merged stats.  A worker hitting a fatal error flips the stop flag;
// the error is re-raised here after all workers have joined.
func (r *Runtime) Run() (Stats, error) {
	n := r.Opts.NProc
	workers := make([]*worker, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := &worker{id: i, rt: r, idx: r.Index.Clone()}
		w.buf = &MappingBuffers{}
		w.mapper = NewMapper(w.idx, r.Kernel, r.Opts, w.buf, &w.stats)
		w.realigner = NewRealigner(w.idx, r.Kernel, r.Opts, w.buf, &w.stats)
		workers[i] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run()
		}()
	}
	wg.Wait()
	var stats Stats
	for _, w := range workers {
		stats = stats.Merge(w.stats)
	}
	return stats, r.once.Err()
}

// Stop requests cancellation.  In-flight molecules finish; workers exit at
// the next molecule boundary.
func (r *Runtime) Stop() { atomic.StoreInt32(&r.stop, 1) }

func (r *Runtime) stopped() bool { return atomic.LoadInt32(&r.stop) != 0 }

func (r *Runtime) fail(err error) {
	r.once.Set(err)
	r.Stop()
}

// worker is one mapping task: a shallow clone of the index handle, its own
// scratch buffers and stats, and an optional verbose log.
type worker struct {
	id        int
	rt        *Runtime
	idx       *index.Handle
	buf       *MappingBuffers
	mapper    *Mapper
	realigner *Realigner
	stats     Stats
	verbose   io.WriteCloser
}

func (w *worker) run() {
	if w.rt.Opts.Verbosity >= 3 && w.rt.VerboseLogPrefix != "" {
		name := fmt.Sprintf("%s.%d.log", w.rt.VerboseLogPrefix, w.id)
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Error.Printf("WARNING. could not open worker log %s: %v", name, err)
		} else {
			w.verbose = f
			defer f.Close() // nolint: errcheck
		}
	}
	n := 0
	for {
		if w.rt.stopped() {
			return
		}
		u, ok, err := w.rt.Source.Next()
		if err != nil {
			w.rt.fail(err)
			return
		}
		if !ok {
			break
		}
		w.stats.Molecules++
		b := w.processUnit(u)
		if b.NumAlignments() > 0 {
			w.stats.AlignedMolecules++
		} else {
			w.stats.UnalignedMolecules++
		}
		if err := w.rt.Writer.Write(b); err != nil {
			w.rt.fail(err)
			return
		}
		n++
		if n%bufferResetInterval == 0 {
			w.buf.Reset()
		}
	}
	w.rt.Source.Barrier()
}

// processUnit dispatches one unit of work: subread-separate mapping for
// plain molecules, molecule-wide mapping for consensus and unrolled reads.
func (w *worker) processUnit(u Unit) *Bundle {
	mol := u.Mol
	if mol == nil {
		mol = StitchSubreads(u.Subreads)
	}
	if !u.IsCCS && w.rt.Opts.MapSubreadsSeparately {
		return w.mapSubreads(u, mol)
	}
	return w.mapWhole(u, mol)
}

// mapSubreads aligns each planned subread interval independently; in
// concordant mode only the template is aligned first and its hits anchor
// realignment of the siblings.
func (w *worker) mapSubreads(u Unit, mol *Molecule) *Bundle {
	opts := w.rt.Opts
	molRC := ReverseComplement(mol.Seq)
	var plan Plan
	if u.Subreads != nil {
		plan = PlanFromSubreads(mol.Subreads)
	} else {
		plan = PlanIntervals(mol, w.rt.Source.RegionTable(), opts)
	}

	b := NewBundle(mol)
	b.Mode = Subread
	b.Resize(len(plan.Intervals))
	for i, intv := range plan.Intervals {
		b.SetInterval(i, intv)
	}

	start, end := 0, len(plan.Intervals)
	if opts.Concordant && plan.Template >= 0 {
		start, end = plan.Template, plan.Template+1
		if w.verbose != nil {
			fmt.Fprintf(w.verbose, "concordant template subread index: %d, %d/%v\n",
				plan.Template, mol.Hole, plan.Intervals[plan.Template])
		}
	}
	for i := start; i < end; i++ {
		b.Add(i, w.mapper.MapInterval(mol.Seq, molRC, plan.Intervals[i], u.RandInt)...)
		w.buf.Clear()
	}

	if opts.Concordant && plan.Template >= 0 && plan.Template < len(plan.Intervals) {
		b.Mode = ZmwSubreads
		templates := b.Selected[plan.Template]
		for i := range plan.Intervals {
			if i == plan.Template {
				continue
			}
			w.realigner.RealignInterval(b, mol.Seq, plan.Intervals[i], plan.Dirs[i], i, templates)
			w.buf.Clear()
		}
	}
	return b
}

// mapWhole aligns the molecule as a single entity: the unrolled polymerase
// read, or the consensus in one of the CCS modes.  In the explode modes the
// consensus hits become realignment targets for the subread passes.
func (w *worker) mapWhole(u Unit, mol *Molecule) *Bundle {
	opts := w.rt.Opts

	query := mol
	if u.IsCCS {
		// The consensus is aligned; masking applied to the unrolled read
		// does not touch it.
		query = &Molecule{
			Movie:   mol.Movie,
			Hole:    mol.Hole,
			Seq:     mol.CCS,
			HQScore: mol.HQScore,
		}
	}
	queryRC := ReverseComplement(query.Seq)
	whole := Interval{0, query.Len()}
	selected := w.mapper.MapInterval(query.Seq, queryRC, whole, u.RandInt)
	w.buf.Clear()

	if !u.IsCCS || opts.UseCCSDeNovo {
		b := NewBundle(query)
		if opts.UseCCSDeNovo {
			b.Mode = CCSDeNovo
		} else {
			b.Mode = Fullread
		}
		b.Resize(1)
		b.SetInterval(0, whole)
		b.Add(0, selected...)
		return b
	}

	// Explode: realign each subread pass of the unrolled read to where the
	// consensus aligned.
	b := NewBundle(mol)
	var it SubreadIterator
	if opts.UseCCSAll {
		b.Mode = CCSAllPass
		it = NewFragmentIterator(w.rt.Source.RegionTable(), mol)
	} else {
		b.Mode = CCSFullPass
		it = NewFullPassIterator(w.rt.Source.RegionTable(), mol)
	}
	b.Resize(it.NumPasses())
	it.Reset()
	for slot := 0; ; slot++ {
		dir, intv, ok := it.Next()
		if !ok {
			break
		}
		w.realigner.RealignInterval(b, mol.Seq, intv, dir, slot, selected)
		w.buf.Clear()
	}
	return b
}
