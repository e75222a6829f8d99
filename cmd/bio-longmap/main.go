package main

// bio-longmap maps PacBio-style long reads against a reference genome.
//
// Usage:
//
//    bio-longmap [flags] reads.fastq[.fofn] genome.fa
//
// Reads are FASTQ or FASTA (optionally gzipped, optionally a file of
// filenames); the reference is multi-contig FASTA.  Precomputed index
// structures are taken from --sa, --bwt and --ctab when given.  Without
// --sa a suffix array is built in memory; without --bwt or --ctab the run
// goes on without a BWT-FM index or count table.  Output is SAM (default) or BAM via --bam, written to
// --out.

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/longread"
	"github.com/grailbio/longread/align"
	"github.com/grailbio/longread/index"
)

type mainFlags struct {
	saPath     string
	bwtPath    string
	ctabPath   string
	regionPath string
	ccsPath    string

	outPath       string
	unalignedPath string
	sam           bool
	bam           bool

	holeNumbers string
	randomSeed  int64
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR. "+format+"\n", args...)
	os.Exit(1)
}

func timestamp() string { return time.Now().Format("2006-01-02T15:04:05") }

// expandFOFN expands a file of filenames into its entries.  A FOFN is
// recognized by the ".fofn" extension or a leading "# fofn" header line;
// anything else expands to itself.
func expandFOFN(ctx context.Context, path string) ([]string, error) {
	isFOFN := strings.HasSuffix(path, ".fofn")
	if !isFOFN {
		in, err := file.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		head := make([]byte, len("# fofn"))
		n, _ := in.Reader(ctx).Read(head)
		if err := in.Close(ctx); err != nil {
			return nil, err
		}
		isFOFN = string(head[:n]) == "# fofn"
	}
	if !isFOFN {
		return []string{path}, nil
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	var paths []string
	sc := bufio.NewScanner(in.Reader(ctx))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		_ = in.Close(ctx)
		return nil, err
	}
	if err := in.Close(ctx); err != nil {
		return nil, err
	}
	return paths, nil
}

// movieName guesses the movie (read group) from the read file name.
func movieName(path string) string {
	base := filepath.Base(path)
	for _, suffix := range []string{".gz", ".fastq", ".fq", ".fasta", ".fa", ".fofn"} {
		base = strings.TrimSuffix(base, suffix)
	}
	return base
}

func main() {
	opts := longread.DefaultOpts
	flags := mainFlags{}

	flag.IntVar(&opts.MinReadLength, "minReadLength", longread.DefaultOpts.MinReadLength,
		"Skip molecules shorter than this.")
	flag.IntVar(&opts.MinSubreadLength, "minSubreadLength", longread.DefaultOpts.MinSubreadLength,
		"Drop subread intervals shorter than this after high-quality trimming.")
	flag.IntVar(&opts.MinRawSubreadScore, "minRawSubreadScore", longread.DefaultOpts.MinRawSubreadScore,
		"Skip molecules with a high-quality region score (0-1000) below this.")
	flag.Float64Var(&opts.MinAvgQual, "minAvgQual", longread.DefaultOpts.MinAvgQual,
		"Skip molecules whose average base quality is below this.")
	flag.IntVar(&opts.MaxReadLength, "maxReadLength", longread.DefaultOpts.MaxReadLength,
		"Skip molecules longer than this; 0 disables the cap.")
	flag.IntVar(&opts.MaxScore, "maxScore", longread.DefaultOpts.MaxScore,
		"Discard alignments scoring above this (smaller is better).")
	flag.IntVar(&opts.BestN, "bestn", longread.DefaultOpts.BestN,
		"Report the top n alignments per aligned interval.")
	flag.IntVar(&opts.NProc, "nproc", longread.DefaultOpts.NProc,
		"Number of mapping workers.")
	flag.BoolVar(&opts.Concordant, "concordant", false,
		"Map subreads of one ZMW near the template subread's alignment.")
	flag.StringVar(&opts.ConcordantTemplate, "concordantTemplate", "",
		"Template policy: longestsubread, typicalsubread or mediansubread.")
	flag.BoolVar(&opts.ConcordantAlignBothDirections, "concordantAlignBothDirections", false,
		"Realign sibling subreads in both orientations.")
	flag.IntVar(&opts.FlankSize, "flankSize", longread.DefaultOpts.FlankSize,
		"Widen each template hit by this many reference bases before realignment.")
	mapSubreadsSeparately := flag.Bool("mapSubreadsSeparately", true,
		"Align each subread interval on its own.")
	noSplitSubreads := flag.Bool("noSplitSubreads", false,
		"Align the unrolled polymerase read as a single entity.")
	flag.BoolVar(&opts.ByAdapter, "byAdapter", false,
		"Derive subread intervals from adapter boundaries.")
	flag.BoolVar(&opts.UseCCS, "useccs", false,
		"Align the consensus, then explode its hits over full-pass subreads.")
	flag.BoolVar(&opts.UseCCSAll, "useccsall", false,
		"Align the consensus, then explode its hits over all fragments.")
	flag.BoolVar(&opts.UseCCSDeNovo, "useccsdenovo", false,
		"Align only the consensus.")
	flag.BoolVar(&opts.DoSensitiveSearch, "doSensitiveSearch", false,
		"Retry low-identity intervals with a more sensitive profile.")
	flag.StringVar(&flags.holeNumbers, "holeNumbers", "",
		"Map only these hole numbers (comma-separated values and inclusive ranges).")
	flag.Int64Var(&flags.randomSeed, "randomSeed", 0,
		"Seed for per-molecule alignment selection; 0 seeds from the clock.")
	flag.Float64Var(&opts.Subsample, "subsample", 1,
		"Keep each molecule with this probability.")
	flag.IntVar(&opts.Start, "start", 0,
		"Skip the first n molecules.")
	flag.IntVar(&opts.Stride, "stride", 1,
		"Map every n'th molecule.")
	flag.BoolVar(&opts.Unaligned, "unalignedFasta", false,
		"Record molecules with no alignments in the unaligned sink.")
	flag.StringVar(&flags.unalignedPath, "unaligned", "",
		"Path of the unaligned sink (implies -unalignedFasta; .gz gzips).")
	flag.IntVar(&opts.Verbosity, "v", 0,
		"Verbosity; at 3 and above each worker writes a trace log.")
	flag.StringVar(&flags.outPath, "out", "",
		"Output path; empty or - writes SAM to stdout.")
	flag.BoolVar(&flags.sam, "sam", true, "Write SAM output.")
	flag.BoolVar(&flags.bam, "bam", false, "Write BAM output.")
	flag.StringVar(&flags.saPath, "sa", "", "Precomputed suffix array file.")
	flag.StringVar(&flags.bwtPath, "bwt", "", "Precomputed BWT-FM index file.")
	flag.StringVar(&flags.ctabPath, "ctab", "", "Precomputed tuple count table file.")
	flag.StringVar(&flags.regionPath, "regionTable", "",
		"Region table (or FOFN of region tables, 1:1 with the read files).")
	flag.StringVar(&flags.ccsPath, "ccsFofn", "",
		"Consensus FASTA (or FOFN, 1:1 with the read files).")

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	if flag.NArg() != 2 {
		fatalf("usage: bio-longmap [flags] reads.fastq genome.fa")
	}
	readsArg, genomePath := flag.Arg(0), flag.Arg(1)

	opts.MapSubreadsSeparately = *mapSubreadsSeparately && !*noSplitSubreads
	if flags.unalignedPath != "" {
		opts.Unaligned = true
	}
	holes, err := longread.ParseHoleRanges(flags.holeNumbers)
	if err != nil {
		fatalf("%v", err)
	}
	opts.HoleNumbers = holes
	opts.RandomSeed = flags.randomSeed
	if opts.RandomSeed == 0 {
		opts.RandomSeed = time.Now().UnixNano()
	}
	if err := opts.Check(); err != nil {
		fatalf("%v", err)
	}

	readPaths, err := expandFOFN(ctx, readsArg)
	if err != nil {
		fatalf("%s: %v", readsArg, err)
	}
	if len(readPaths) == 0 {
		fatalf("%s: no read files", readsArg)
	}
	var regionPaths, ccsPaths []string
	if flags.regionPath != "" {
		if regionPaths, err = expandFOFN(ctx, flags.regionPath); err != nil {
			fatalf("%s: %v", flags.regionPath, err)
		}
		if len(regionPaths) != len(readPaths) {
			fatalf("there are %d region table files for %d read files",
				len(regionPaths), len(readPaths))
		}
	}
	if flags.ccsPath != "" {
		if ccsPaths, err = expandFOFN(ctx, flags.ccsPath); err != nil {
			fatalf("%s: %v", flags.ccsPath, err)
		}
		if len(ccsPaths) != len(readPaths) {
			fatalf("there are %d ccs files for %d read files", len(ccsPaths), len(readPaths))
		}
	}
	if opts.UseAnyCCS() && len(ccsPaths) == 0 {
		fatalf("--useccs modes require --ccsFofn")
	}

	fmt.Fprintf(os.Stderr, "[INFO] %s [bio-longmap] started.\n", timestamp())

	genome, err := index.LoadGenome(ctx, genomePath)
	if err != nil {
		fatalf("could not read genome file %s: %v", genomePath, err)
	}
	var sa *index.SuffixArray
	if flags.saPath != "" {
		if sa, err = index.LoadSuffixArray(flags.saPath); err != nil {
			fatalf("%s is not a valid suffix array: %v", flags.saPath, err)
		}
	} else {
		log.Printf("no suffix array given; building one for %d bases", genome.Len())
		sa = index.BuildSuffixArray(genome.Seq())
	}
	var bwt *index.FMIndex
	if flags.bwtPath != "" {
		if bwt, err = index.LoadFMIndex(flags.bwtPath); err != nil {
			fatalf("could not read the BWT file %s: %v", flags.bwtPath, err)
		}
	}
	var ctab *index.CountTable
	if flags.ctabPath != "" {
		if ctab, err = index.LoadCountTable(flags.ctabPath); err != nil {
			fatalf("could not read the count table %s: %v", flags.ctabPath, err)
		}
	}
	handle, err := index.New(genome, sa, bwt, ctab)
	if err != nil {
		fatalf("%v", err)
	}

	format := longread.FormatSAM
	if flags.bam {
		format = longread.FormatBAM
		if flags.outPath == "" || flags.outPath == "-" {
			fatalf("--bam requires --out")
		}
	}
	unalignedPath := ""
	if opts.Unaligned {
		unalignedPath = flags.unalignedPath
		if unalignedPath == "" {
			fatalf("-unalignedFasta requires --unaligned")
		}
	}
	writer, err := longread.NewWriter(ctx, os.Stdout, genome.SeqDB(), format,
		flags.outPath, unalignedPath, movieName(readPaths[0]))
	if err != nil {
		fatalf("%v", err)
	}

	kernel := align.New()
	var (
		stats  longread.Stats
		runErr error
	)
	for i, readPath := range readPaths {
		regionPath, ccsPath := "", ""
		if regionPaths != nil {
			regionPath = regionPaths[i]
		}
		if ccsPaths != nil {
			ccsPath = ccsPaths[i]
		}
		source, err := longread.NewSource(ctx, &opts, readPath, regionPath, ccsPath)
		if err != nil {
			log.Error.Printf("WARNING. could not open file %s: %v", readPath, err)
			continue
		}
		rt := &longread.Runtime{
			Opts:             &opts,
			Index:            handle,
			Kernel:           kernel,
			Source:           source,
			Writer:           writer,
			VerboseLogPrefix: flags.outPath,
		}
		fileStats, err := rt.Run()
		stats = stats.Merge(fileStats)
		if cerr := source.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			runErr = err
			break
		}
	}

	if err := writer.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	if cerr := handle.Close(); cerr != nil && runErr == nil {
		runErr = cerr
	}
	if runErr != nil {
		fatalf("%v", runErr)
	}
	log.Printf("Stats: %+v", stats)
	fmt.Fprintf(os.Stderr, "[INFO] %s [bio-longmap] ended.\n", timestamp())
}
