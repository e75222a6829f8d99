package index

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"reflect"
	"unsafe"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// On-disk index files are little-endian, a fixed header followed by raw
// arrays.  They are mapped read-only so that N workers share one copy.
const (
	saMagic    = 0x4153524c // "LRSA"
	fmMagic    = 0x4d46524c // "LRFM"
	countMagic = 0x5443524c // "LRCT"

	formatVersion = 1
)

// mmapped tracks a read-only file mapping so views can be released at
// shutdown.
type mmapped struct {
	data []byte
}

func (m *mmapped) unmap() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}

func mapFile(path string) (mmapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return mmapped{}, err
	}
	defer f.Close() // nolint: errcheck
	st, err := f.Stat()
	if err != nil {
		return mmapped{}, err
	}
	if st.Size() == 0 {
		return mmapped{}, errors.Errorf("%s: empty index file", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return mmapped{}, errors.Wrapf(err, "%s: mmap", path)
	}
	return mmapped{data: data}, nil
}

// asUint32s casts b to []uint32 without copying.  b must be 4-byte aligned,
// which mmap guarantees for whole-page mappings.
func asUint32s(b []byte) (u []uint32) {
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	dh := (*reflect.SliceHeader)(unsafe.Pointer(&u))
	dh.Data = sh.Data
	dh.Len = sh.Len / 4
	dh.Cap = sh.Cap / 4
	return u
}

type fileHeader struct {
	magic   uint32
	version uint32
}

func readHeader(data []byte, wantMagic uint32, path string) ([]byte, error) {
	if len(data) < 8 {
		return nil, errors.Errorf("%s: truncated index file", path)
	}
	h := fileHeader{
		magic:   binary.LittleEndian.Uint32(data[0:]),
		version: binary.LittleEndian.Uint32(data[4:]),
	}
	if h.magic != wantMagic {
		return nil, errors.Errorf("%s: bad magic %#x", path, h.magic)
	}
	if h.version != formatVersion {
		return nil, errors.Errorf("%s: unsupported version %d", path, h.version)
	}
	return data[8:], nil
}

// LoadGenome reads a (possibly gzipped) multi-contig reference FASTA and
// concatenates it into one uppercase sequence plus its contig database.
func LoadGenome(ctx context.Context, path string) (*Genome, error) {
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
		return nil, errors.Wrapf(err, "%s: read reference", path)
	}
	if err := in.Close(ctx); err != nil {
		return nil, err
	}
	var (
		contigs []Contig
		seq     []byte
	)
	for _, name := range fa.SeqNames() {
		n, err := fa.Len(name)
		if err != nil {
			return nil, err
		}
		s, err := fa.Get(name, 0, n)
		if err != nil {
			return nil, err
		}
		contigs = append(contigs, Contig{Name: name, Offset: len(seq), Length: int(n)})
		seq = append(seq, s...)
	}
	for i, b := range seq {
		if b >= 'a' && b <= 'z' {
			seq[i] = b - ('a' - 'A')
		}
	}
	return NewGenome(seq, NewSeqDB(contigs)), nil
}

// LoadSuffixArray maps a suffix array file.  Layout after the header:
// uint64 n, uint32 lookupPrefixLen, uint32 lookupLen, n uint32 positions,
// lookupLen uint32 lookup entries.
func LoadSuffixArray(path string) (*SuffixArray, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	body, err := readHeader(m.data, saMagic, path)
	if err != nil {
		_ = m.unmap()
		return nil, err
	}
	if len(body) < 16 {
		_ = m.unmap()
		return nil, errors.Errorf("%s: truncated suffix array", path)
	}
	n := binary.LittleEndian.Uint64(body[0:])
	prefixLen := binary.LittleEndian.Uint32(body[8:])
	lookupLen := binary.LittleEndian.Uint32(body[12:])
	body = body[16:]
	if uint64(len(body)) < (n+uint64(lookupLen))*4 {
		_ = m.unmap()
		return nil, errors.Errorf("%s: suffix array shorter than its header claims", path)
	}
	words := asUint32s(body)
	return &SuffixArray{
		pos:             words[:n:n],
		lookupPrefixLen: int(prefixLen),
		lookup:          words[n : n+uint64(lookupLen)],
		raw:             m,
	}, nil
}

// LoadFMIndex maps a BWT-FM index file.  Layout after the header: uint64 n,
// uint32 occSampleRate, uint32 saSampleRate, 4 uint32 cumulative counts,
// n BWT bytes (padded to a 4-byte boundary), occ samples, SA samples.
func LoadFMIndex(path string) (*FMIndex, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	body, err := readHeader(m.data, fmMagic, path)
	if err != nil {
		_ = m.unmap()
		return nil, err
	}
	if len(body) < 32 {
		_ = m.unmap()
		return nil, errors.Errorf("%s: truncated FM index", path)
	}
	n := int(binary.LittleEndian.Uint64(body[0:]))
	occRate := int(binary.LittleEndian.Uint32(body[8:]))
	saRate := int(binary.LittleEndian.Uint32(body[12:]))
	if occRate <= 0 || saRate <= 0 {
		_ = m.unmap()
		return nil, errors.Errorf("%s: bad sample rates %d/%d", path, occRate, saRate)
	}
	idx := &FMIndex{OccSampleRate: occRate, SASampleRate: saRate, raw: m}
	for i := range idx.counts {
		idx.counts[i] = binary.LittleEndian.Uint32(body[16+4*i:])
	}
	body = body[32:]
	padded := (n + 3) &^ 3
	nOcc := 4 * (n/occRate + 1)
	nSA := n/saRate + 1
	if len(body) < padded+(nOcc+nSA)*4 {
		_ = m.unmap()
		return nil, errors.Errorf("%s: FM index shorter than its header claims", path)
	}
	idx.bwt = body[:n:n]
	words := asUint32s(body[padded:])
	idx.occ = words[:nOcc:nOcc]
	idx.saSample = words[nOcc : nOcc+nSA]
	return idx, nil
}

// LoadCountTable maps a k-mer count table file.  Layout after the header:
// uint32 k, uint32 reserved, 4^k uint32 counts.
func LoadCountTable(path string) (*CountTable, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	body, err := readHeader(m.data, countMagic, path)
	if err != nil {
		_ = m.unmap()
		return nil, err
	}
	if len(body) < 8 {
		_ = m.unmap()
		return nil, errors.Errorf("%s: truncated count table", path)
	}
	k := int(binary.LittleEndian.Uint32(body[0:]))
	if k <= 0 || k > 15 {
		_ = m.unmap()
		return nil, errors.Errorf("%s: bad k-mer length %d", path, k)
	}
	body = body[8:]
	n := 1 << uint(2*k)
	if len(body) < n*4 {
		_ = m.unmap()
		return nil, errors.Errorf("%s: count table shorter than 4^%d entries", path, k)
	}
	return &CountTable{k: k, counts: asUint32s(body)[:n:n], raw: m}, nil
}
