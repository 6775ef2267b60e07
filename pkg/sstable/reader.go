package sstable

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-sstable/pkg/bloom"
	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/format"
	"github.com/dd0wney/cluso-sstable/pkg/pools"
	"github.com/dd0wney/cluso-sstable/pkg/types"
	"github.com/dd0wney/cluso-sstable/pkg/vint"
)

// ReaderOptions controls how a table is opened.
type ReaderOptions struct {
	Cache *ChunkCache
}

// Reader is an open, memory-mapped SSTable. It is safe for concurrent use.
type Reader struct {
	id     ID
	path   string
	name   string
	mm     *mmap.ReaderAt
	size   int64
	header *format.Header
	// precedence breaks timestamp ties between tables
	precedence uint64

	headerLen   uint64
	indexOffset uint64
	dataLength  uint64
	entryCount  uint64
	tableCount  uint64
	index       []indexEntry
	filter      *bloom.Filter

	compression *format.CompressionInfo
	compressor  format.Compressor
	cache       *ChunkCache

	refs           atomic.Int32
	bloomNegatives atomic.Int64
}

// ReaderStats describes an open table.
type ReaderStats struct {
	FileSize         int64
	EntryCount       uint64
	TableCount       uint64
	IndexEntries     int
	CompressionRatio float64
	FilterSize       int
	BloomFillRatio   float64
	BloomNegatives   int64
	MinTimestamp     int64
	MaxTimestamp     int64
}

// Open opens and validates the Data.db at path.
func Open(path string, opts ReaderOptions) (*Reader, error) {
	desc, err := format.ParseFilename(path)
	if err != nil {
		return nil, err
	}
	if desc.Component != format.ComponentData {
		return nil, dberrors.Newf(dberrors.KindInvalidOperation, "sstable.open", "%s is not a Data.db component", filepath.Base(path))
	}

	mm, err := mmap.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dberrors.New(dberrors.KindNotFound, "sstable.open").Entity(filepath.Base(path)).Cause(err).Err()
		}
		return nil, dberrors.Io("sstable.open", filepath.Base(path), err)
	}

	r := &Reader{
		id:    ID{Version: desc.Version, Generation: desc.Generation},
		path:  path,
		name:  filepath.Base(path),
		mm:    mm,
		size:  int64(mm.Len()),
		cache: opts.Cache,
	}
	if err := r.load(desc); err != nil {
		_ = mm.Close()
		return nil, err
	}
	r.refs.Store(1)
	return r, nil
}

func (r *Reader) corrupt(msg string, args ...any) error {
	return dberrors.Corruption("sstable.open", r.name, msg, args...)
}

func (r *Reader) readAt(off, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := r.mm.ReadAt(buf, int64(off))
	if uint64(read) < n {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, dberrors.Io("sstable.read", r.name, err)
	}
	return buf, nil
}

func (r *Reader) load(desc format.Descriptor) error {
	if r.size < FooterSize+6 {
		return r.corrupt("file too short: %d bytes", r.size)
	}
	footer, err := r.readAt(uint64(r.size-FooterSize), FooterSize)
	if err != nil {
		return err
	}
	if magic := binary.BigEndian.Uint32(footer[16:]); magic != FooterMagic {
		return r.corrupt("bad footer magic %#08x", magic)
	}
	r.indexOffset = binary.BigEndian.Uint64(footer[0:])
	r.headerLen = uint64(binary.BigEndian.Uint32(footer[8:]))
	wantCRC := binary.BigEndian.Uint32(footer[12:])

	tailEnd := uint64(r.size - FooterSize)
	if r.headerLen > r.indexOffset || r.indexOffset > tailEnd {
		return r.corrupt("section offsets out of range: header %d, index %d, size %d", r.headerLen, r.indexOffset, r.size)
	}

	headerBytes, err := r.readAt(0, r.headerLen)
	if err != nil {
		return err
	}
	tail, err := r.readAt(r.indexOffset, tailEnd-r.indexOffset)
	if err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	crc.Write(headerBytes)
	crc.Write(tail)
	if got := crc.Sum32(); got != wantCRC {
		return r.corrupt("checksum mismatch: stored %#08x, computed %#08x", wantCRC, got)
	}

	header, n, err := format.ParseHeader(headerBytes)
	if err != nil {
		return dberrors.New(dberrors.KindCorruption, "sstable.open").Entity(r.name).Cause(err).Err()
	}
	if uint64(n) != r.headerLen {
		return r.corrupt("header is %d bytes, footer says %d", n, r.headerLen)
	}
	r.header = header
	r.precedence = r.id.Generation
	if p, ok := header.Properties[PrecedenceProperty]; ok {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return r.corrupt("unreadable precedence %q", p)
		}
		r.precedence = v
	}

	if err := r.loadIndexAndBloom(tail); err != nil {
		return err
	}
	return r.loadCompression(desc)
}

func (r *Reader) loadIndexAndBloom(tail []byte) error {
	vr := vint.NewReader(tail, "sstable.index")
	r.entryCount = vr.Uvint()
	r.tableCount = vr.Uvint()
	r.dataLength = vr.Uvint()
	n := vr.Len(3)
	r.index = make([]indexEntry, 0, n)
	for i := 0; i < n && vr.Err() == nil; i++ {
		table := types.TableID(vr.Text())
		key := append([]byte(nil), vr.Bytes()...)
		r.index = append(r.index, indexEntry{Table: table, Key: key, Offset: vr.Uvint()})
	}
	bloomLen := int(vr.Uint32())
	bloomBytes := vr.Next(bloomLen)
	if err := vr.Err(); err != nil {
		return dberrors.New(dberrors.KindCorruption, "sstable.open").Entity(r.name).Cause(err).Err()
	}
	if vr.Remaining() != 0 {
		return r.corrupt("%d unexpected bytes before footer", vr.Remaining())
	}
	for i, ie := range r.index {
		if ie.Offset >= r.dataLength || (i > 0 && ie.Offset <= r.index[i-1].Offset) {
			return r.corrupt("index entry %d has bad offset %d", i, ie.Offset)
		}
	}

	filter, err := bloom.Decode(bloomBytes)
	if err != nil {
		return dberrors.New(dberrors.KindCorruption, "sstable.open").Entity(r.name).Cause(err).Err()
	}
	r.filter = filter
	return nil
}

func (r *Reader) loadCompression(desc format.Descriptor) error {
	algorithm := r.header.Compression.Algorithm
	if algorithm == "" || algorithm == format.NoopCompressorName {
		if r.headerLen+r.dataLength != r.indexOffset {
			return r.corrupt("data section is %d bytes, index says %d", r.indexOffset-r.headerLen, r.dataLength)
		}
		return nil
	}

	compressor, err := format.CompressorFor(algorithm)
	if err != nil {
		return dberrors.New(dberrors.KindCorruption, "sstable.open").Entity(r.name).Cause(err).Err()
	}
	infoPath := desc.Path(format.ComponentCompressionInfo)
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r.corrupt("compressed with %s but %s is missing", algorithm, filepath.Base(infoPath))
		}
		return dberrors.Io("sstable.open", filepath.Base(infoPath), err)
	}
	info, err := format.ParseCompressionInfo(raw)
	if err != nil {
		return err
	}
	if err := info.CheckCoverage(); err != nil {
		return dberrors.New(dberrors.KindCorruption, "sstable.open").Entity(r.name).Cause(err).Err()
	}
	switch {
	case info.DataLength != r.dataLength:
		return r.corrupt("compression info covers %d bytes, index says %d", info.DataLength, r.dataLength)
	case info.ChunkLength != r.header.Compression.ChunkSize:
		return r.corrupt("compression info chunk length %d, header says %d", info.ChunkLength, r.header.Compression.ChunkSize)
	case info.ChunkCount() > 0 && (info.ChunkOffsets[0] != r.headerLen || info.ChunkOffsets[info.ChunkCount()-1] >= r.indexOffset):
		return r.corrupt("chunk offsets fall outside the data section")
	}
	r.compression = info
	r.compressor = compressor
	return nil
}

// chunk returns decompressed chunk i, verifying its checksum.
func (r *Reader) chunk(i int) ([]byte, error) {
	key := chunkKey{table: r.id, chunk: i}
	if data, ok := r.cache.get(key); ok {
		return data, nil
	}

	info := r.compression
	start, _ := info.CompressedChunkOffset(i)
	size, ok := info.CompressedChunkSize(i, r.indexOffset)
	if !ok || size < 4 {
		return nil, dberrors.Corruption("sstable.read", r.name, "chunk %d has invalid size", i)
	}
	raw, err := r.readAt(start, size)
	if err != nil {
		return nil, err
	}
	payload := raw[:size-4]
	if want, got := binary.BigEndian.Uint32(raw[size-4:]), crc32.ChecksumIEEE(payload); want != got {
		return nil, dberrors.Corruption("sstable.read", r.name, "chunk %d checksum mismatch: stored %#08x, computed %#08x", i, want, got)
	}

	chunkStart := uint64(i) * uint64(info.ChunkLength)
	n := min(uint64(info.ChunkLength), r.dataLength-chunkStart)
	data, err := r.compressor.Decompress(nil, payload, int(n))
	if err != nil {
		return nil, err
	}
	r.cache.put(key, data)
	return data, nil
}

// readData returns uncompressed bytes [start, end) of the data section.
func (r *Reader) readData(start, end uint64) ([]byte, error) {
	if start > end || end > r.dataLength {
		return nil, dberrors.Corruption("sstable.read", r.name, "range [%d, %d) outside data section of %d bytes", start, end, r.dataLength)
	}
	if start == end {
		return nil, nil
	}
	if r.compression == nil {
		return r.readAt(r.headerLen+start, end-start)
	}

	out := make([]byte, 0, end-start)
	first, last := r.compression.ChunkForOffset(start), r.compression.ChunkForOffset(end-1)
	for c := first; c <= last; c++ {
		data, err := r.chunk(c)
		if err != nil {
			return nil, err
		}
		chunkStart := uint64(c) * uint64(r.compression.ChunkLength)
		lo := max(start, chunkStart) - chunkStart
		hi := min(end, chunkStart+uint64(len(data))) - chunkStart
		out = append(out, data[lo:hi]...)
	}
	return out, nil
}

// block returns the bytes of sparse-index block b.
func (r *Reader) block(b int) ([]byte, error) {
	end := r.dataLength
	if b+1 < len(r.index) {
		end = r.index[b+1].Offset
	}
	return r.readData(r.index[b].Offset, end)
}

func decodeEntry(vr *vint.Reader) Entry {
	e := Entry{Table: types.TableID(vr.Text())}
	e.Key = append(types.RowKey(nil), vr.Bytes()...)
	e.Timestamp = vr.Vint()
	e.Value = types.ReadValue(vr)
	return e
}

// seekBlock returns the block that may hold (table, key): the last block
// whose first key is <= (table, key), or -1.
func (r *Reader) seekBlock(table types.TableID, key []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return compareKey(r.index[i].Table, r.index[i].Key, table, key) > 0
	}) - 1
}

// MayContain consults the bloom filter only.
func (r *Reader) MayContain(table types.TableID, key []byte) bool {
	return r.filter.Contains(bloomKey(table, key))
}

// Get returns the entry stored for (table, key). Tombstones are returned
// as found entries; callers decide how they shadow older tables.
func (r *Reader) Get(table types.TableID, key []byte) (Entry, bool, error) {
	if !r.MayContain(table, key) {
		r.bloomNegatives.Add(1)
		return Entry{}, false, nil
	}
	b := r.seekBlock(table, key)
	if b < 0 {
		return Entry{}, false, nil
	}
	data, err := r.block(b)
	if err != nil {
		return Entry{}, false, err
	}
	vr := vint.NewReader(data, "sstable.get")
	for vr.Remaining() > 0 {
		e := decodeEntry(vr)
		if err := vr.Err(); err != nil {
			return Entry{}, false, dberrors.New(dberrors.KindCorruption, "sstable.get").Entity(r.name).Cause(err).Err()
		}
		switch c := compareKey(e.Table, e.Key, table, key); {
		case c == 0:
			return e, true, nil
		case c > 0:
			return Entry{}, false, nil
		}
	}
	return Entry{}, false, nil
}

// Scan returns the entries of table with start <= key < end, in key
// order. A nil start or end leaves that side unbounded; limit <= 0 means
// no limit. Tombstones are included.
func (r *Reader) Scan(table types.TableID, start, end []byte, limit int) ([]Entry, error) {
	it := r.NewIterator()
	it.SeekGE(table, start)

	var out []Entry
	for it.Next() {
		e := it.Entry()
		if e.Table != table || (end != nil && bytes.Compare(e.Key, end) >= 0) {
			break
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}

// Entries returns every entry in file order.
func (r *Reader) Entries() ([]Entry, error) {
	out := make([]Entry, 0, r.entryCount)
	it := r.NewIterator()
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}

// Iterator walks a table in (table, key) order one block at a time.
type Iterator struct {
	r       *Reader
	next    int // next block to load
	vr      *vint.Reader
	cur     Entry
	skipLT  bool
	seekTbl types.TableID
	seekKey []byte
	err     error
}

// NewIterator returns an iterator positioned before the first entry.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r}
}

// SeekGE positions the iterator so Next yields the first entry >= (table, key).
func (it *Iterator) SeekGE(table types.TableID, key []byte) {
	it.next = max(it.r.seekBlock(table, key), 0)
	it.vr = nil
	it.skipLT = true
	it.seekTbl = table
	it.seekKey = key
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	for it.err == nil {
		for it.vr == nil || it.vr.Remaining() == 0 {
			if it.next >= len(it.r.index) {
				return false
			}
			data, err := it.r.block(it.next)
			if err != nil {
				it.err = err
				return false
			}
			it.next++
			it.vr = vint.NewReader(data, "sstable.iterate")
		}
		e := decodeEntry(it.vr)
		if err := it.vr.Err(); err != nil {
			it.err = dberrors.New(dberrors.KindCorruption, "sstable.iterate").Entity(it.r.name).Cause(err).Err()
			return false
		}
		if it.skipLT {
			if compareKey(e.Table, e.Key, it.seekTbl, it.seekKey) < 0 {
				continue
			}
			it.skipLT = false
		}
		it.cur = e
		return true
	}
	return false
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry { return it.cur }

// Err returns the first error encountered.
func (it *Iterator) Err() error { return it.err }

// ID returns the table id.
func (r *Reader) ID() ID { return r.id }

// Path returns the Data.db path.
func (r *Reader) Path() string { return r.path }

// Header returns the parsed header.
func (r *Reader) Header() *format.Header { return r.header }

// CompressionInfo returns the chunk layout, or nil for uncompressed tables.
func (r *Reader) CompressionInfo() *format.CompressionInfo { return r.compression }

// EntryCount returns the number of entries.
func (r *Reader) EntryCount() uint64 { return r.entryCount }

// Precedence returns the table's tie-break rank; see Info.Precedence.
func (r *Reader) Precedence() uint64 { return r.precedence }

// Size returns the Data.db size in bytes.
func (r *Reader) Size() int64 { return r.size }

// Stats describes the table.
func (r *Reader) Stats() ReaderStats {
	fs := r.filter.Stats()
	return ReaderStats{
		FileSize:         r.size,
		EntryCount:       r.entryCount,
		TableCount:       r.tableCount,
		IndexEntries:     len(r.index),
		CompressionRatio: r.header.Stats.CompressionRatio,
		FilterSize:       fs.MemoryUsage,
		BloomFillRatio:   fs.FillRatio,
		BloomNegatives:   r.bloomNegatives.Load(),
		MinTimestamp:     r.header.Stats.MinTimestamp,
		MaxTimestamp:     r.header.Stats.MaxTimestamp,
	}
}

// VerifyDigest recomputes the whole-file checksum and compares it with the
// Digest.crc32 component.
func (r *Reader) VerifyDigest() error {
	desc := r.id.Descriptor(filepath.Dir(r.path))
	raw, err := os.ReadFile(desc.Path(format.ComponentDigest))
	if err != nil {
		return dberrors.Io("sstable.verify", desc.Filename(format.ComponentDigest), err)
	}
	want, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return dberrors.Corruption("sstable.verify", r.name, "unreadable digest %q", raw)
	}

	crc := crc32.NewIEEE()
	buf := pools.GetBytesSized(64 << 10)
	defer pools.PutBytes(buf)
	for off := int64(0); off < r.size; off += int64(len(buf)) {
		n := min(int64(len(buf)), r.size-off)
		if _, err := r.mm.ReadAt(buf[:n], off); err != nil && err != io.EOF {
			return dberrors.Io("sstable.verify", r.name, err)
		}
		crc.Write(buf[:n])
	}
	if got := crc.Sum32(); uint64(got) != want {
		return dberrors.Corruption("sstable.verify", r.name, "digest mismatch: stored %d, computed %d", want, got)
	}
	return nil
}

// acquire takes a reference for an in-flight read. It fails once the
// reader has been closed.
func (r *Reader) acquire() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and unmaps the file with the last one.
func (r *Reader) release() error {
	if r.refs.Add(-1) == 0 {
		r.cache.evictTable(r.id)
		return r.mm.Close()
	}
	return nil
}

// Close releases the owner's reference.
func (r *Reader) Close() error {
	return r.release()
}

var _ io.Closer = (*Reader)(nil)
