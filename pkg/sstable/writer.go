package sstable

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-sstable/pkg/bloom"
	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/format"
	"github.com/dd0wney/cluso-sstable/pkg/pools"
	"github.com/dd0wney/cluso-sstable/pkg/fsutil"
	"github.com/dd0wney/cluso-sstable/pkg/types"
	"github.com/dd0wney/cluso-sstable/pkg/vint"
)

// indexEntry points at the first entry of a block in the uncompressed
// data section.
type indexEntry struct {
	Table  types.TableID
	Key    []byte
	Offset uint64
}

// Writer builds one SSTable. Entries must be added in non-decreasing
// (table, key) order; an entry repeating the previous key replaces it.
// Nothing is visible on disk until Finish renames the completed Data.db
// into place.
type Writer struct {
	dir  string
	id   ID
	opts WriterOptions

	compressor format.Compressor
	data       []byte
	index      []indexEntry
	bloomKeys  [][]byte
	tables     []types.TableID
	histogram  [64]uint64

	count           uint64
	minTS, maxTS    int64
	maxDeletionTime int64
	last            Entry
	lastStart       int // offset of the last entry in data
	precedence      uint64
	finished        bool
}

// NewWriter starts an SSTable with the given id inside dir.
func NewWriter(dir string, id ID, opts WriterOptions) (*Writer, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if id.Version == "" {
		id.Version = opts.Version
	}
	compressor, err := format.CompressorFor(opts.Compression)
	if err != nil {
		return nil, err
	}
	if fsutil.FileExists(id.DataPath(dir)) {
		return nil, dberrors.AlreadyExists("sstable.create", id.String())
	}
	return &Writer{
		dir:        dir,
		id:         id,
		opts:       opts,
		compressor: compressor,
		precedence: id.Generation,
	}, nil
}

// ID returns the id of the table being written.
func (w *Writer) ID() ID { return w.id }

// SetPrecedence overrides the default precedence, the table's generation.
// Merges use it to keep the rank of the newest source.
func (w *Writer) SetPrecedence(p uint64) { w.precedence = p }

// Add appends an entry. Adding the previous key again overwrites the
// earlier entry, so the last one wins.
func (w *Writer) Add(e Entry) error {
	if w.finished {
		return dberrors.New(dberrors.KindInvalidOperation, "sstable.add").Entity(w.id.String()).Context("closed").Err()
	}
	if w.count > 0 {
		switch c := Compare(&w.last, &e); {
		case c > 0:
			return dberrors.Newf(dberrors.KindInvalidOperation, "sstable.add",
				"key %s/%q before %s/%q", e.Table, e.Key, w.last.Table, w.last.Key)
		case c == 0:
			w.replaceLast(e)
			return nil
		}
	}

	if w.count%uint64(w.opts.IndexInterval) == 0 {
		w.index = append(w.index, indexEntry{
			Table:  e.Table,
			Key:    append([]byte(nil), e.Key...),
			Offset: uint64(len(w.data)),
		})
	}
	if w.count == 0 || e.Table != w.last.Table {
		w.tables = append(w.tables, e.Table)
	}

	w.lastStart = len(w.data)
	w.data = appendEntry(w.data, &e)
	w.histogram[bits.Len(uint(len(w.data)-w.lastStart))]++
	w.bloomKeys = append(w.bloomKeys, bloomKey(e.Table, e.Key))
	w.trackTimestamps(&e)

	w.count++
	w.last = Entry{Table: e.Table, Key: append(w.last.Key[:0], e.Key...)}
	return nil
}

// replaceLast re-encodes the last entry as e. Key, index and bloom entries
// are unchanged; timestamp bounds keep the replaced entry's too.
func (w *Writer) replaceLast(e Entry) {
	w.histogram[bits.Len(uint(len(w.data)-w.lastStart))]--
	w.data = appendEntry(w.data[:w.lastStart], &e)
	w.histogram[bits.Len(uint(len(w.data)-w.lastStart))]++
	w.trackTimestamps(&e)
}

func (w *Writer) trackTimestamps(e *Entry) {
	if w.count == 0 || e.Timestamp < w.minTS {
		w.minTS = e.Timestamp
	}
	if w.count == 0 || e.Timestamp > w.maxTS {
		w.maxTS = e.Timestamp
	}
	if types.IsTombstone(e.Value) && e.Timestamp > w.maxDeletionTime {
		w.maxDeletionTime = e.Timestamp
	}
}

// appendEntry encodes vstring table | vbytes key | vint timestamp | value.
func appendEntry(dst []byte, e *Entry) []byte {
	dst = vint.AppendString(dst, string(e.Table))
	dst = vint.AppendBytes(dst, e.Key)
	dst = vint.Append(dst, e.Timestamp)
	return types.AppendValue(dst, e.Value)
}

// Abort discards the writer.
func (w *Writer) Abort() {
	w.finished = true
	w.data = nil
	w.bloomKeys = nil
}

// Finish writes every component and returns the table's description.
func (w *Writer) Finish() (Info, error) {
	if w.finished {
		return Info{}, dberrors.New(dberrors.KindInvalidOperation, "sstable.finish").Entity(w.id.String()).Context("closed").Err()
	}
	w.finished = true
	desc := w.id.Descriptor(w.dir)
	entity := desc.Filename(format.ComponentData)

	// Compress first: the header records the ratio and chunk offsets are
	// relative to the end of the header until it is known.
	dataSection, chunkOffsets, err := w.encodeDataSection()
	if err != nil {
		return Info{}, err
	}

	header := w.buildHeader(float64(len(dataSection)) / float64(max(len(w.data), 1)))
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return Info{}, err
	}
	headerLen := uint64(len(headerBytes))
	for i := range chunkOffsets {
		chunkOffsets[i] += headerLen
	}

	indexBytes := w.encodeIndex()
	bloomBytes, err := w.encodeBloom()
	if err != nil {
		return Info{}, err
	}

	indexOffset := headerLen + uint64(len(dataSection))
	crc := crc32.NewIEEE()
	crc.Write(headerBytes)
	crc.Write(indexBytes)
	crc.Write(bloomBytes)

	footer := make([]byte, 0, FooterSize)
	footer = binary.BigEndian.AppendUint64(footer, indexOffset)
	footer = binary.BigEndian.AppendUint32(footer, uint32(headerLen))
	footer = binary.BigEndian.AppendUint32(footer, crc.Sum32())
	footer = binary.BigEndian.AppendUint32(footer, FooterMagic)

	file := make([]byte, 0, int(indexOffset)+len(indexBytes)+len(bloomBytes)+FooterSize)
	file = append(file, headerBytes...)
	file = append(file, dataSection...)
	file = append(file, indexBytes...)
	file = append(file, bloomBytes...)
	file = append(file, footer...)

	components := []format.Component{format.ComponentData, format.ComponentDigest, format.ComponentTOC}
	var written []string
	cleanup := func() {
		for _, p := range written {
			_ = os.Remove(p)
		}
	}
	write := func(c format.Component, data []byte) error {
		path := desc.Path(c)
		tmp := path + fsutil.TmpSuffix
		if err := fsutil.WriteFileSynced(tmp, data); err != nil {
			_ = os.Remove(tmp)
			return dberrors.Io("sstable.write", filepath.Base(path), err)
		}
		written = append(written, tmp)
		return nil
	}

	if w.opts.compressed() {
		components = append(components, format.ComponentCompressionInfo)
		info := &format.CompressionInfo{
			Algorithm:    w.compressor.Name(),
			ChunkLength:  w.opts.ChunkLength,
			DataLength:   uint64(len(w.data)),
			ChunkOffsets: chunkOffsets,
		}
		infoBytes, err := info.MarshalBinary()
		if err != nil {
			return Info{}, err
		}
		if err := write(format.ComponentCompressionInfo, infoBytes); err != nil {
			cleanup()
			return Info{}, err
		}
	}

	digest := strconv.FormatUint(uint64(crc32.ChecksumIEEE(file)), 10)
	if err := write(format.ComponentDigest, []byte(digest)); err != nil {
		cleanup()
		return Info{}, err
	}
	if err := write(format.ComponentTOC, tocContent(components)); err != nil {
		cleanup()
		return Info{}, err
	}
	if err := write(format.ComponentData, file); err != nil {
		cleanup()
		return Info{}, err
	}

	// Data.db goes last: its presence implies a complete component set.
	for _, tmp := range written {
		if err := os.Rename(tmp, strings.TrimSuffix(tmp, fsutil.TmpSuffix)); err != nil {
			cleanup()
			return Info{}, dberrors.Io("sstable.rename", entity, err)
		}
	}
	if err := fsutil.SyncDir(w.dir); err != nil {
		return Info{}, dberrors.Io("sstable.sync_dir", w.dir, err)
	}

	return Info{
		ID:           w.id,
		Path:         desc.Path(format.ComponentData),
		Size:         int64(len(file)),
		EntryCount:   w.count,
		Tables:       w.tables,
		MinTimestamp: w.minTS,
		MaxTimestamp: w.maxTS,
		Compressed:   w.opts.compressed(),
		CreatedAt:    time.Now(),
		Precedence:   w.precedence,
	}, nil
}

// encodeDataSection returns the bytes stored between header and index and,
// when compressing, each chunk's offset relative to the section start.
func (w *Writer) encodeDataSection() ([]byte, []uint64, error) {
	if !w.opts.compressed() {
		return w.data, nil, nil
	}
	chunkLen := int(w.opts.ChunkLength)
	out := make([]byte, 0, len(w.data)/2+64)
	offsets := make([]uint64, 0, (len(w.data)+chunkLen-1)/chunkLen)
	scratch := pools.GetBytes(chunkLen + chunkLen/8 + 64)
	defer func() { pools.PutBytes(scratch) }()
	for start := 0; start < len(w.data); start += chunkLen {
		end := min(start+chunkLen, len(w.data))
		compressed, err := w.compressor.Compress(scratch, w.data[start:end])
		if err != nil {
			return nil, nil, err
		}
		offsets = append(offsets, uint64(len(out)))
		out = append(out, compressed...)
		out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(compressed))
		scratch = compressed
	}
	return out, offsets, nil
}

func (w *Writer) buildHeader(ratio float64) *format.Header {
	h := &format.Header{
		Family:     format.FamilyForVersion(w.id.Version),
		Version:    format.SupportedVersion,
		Generation: w.id.Generation,
		Compression: format.CompressionParams{
			Algorithm: w.compressor.Name(),
			ChunkSize: w.opts.ChunkLength,
		},
		Stats: format.Statistics{
			RowCount:         w.count,
			MinTimestamp:     w.minTS,
			MaxTimestamp:     w.maxTS,
			MaxDeletionTime:  w.maxDeletionTime,
			CompressionRatio: ratio,
			RowSizeHistogram: trimHistogram(w.histogram[:]),
		},
		Columns: w.opts.Columns,
	}
	if w.opts.compressed() {
		h.Compression.Parameters = map[string]string{
			"chunk_length_in_kb": strconv.FormatUint(uint64(w.opts.ChunkLength/1024), 10),
		}
	}
	if len(w.tables) == 1 {
		h.Keyspace = w.tables[0].Keyspace()
		h.Table = w.tables[0].Table()
	}
	h.TableID = format.TableUUID(h.Keyspace, h.Table)

	h.Properties = make(map[string]string, len(w.opts.Properties)+1)
	for k, v := range w.opts.Properties {
		h.Properties[k] = v
	}
	h.Properties["table_count"] = strconv.Itoa(len(w.tables))
	h.Properties[PrecedenceProperty] = strconv.FormatUint(w.precedence, 10)
	return h
}

func trimHistogram(h []uint64) []uint64 {
	n := len(h)
	for n > 0 && h[n-1] == 0 {
		n--
	}
	if n == 0 {
		return nil
	}
	return append([]uint64(nil), h[:n]...)
}

// encodeIndex writes uvint entry count | uvint table count |
// uvint data length | uvint sparse count | (vstring table, vbytes key,
// uvint offset)*.
func (w *Writer) encodeIndex() []byte {
	buf := make([]byte, 0, 16+len(w.index)*32)
	buf = vint.AppendUnsigned(buf, w.count)
	buf = vint.AppendUnsigned(buf, uint64(len(w.tables)))
	buf = vint.AppendUnsigned(buf, uint64(len(w.data)))
	buf = vint.AppendUnsigned(buf, uint64(len(w.index)))
	for _, ie := range w.index {
		buf = vint.AppendString(buf, string(ie.Table))
		buf = vint.AppendBytes(buf, ie.Key)
		buf = vint.AppendUnsigned(buf, ie.Offset)
	}
	return buf
}

func (w *Writer) encodeBloom() ([]byte, error) {
	f, err := bloom.New(max(w.count, 1), w.opts.BloomFPRate)
	if err != nil {
		return nil, err
	}
	for _, k := range w.bloomKeys {
		f.Insert(k)
	}
	data, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(data)), uint32(len(data)))
	return append(out, data...), nil
}

func tocContent(components []format.Component) []byte {
	names := make([]string, len(components))
	for i, c := range components {
		names[i] = c.Suffix()
	}
	sort.Strings(names)
	return []byte(strings.Join(names, "\n") + "\n")
}

// WriteSSTable writes sorted entries as a new table.
func WriteSSTable(dir string, id ID, opts WriterOptions, entries []Entry) (Info, error) {
	return writeSSTable(dir, id, opts, entries, id.Generation)
}

func writeSSTable(dir string, id ID, opts WriterOptions, entries []Entry, precedence uint64) (Info, error) {
	w, err := NewWriter(dir, id, opts)
	if err != nil {
		return Info{}, err
	}
	w.SetPrecedence(precedence)
	for i := range entries {
		if err := w.Add(entries[i]); err != nil {
			w.Abort()
			return Info{}, err
		}
	}
	return w.Finish()
}
