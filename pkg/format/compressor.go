package format

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

// Compressor class names as written into headers and CompressionInfo.db.
const (
	LZ4CompressorName     = "LZ4Compressor"
	SnappyCompressorName  = "SnappyCompressor"
	DeflateCompressorName = "DeflateCompressor"
	ZstdCompressorName    = "ZstdCompressor"
	NoopCompressorName    = "NoopCompressor"
)

const cassandraPackagePrefix = "org.apache.cassandra.io.compress."

// Compressor compresses chunks independently.
type Compressor interface {
	Name() string
	// Compress returns the compressed form of src, reusing dst's storage
	// when it is large enough.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress returns the uncompressed form of src, which must be
	// exactly uncompressedLen bytes long.
	Decompress(dst, src []byte, uncompressedLen int) ([]byte, error)
}

// CompressorFor returns the compressor for a class name, with or without
// the Cassandra package prefix.
func CompressorFor(name string) (Compressor, error) {
	switch strings.TrimPrefix(name, cassandraPackagePrefix) {
	case LZ4CompressorName:
		return lz4Compressor{}, nil
	case SnappyCompressorName:
		return snappyCompressor{}, nil
	case DeflateCompressorName:
		return deflateCompressor{level: flate.DefaultCompression}, nil
	case ZstdCompressorName:
		return zstdCompressor{}, nil
	case NoopCompressorName, "":
		return noopCompressor{}, nil
	default:
		return nil, dberrors.Configuration("format.compressor", "unknown compressor %q", name)
	}
}

// CompressorNameFor maps a short algorithm name (lz4, snappy, deflate,
// zstd, none) to its class name.
func CompressorNameFor(algorithm string) (string, error) {
	switch strings.ToLower(algorithm) {
	case "lz4":
		return LZ4CompressorName, nil
	case "snappy":
		return SnappyCompressorName, nil
	case "deflate":
		return DeflateCompressorName, nil
	case "zstd":
		return ZstdCompressorName, nil
	case "none", "":
		return NoopCompressorName, nil
	default:
		return "", dberrors.Configuration("format.compressor", "unknown algorithm %q", algorithm)
	}
}

func checkLen(name string, got, want int) error {
	if got != want {
		return dberrors.Corruption("format.decompress", name, "chunk decompressed to %d bytes, want %d", got, want)
	}
	return nil
}

func grow(dst []byte, n int) []byte {
	if cap(dst) < n {
		return make([]byte, n)
	}
	return dst[:n]
}

type noopCompressor struct{}

func (noopCompressor) Name() string { return NoopCompressorName }

func (noopCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (noopCompressor) Decompress(dst, src []byte, n int) ([]byte, error) {
	if err := checkLen(NoopCompressorName, len(src), n); err != nil {
		return nil, err
	}
	return append(dst[:0], src...), nil
}

// lz4Compressor writes a 4-byte little-endian uncompressed length before
// the raw LZ4 block, as Cassandra does.
type lz4Compressor struct{}

func (lz4Compressor) Name() string { return LZ4CompressorName }

func (lz4Compressor) Compress(dst, src []byte) ([]byte, error) {
	dst = grow(dst, 4+lz4.CompressBlockBound(len(src)))
	binary.LittleEndian.PutUint32(dst, uint32(len(src)))
	if len(src) == 0 {
		return dst[:4], nil
	}
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[4:])
	if err != nil {
		return nil, dberrors.Wrap(dberrors.KindSerialization, "lz4.compress", err)
	}
	if n == 0 {
		return nil, dberrors.Serialization("lz4.compress", "block of %d bytes did not fit bound", len(src))
	}
	return dst[:4+n], nil
}

func (lz4Compressor) Decompress(dst, src []byte, n int) ([]byte, error) {
	if len(src) < 4 {
		return nil, dberrors.Corruption("format.decompress", LZ4CompressorName, "chunk shorter than length prefix")
	}
	if err := checkLen(LZ4CompressorName, int(binary.LittleEndian.Uint32(src)), n); err != nil {
		return nil, err
	}
	dst = grow(dst, n)
	if n == 0 {
		return dst, nil
	}
	got, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, dberrors.New(dberrors.KindCorruption, "lz4.decompress").Cause(err).Err()
	}
	if err := checkLen(LZ4CompressorName, got, n); err != nil {
		return nil, err
	}
	return dst[:got], nil
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return SnappyCompressorName }

func (snappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	return snappy.Encode(dst[:cap(dst)], src), nil
}

func (snappyCompressor) Decompress(dst, src []byte, n int) ([]byte, error) {
	out, err := snappy.Decode(dst[:cap(dst)], src)
	if err != nil {
		return nil, dberrors.New(dberrors.KindCorruption, "snappy.decompress").Cause(err).Err()
	}
	if err := checkLen(SnappyCompressorName, len(out), n); err != nil {
		return nil, err
	}
	return out, nil
}

type deflateCompressor struct {
	level int
}

func (deflateCompressor) Name() string { return DeflateCompressorName }

func (d deflateCompressor) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	w, err := flate.NewWriter(buf, d.level)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.KindConfiguration, "deflate.compress", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, dberrors.Wrap(dberrors.KindSerialization, "deflate.compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, dberrors.Wrap(dberrors.KindSerialization, "deflate.compress", err)
	}
	return buf.Bytes(), nil
}

func (deflateCompressor) Decompress(dst, src []byte, n int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	dst = grow(dst, n)
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, dberrors.New(dberrors.KindCorruption, "deflate.decompress").Cause(err).Err()
	}
	// The stream must end exactly at n bytes.
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m != 0 {
		return nil, dberrors.Corruption("format.decompress", DeflateCompressorName, "chunk longer than %d bytes", n)
	}
	return dst, nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return ZstdCompressorName }

func (zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, dberrors.Wrap(dberrors.KindInternal, "zstd.compress", err)
	}
	return enc.EncodeAll(src, dst[:0]), nil
}

func (zstdCompressor) Decompress(dst, src []byte, n int) ([]byte, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, dberrors.Wrap(dberrors.KindInternal, "zstd.decompress", err)
	}
	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, dberrors.New(dberrors.KindCorruption, "zstd.decompress").Cause(err).Err()
	}
	if err := checkLen(ZstdCompressorName, len(out), n); err != nil {
		return nil, err
	}
	return out, nil
}
