package format

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

func TestDetector_Versions(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		version     string
		era         Era
		compression string
	}{
		{"ic", EraV2x, SnappyCompressorName},
		{"jb", EraV2x, SnappyCompressorName},
		{"ma", EraV3x, LZ4CompressorName},
		{"me", EraV3x, LZ4CompressorName},
		{"nb", EraV4x, LZ4CompressorName},
		{"oa", EraV5x, LZ4CompressorName},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			f := d.DetectFromVersion(tt.version)
			assert.Equal(t, tt.era, f.Era)
			assert.Equal(t, tt.compression, f.DefaultCompression())
			assert.True(t, f.SupportsCompression())
			assert.True(t, d.IsSupported(tt.version))
		})
	}

	unknown := d.DetectFromVersion("zz")
	assert.Equal(t, EraUnknown, unknown.Era)
	assert.False(t, unknown.SupportsCompression())
	assert.False(t, unknown.UsesChunkCompression())
	assert.False(t, d.IsSupported("zz"))
	assert.Contains(t, d.SupportedVersions(), "nb")
}

func TestParseFilename(t *testing.T) {
	desc, err := ParseFilename("/data/ks/nb-1-big-Data.db")
	require.NoError(t, err)
	assert.Equal(t, "nb", desc.Version)
	assert.Equal(t, uint64(1), desc.Generation)
	assert.Equal(t, "big", desc.Size)
	assert.Equal(t, ComponentData, desc.Component)
	assert.Equal(t, "/data/ks/nb-1-big-CompressionInfo.db", desc.Path(ComponentCompressionInfo))
	assert.Equal(t, "nb-1-big-TOC.txt", desc.Filename(ComponentTOC))

	desc, err = ParseFilename("oa-17-big-Digest.crc32")
	require.NoError(t, err)
	assert.Equal(t, ComponentDigest, desc.Component)

	for _, bad := range []string{"garbage", "nb-x-big-Data.db", "nb-1-big-Bogus.db", "nb-1-Data.db"} {
		_, err := ParseFilename(bad)
		assert.True(t, dberrors.IsKind(err, dberrors.KindParse), "%s: %v", bad, err)
	}
}

func TestDetector_FromPathAndDirectory(t *testing.T) {
	d := NewDetector()

	f, err := d.DetectFromPath("nb-1-big-Data.db")
	require.NoError(t, err)
	assert.Equal(t, Format{Era: EraV4x, Version: "nb"}, f)

	dir := t.TempDir()
	_, err = d.DetectFromDirectory(dir)
	assert.True(t, dberrors.IsNotFound(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ma-3-big-Index.db"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ma-3-big-Data.db"), nil, 0o644))
	f, err = d.DetectFromDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, EraV3x, f.Era)
}
