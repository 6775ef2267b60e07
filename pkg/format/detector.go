package format

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

// Era groups version tokens by the Cassandra release line that wrote them.
type Era uint8

const (
	EraUnknown Era = iota
	EraV2x
	EraV3x
	EraV4x
	EraV5x
)

func (e Era) String() string {
	switch e {
	case EraV2x:
		return "2.x"
	case EraV3x:
		return "3.x"
	case EraV4x:
		return "4.x"
	case EraV5x:
		return "5.x"
	default:
		return "unknown"
	}
}

// Format is a version token resolved to its era.
type Format struct {
	Era     Era
	Version string
}

// SupportsCompression reports whether files of this format may be compressed.
func (f Format) SupportsCompression() bool {
	return f.Era != EraUnknown
}

// UsesChunkCompression reports whether compression is applied per chunk.
func (f Format) UsesChunkCompression() bool {
	return f.Era != EraUnknown
}

// DefaultCompression names the compressor class used when none is configured.
func (f Format) DefaultCompression() string {
	if f.Era == EraV2x {
		return SnappyCompressorName
	}
	return LZ4CompressorName
}

func (f Format) String() string {
	return f.Version + " (" + f.Era.String() + ")"
}

// Component identifies one file of an SSTable.
type Component uint8

const (
	ComponentData Component = iota
	ComponentIndex
	ComponentSummary
	ComponentFilter
	ComponentCompressionInfo
	ComponentStatistics
	ComponentDigest
	ComponentTOC
)

var componentSuffixes = [...]string{
	ComponentData:            "Data.db",
	ComponentIndex:           "Index.db",
	ComponentSummary:         "Summary.db",
	ComponentFilter:          "Filter.db",
	ComponentCompressionInfo: "CompressionInfo.db",
	ComponentStatistics:      "Statistics.db",
	ComponentDigest:          "Digest.crc32",
	ComponentTOC:             "TOC.txt",
}

// Suffix returns the filename suffix of the component.
func (c Component) Suffix() string {
	if int(c) < len(componentSuffixes) {
		return componentSuffixes[c]
	}
	return ""
}

func (c Component) String() string { return c.Suffix() }

// ComponentFromFilename returns the component named by a filename's suffix.
func ComponentFromFilename(name string) (Component, bool) {
	for c, suffix := range componentSuffixes {
		if strings.HasSuffix(name, "-"+suffix) {
			return Component(c), true
		}
	}
	return 0, false
}

// DefaultSize is the size token written into new filenames.
const DefaultSize = "big"

// Descriptor is a parsed component filename:
// {version}-{generation}-{size}-{component}.
type Descriptor struct {
	Dir        string
	Version    string
	Generation uint64
	Size       string
	Component  Component
}

// ParseFilename parses a component path such as /data/nb-1-big-Data.db.
func ParseFilename(path string) (Descriptor, error) {
	const op = "format.parse_filename"
	dir, name := filepath.Split(path)
	parts := strings.SplitN(name, "-", 4)
	if len(parts) != 4 {
		return Descriptor{}, dberrors.New(dberrors.KindParse, op).Entity(name).Context("want {version}-{generation}-{size}-{component}").Err()
	}
	comp, ok := ComponentFromFilename(name)
	if !ok || parts[3] != comp.Suffix() {
		return Descriptor{}, dberrors.New(dberrors.KindParse, op).Entity(name).Context("unknown component %q", parts[3]).Err()
	}
	gen, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Descriptor{}, dberrors.New(dberrors.KindParse, op).Entity(name).Context("bad generation").Cause(err).Err()
	}
	return Descriptor{
		Dir:        filepath.Clean(dir),
		Version:    parts[0],
		Generation: gen,
		Size:       parts[2],
		Component:  comp,
	}, nil
}

// Prefix returns "{version}-{generation}-{size}".
func (d Descriptor) Prefix() string {
	return d.Version + "-" + strconv.FormatUint(d.Generation, 10) + "-" + d.Size
}

// Filename returns the filename of component c of the same SSTable.
func (d Descriptor) Filename(c Component) string {
	return d.Prefix() + "-" + c.Suffix()
}

// Path returns the full path of component c of the same SSTable.
func (d Descriptor) Path(c Component) string {
	return filepath.Join(d.Dir, d.Filename(c))
}

// Detector maps version tokens to formats.
type Detector struct {
	formats map[string]Format
}

// NewDetector returns a detector that knows every released version token.
func NewDetector() *Detector {
	d := &Detector{formats: make(map[string]Format)}
	for _, v := range []string{"ic", "jb"} {
		d.formats[v] = Format{Era: EraV2x, Version: v}
	}
	for _, v := range []string{"ma", "mb", "mc", "md", "me"} {
		d.formats[v] = Format{Era: EraV3x, Version: v}
	}
	for _, v := range []string{"na", "nb"} {
		d.formats[v] = Format{Era: EraV4x, Version: v}
	}
	for _, v := range []string{"oa", "da"} {
		d.formats[v] = Format{Era: EraV5x, Version: v}
	}
	return d
}

// DetectFromVersion resolves a version token. Unknown tokens resolve to
// EraUnknown.
func (d *Detector) DetectFromVersion(version string) Format {
	if f, ok := d.formats[version]; ok {
		return f
	}
	return Format{Era: EraUnknown, Version: version}
}

// DetectFromPath resolves the format of a component file from its name.
func (d *Detector) DetectFromPath(path string) (Format, error) {
	desc, err := ParseFilename(path)
	if err != nil {
		return Format{}, err
	}
	return d.DetectFromVersion(desc.Version), nil
}

// DetectFromDirectory resolves the format of the first Data.db file in dir
// (in name order).
func (d *Detector) DetectFromDirectory(dir string) (Format, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Format{}, dberrors.Io("format.detect_dir", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "-"+ComponentData.Suffix()) {
			continue
		}
		if f, err := d.DetectFromPath(filepath.Join(dir, e.Name())); err == nil {
			return f, nil
		}
	}
	return Format{}, dberrors.NotFound("format.detect_dir", dir)
}

// IsSupported reports whether version is a known token.
func (d *Detector) IsSupported(version string) bool {
	_, ok := d.formats[version]
	return ok
}

// SupportedVersions lists the known version tokens in order.
func (d *Detector) SupportedVersions() []string {
	out := make([]string, 0, len(d.formats))
	for v := range d.formats {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
