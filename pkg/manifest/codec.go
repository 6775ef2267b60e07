package manifest

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"maps"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

// Snapshot blob: "CQMF" | u16 format | u32 payload length | JSON payload |
// u32 crc32(payload), big-endian.
const (
	blobMagic     = "CQMF"
	formatVersion = uint16(1)
	blobOverhead  = 4 + 2 + 4 + 4
)

// State is the durable snapshot of the live set.
type State struct {
	ActiveSSTables map[string]SSTableMetadata `json:"active_sstables"`
	SchemaVersions map[string]uint32          `json:"schema_versions"`
	Version        uint64                     `json:"version"`
	// LastUpdated is microseconds since the Unix epoch.
	LastUpdated int64 `json:"last_updated"`
}

func newState(now int64) State {
	return State{
		ActiveSSTables: make(map[string]SSTableMetadata),
		SchemaVersions: make(map[string]uint32),
		Version:        1,
		LastUpdated:    now,
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.ActiveSSTables = make(map[string]SSTableMetadata, len(s.ActiveSSTables))
	for id, m := range s.ActiveSSTables {
		out.ActiveSSTables[id] = m.clone()
	}
	out.SchemaVersions = maps.Clone(s.SchemaVersions)
	if out.SchemaVersions == nil {
		out.SchemaVersions = make(map[string]uint32)
	}
	return out
}

func encodeState(s State) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.KindSerialization, "manifest.encode", err)
	}
	buf := make([]byte, 0, len(payload)+blobOverhead)
	buf = append(buf, blobMagic...)
	buf = binary.BigEndian.AppendUint16(buf, formatVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload)), nil
}

func decodeState(name string, data []byte) (State, error) {
	const op = "manifest.decode"
	if len(data) < blobOverhead {
		return State{}, dberrors.Corruption(op, name, "%d bytes is shorter than the envelope", len(data))
	}
	if string(data[:4]) != blobMagic {
		return State{}, dberrors.Corruption(op, name, "bad magic %q", data[:4])
	}
	if v := binary.BigEndian.Uint16(data[4:]); v != formatVersion {
		return State{}, dberrors.Corruption(op, name, "unsupported format %d", v)
	}
	n := binary.BigEndian.Uint32(data[6:])
	if uint64(n)+blobOverhead != uint64(len(data)) {
		return State{}, dberrors.Corruption(op, name, "payload length %d does not match file size %d", n, len(data))
	}
	payload := data[10 : 10+n]
	if want, got := binary.BigEndian.Uint32(data[10+n:]), crc32.ChecksumIEEE(payload); want != got {
		return State{}, dberrors.Corruption(op, name, "checksum mismatch: stored %#08x, computed %#08x", want, got)
	}

	var s State
	if err := json.Unmarshal(payload, &s); err != nil {
		return State{}, dberrors.New(dberrors.KindCorruption, op).Entity(name).Cause(err).Err()
	}
	if s.ActiveSSTables == nil {
		s.ActiveSSTables = make(map[string]SSTableMetadata)
	}
	if s.SchemaVersions == nil {
		s.SchemaVersions = make(map[string]uint32)
	}
	return s, nil
}
