// Package manifest models the per-generation manifest object stored at
// {prefix}/{gen_id}/manifest.json, and the bare "latest" pointer object.
package manifest

import (
	"encoding/json"

	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/walreader"
)

// SegmentRecord describes one shipped WAL segment within a generation.
// Offset(i+1) must equal Offset(i)+Length(i); the manifest's Segments
// slice is always dense and zero-indexed. Key is the object key this
// segment is stored under, relative to {prefix}/{gen_id}/wal/ — it is
// stored explicitly rather than derived from Index, since compaction
// replaces a run of segments with one object under a new key while
// keeping the manifest's index sequence dense.
type SegmentRecord struct {
	Index            int    `json:"index"`
	Key              string `json:"key"`
	Offset           int64  `json:"offset"`
	Length           int64  `json:"length"`
	CompressedLength int64  `json:"compressed_length"`
	CreatedAtMS      int64  `json:"created_at_ms"`
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Manifest is the full generation record. Unmarshal tolerates unknown
// fields so a newer writer's manifest stays readable by an older reader.
type Manifest struct {
	GenerationID           common.GenerationID `json:"generation_id"`
	CreatedAtMS            int64               `json:"created_at_ms"`
	SnapshotSize           int64               `json:"snapshot_size"`
	SnapshotCompressedSize int64               `json:"snapshot_compressed_size"`
	WALSalt1               uint32              `json:"wal_salt1"`
	WALSalt2               uint32              `json:"wal_salt2"`
	Segments               []SegmentRecord     `json:"segments"`
}

// TotalWALBytes returns the absolute WAL file offset immediately past the
// last shipped segment, i.e. where the next segment will begin. A
// generation with no segments yet has nothing shipped past the WAL
// header, so this is HeaderSize rather than zero.
func (m *Manifest) TotalWALBytes() int64 {
	if len(m.Segments) == 0 {
		return int64(walreader.HeaderSize)
	}
	last := m.Segments[len(m.Segments)-1]
	return last.Offset + last.Length
}

// AppendSegment appends a new dense segment record, deriving its Offset
// and Index from the existing tail.
func (m *Manifest) AppendSegment(length, compressedLength, createdAtMS int64) SegmentRecord {
	index := len(m.Segments)
	rec := SegmentRecord{
		Index:            index,
		Key:              itoa(index),
		Offset:           m.TotalWALBytes(),
		Length:           length,
		CompressedLength: compressedLength,
		CreatedAtMS:      createdAtMS,
	}
	m.Segments = append(m.Segments, rec)
	return rec
}

// Marshal serializes the manifest as indented JSON for reproducible,
// diffable objects.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Unmarshal parses a manifest object's bytes. Unknown JSON fields are
// silently ignored by encoding/json's default behavior.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
