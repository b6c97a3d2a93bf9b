// Package walreader parses the SQLite WAL file header and streams raw
// frame bytes beyond a previously observed offset. It never interprets
// frame contents; that is SQLite's job during restore.
package walreader

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/waloy/waloy/internal/waloyerr"
)

const (
	// HeaderSize is the fixed size of a SQLite WAL file header. Every
	// generation's first segment begins immediately after it; offsets
	// below HeaderSize never denote a valid frame.
	HeaderSize      = 32
	magicNoChecksum = 0x377f0682
	magicChecksum   = 0x377f0683
)

// Header is the fixed 32-byte WAL header. Salt1/Salt2 change on every
// checkpoint that starts a new WAL; the engine uses a salt change to
// detect a discontinuity it did not itself cause.
type Header struct {
	Magic                 uint32
	FileFormatVersion     uint32
	PageSize              uint32
	CheckpointSequence    uint32
	Salt1                 uint32
	Salt2                 uint32
	Checksum1             uint32
	Checksum2             uint32
}

// Reader gives byte-range access to a WAL file's raw contents.
type Reader struct {
	f *os.File
}

// Open parses path's header and returns a Reader positioned to serve
// ranged reads over the rest of the file. Returns waloyerr.KindCorruption
// if the header's magic bytes are not recognized.
func Open(path string) (*Reader, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, waloyerr.Wrap(waloyerr.KindIo, "walreader.Open", err)
	}
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		f.Close()
		return nil, Header{}, waloyerr.Wrap(waloyerr.KindIo, "walreader.Open:read_header", err)
	}
	h, err := parseHeader(buf[:])
	if err != nil {
		f.Close()
		return nil, Header{}, err
	}
	return &Reader{f: f}, h, nil
}

func parseHeader(buf []byte) (Header, error) {
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != magicNoChecksum && magic != magicChecksum {
		return Header{}, waloyerr.Wrap(waloyerr.KindCorruption, "walreader.parseHeader",
			fmt.Errorf("unrecognized WAL magic %#x", magic))
	}
	return Header{
		Magic:              magic,
		FileFormatVersion:  binary.BigEndian.Uint32(buf[4:8]),
		PageSize:           binary.BigEndian.Uint32(buf[8:12]),
		CheckpointSequence: binary.BigEndian.Uint32(buf[12:16]),
		Salt1:              binary.BigEndian.Uint32(buf[16:20]),
		Salt2:              binary.BigEndian.Uint32(buf[20:24]),
		Checksum1:          binary.BigEndian.Uint32(buf[24:28]),
		Checksum2:          binary.BigEndian.Uint32(buf[28:32]),
	}, nil
}

// ReheadHeader re-reads just the header, used by the engine to detect a
// salt change between sync cycles without reopening the whole file.
func ReheadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, waloyerr.Wrap(waloyerr.KindIo, "walreader.ReheadHeader", err)
	}
	defer f.Close()
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return Header{}, waloyerr.Wrap(waloyerr.KindIo, "walreader.ReheadHeader:read", err)
	}
	return parseHeader(buf[:])
}

// Size returns the current size of the underlying WAL file.
func (r *Reader) Size() (int64, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, waloyerr.Wrap(waloyerr.KindIo, "walreader.Size", err)
	}
	return fi.Size(), nil
}

// ReadRange returns the raw bytes in [from, to). Both offsets are
// absolute positions within the WAL file, including the header.
func (r *Reader) ReadRange(from, to int64) ([]byte, error) {
	if to <= from {
		return nil, nil
	}
	buf := make([]byte, to-from)
	if _, err := r.f.ReadAt(buf, from); err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindIo, "walreader.ReadRange", err)
	}
	return buf, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
