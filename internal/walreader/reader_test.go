package walreader_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waloy/waloy/internal/walreader"
)

func writeFakeWAL(t *testing.T, salt1, salt2 uint32, frameBytes []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db-wal")

	header := make([]byte, 32)
	binary.BigEndian.PutUint32(header[0:4], 0x377f0682)
	binary.BigEndian.PutUint32(header[4:8], 3007000)
	binary.BigEndian.PutUint32(header[8:12], 4096)
	binary.BigEndian.PutUint32(header[12:16], 0)
	binary.BigEndian.PutUint32(header[16:20], salt1)
	binary.BigEndian.PutUint32(header[20:24], salt2)

	require.NoError(t, os.WriteFile(path, append(header, frameBytes...), 0o644))
	return path
}

func TestOpenParsesHeader(t *testing.T) {
	path := writeFakeWAL(t, 111, 222, []byte("frame-data"))

	r, header, err := walreader.Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uint32(111), header.Salt1)
	require.Equal(t, uint32(222), header.Salt2)
	require.Equal(t, uint32(4096), header.PageSize)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db-wal")
	require.NoError(t, os.WriteFile(path, make([]byte, 32), 0o644))

	_, _, err := walreader.Open(path)
	require.Error(t, err)
}

func TestReadRangeReturnsRawFrameBytes(t *testing.T) {
	path := writeFakeWAL(t, 1, 2, []byte("hello-frame"))

	r, _, err := walreader.Open(path)
	require.NoError(t, err)
	defer r.Close()

	size, err := r.Size()
	require.NoError(t, err)

	data, err := r.ReadRange(32, size)
	require.NoError(t, err)
	require.Equal(t, []byte("hello-frame"), data)
}

func TestReheadHeaderReadsSalt(t *testing.T) {
	path := writeFakeWAL(t, 5, 6, nil)

	h1, err := walreader.ReheadHeader(path)
	require.NoError(t, err)
	require.Equal(t, uint32(5), h1.Salt1)
}
