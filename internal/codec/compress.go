package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/waloy/waloy/internal/waloyerr"
)

// Compression selects the compression stage of the codec pipeline.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// Magic bytes prefixed by each compression stage so a reader can identify
// the codec without consulting out-of-band configuration.
var (
	magicLZ4  = []byte{0x04, 0x22, 0x4D, 0x18}
	magicZstd = []byte{0x28, 0xB5, 0x2F, 0xFD}
)

func compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, waloyerr.Wrap(waloyerr.KindIo, "codec.compress:lz4", err)
		}
		if err := w.Close(); err != nil {
			return nil, waloyerr.Wrap(waloyerr.KindIo, "codec.compress:lz4_close", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, waloyerr.Wrap(waloyerr.KindIo, "codec.compress:zstd_new", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, waloyerr.Wrap(waloyerr.KindConfig, "codec.compress",
			fmt.Errorf("unknown compression %q", c))
	}
}

func decompressBySniff(data []byte) ([]byte, error) {
	switch {
	case hasPrefix(data, magicLZ4):
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, waloyerr.Wrap(waloyerr.KindCorruption, "codec.decompress:lz4", err)
		}
		return out, nil
	case hasPrefix(data, magicZstd):
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, waloyerr.Wrap(waloyerr.KindIo, "codec.decompress:zstd_new", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, waloyerr.Wrap(waloyerr.KindCorruption, "codec.decompress:zstd", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func hasPrefix(data, prefix []byte) bool {
	return len(data) >= len(prefix) && bytes.Equal(data[:len(prefix)], prefix)
}
