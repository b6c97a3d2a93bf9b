// Package codec implements the write/read pipeline applied to every
// object before it leaves the process and after it is fetched back:
// compress, then encrypt on write; detect and invert on read.
package codec

// Pipeline holds the configured compression algorithm and the optional
// encryption passphrase. A zero-value Pipeline is a pass-through codec.
type Pipeline struct {
	Compression Compression
	Passphrase  string
}

// New builds a Pipeline. An empty passphrase disables encryption.
func New(compression Compression, passphrase string) Pipeline {
	return Pipeline{Compression: compression, Passphrase: passphrase}
}

// Encode compresses then (optionally) encrypts data for storage.
func (p Pipeline) Encode(data []byte) ([]byte, error) {
	compressed, err := compress(p.Compression, data)
	if err != nil {
		return nil, err
	}
	return encrypt(p.Passphrase, compressed)
}

// Decode inverts Encode. It identifies each stage by magic bytes rather
// than trusting the pipeline's own configuration, so objects written
// under a prior codec configuration remain readable.
func (p Pipeline) Decode(data []byte) ([]byte, error) {
	plain, err := decryptIfMarked(p.Passphrase, data)
	if err != nil {
		return nil, err
	}
	return decompressBySniff(plain)
}
