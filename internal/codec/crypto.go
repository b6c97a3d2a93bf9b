package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/waloy/waloy/internal/waloyerr"
)

// encMarker prefixes every encrypted object so a reader can recognize it
// without out-of-band configuration. Followed by a 16-byte salt and a
// 12-byte GCM nonce.
var encMarker = []byte("WALOY-ENC\x00")

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, keySize)
}

func encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return plaintext, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindCrypto, "codec.encrypt:salt", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindCrypto, "codec.encrypt:nonce", err)
	}
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(encMarker)+saltSize+nonceSize+len(ciphertext))
	out = append(out, encMarker...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func decryptIfMarked(passphrase string, data []byte) ([]byte, error) {
	if !hasPrefix(data, encMarker) {
		return data, nil
	}
	if passphrase == "" {
		return nil, waloyerr.Wrap(waloyerr.KindCrypto, "codec.decrypt",
			fmt.Errorf("object is encrypted but no encryption key is configured"))
	}
	rest := data[len(encMarker):]
	if len(rest) < saltSize+nonceSize {
		return nil, waloyerr.Wrap(waloyerr.KindCorruption, "codec.decrypt",
			fmt.Errorf("truncated encryption header"))
	}
	salt := rest[:saltSize]
	nonce := rest[saltSize : saltSize+nonceSize]
	ciphertext := rest[saltSize+nonceSize:]

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindCrypto, "codec.decrypt:open", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindCrypto, "codec.newGCM:aes", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindCrypto, "codec.newGCM:gcm", err)
	}
	return gcm, nil
}
