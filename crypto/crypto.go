// Package crypto holds the payload ciphers of the audio session. FEC runs
// over ciphertext, so decryption happens only after a packet has left the
// reassembly queue.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"
)

// PayloadCrypt de/encrypts RTP audio payloads. Implementations must accept
// every payload produced by the negotiated session parameters.
type PayloadCrypt interface {
	// Decrypt a wire-format payload. Returns a new buffer with plaintext.
	Decrypt(ciphertext []byte) ([]byte, error)

	// Encrypt a plaintext payload. Returns a new buffer in wire format.
	Encrypt(plaintext []byte) ([]byte, error)
}

type aesCBC struct {
	block cipher.Block
	iv    []byte
}

// NewAESCBC returns a PayloadCrypt running AES-CBC with the session key and
// IV from session negotiation. The key must be 16, 24 or 32 bytes and the IV
// one AES block.
func NewAESCBC(key, iv []byte) (PayloadCrypt, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("iv is %d bytes, want %d", len(iv), aes.BlockSize)
	}
	return &aesCBC{
		block: block,
		iv:    append([]byte(nil), iv...),
	}, nil
}

func (c *aesCBC) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Errorf("ciphertext length %d not a multiple of the block size", len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

func (c *aesCBC) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, errors.Errorf("plaintext length %d not a multiple of the block size", len(plaintext))
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}
