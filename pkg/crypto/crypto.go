// Package crypto implements the per-peer AES-CBC codec used to encrypt
// every frame header and payload on the multiplexer transport. Each peer
// session gets its own key/IV pair, handed over in its handshake token, and
// keeps a pair of long-lived cipher.BlockMode chains alive for the whole
// session rather than reinitializing per frame: CBC's chaining state
// carries from one frame to the next, the same way the reference
// implementation's persistent encryptor/decryptor objects do.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"
)

const (
	// KeySize is the AES-256 key length carried in a handshake token.
	KeySize = 32
	// IVSize is the AES block size used as the initial CBC vector.
	IVSize = 16

	blockSize = 16
)

// Codec encrypts outgoing frames and decrypts incoming ones for a single
// peer session. It is not safe for concurrent Encrypt* calls, nor for
// concurrent Decrypt* calls — callers must serialize through the
// multiplexer's single writer and single reader goroutines respectively.
type Codec struct {
	encMu sync.Mutex
	enc   cipher.BlockMode

	decMu sync.Mutex
	dec   cipher.BlockMode
}

// NewCodec builds a Codec from a 32-byte AES key and 16-byte IV, as
// delivered in a peer's handshake token.
func NewCodec(key, iv []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("crypto: iv must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	// CBC mode mutates the iv slice it's given; pass copies so the
	// encrypt and decrypt chains don't alias each other's state.
	encIV := append([]byte(nil), iv...)
	decIV := append([]byte(nil), iv...)
	return &Codec{
		enc: cipher.NewCBCEncrypter(block, encIV),
		dec: cipher.NewCBCDecrypter(block, decIV),
	}, nil
}

// EncryptBlock encrypts a buffer whose length is already an exact multiple
// of the AES block size (used for the fixed-size frame header).
func (c *Codec) EncryptBlock(plain []byte) ([]byte, error) {
	if len(plain)%blockSize != 0 {
		return nil, fmt.Errorf("crypto: block plaintext length %d not block-aligned", len(plain))
	}
	out := make([]byte, len(plain))
	c.encMu.Lock()
	c.enc.CryptBlocks(out, plain)
	c.encMu.Unlock()
	return out, nil
}

// DecryptBlock decrypts a buffer whose length is already an exact multiple
// of the AES block size.
func (c *Codec) DecryptBlock(cipherText []byte) ([]byte, error) {
	if len(cipherText)%blockSize != 0 {
		return nil, fmt.Errorf("crypto: block ciphertext length %d not block-aligned", len(cipherText))
	}
	out := make([]byte, len(cipherText))
	c.decMu.Lock()
	c.dec.CryptBlocks(out, cipherText)
	c.decMu.Unlock()
	return out, nil
}

// EncryptPadded PKCS#7-pads payload to the AES block size (always adding at
// least one byte of padding, even for an already block-aligned input) and
// encrypts it.
func (c *Codec) EncryptPadded(payload []byte) ([]byte, error) {
	padded := pkcs7Pad(payload, blockSize)
	return c.EncryptBlock(padded)
}

// DecryptPadded decrypts cipherText and returns exactly plainLen bytes of
// plaintext. The frame header already carries the authoritative plaintext
// length, so unlike a generic PKCS#7 consumer this does not need to inspect
// the trailing padding byte to know where the payload ends.
func (c *Codec) DecryptPadded(cipherText []byte, plainLen int) ([]byte, error) {
	plain, err := c.DecryptBlock(cipherText)
	if err != nil {
		return nil, err
	}
	if plainLen > len(plain) {
		return nil, fmt.Errorf("crypto: declared length %d exceeds decrypted buffer %d", plainLen, len(plain))
	}
	return plain[:plainLen], nil
}

func pkcs7Pad(data []byte, size int) []byte {
	padLen := size - (len(data) % size)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	copy(padded[len(data):], bytes.Repeat([]byte{byte(padLen)}, padLen))
	return padded
}
