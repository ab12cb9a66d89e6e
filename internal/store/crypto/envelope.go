// Package crypto provides the AES-GCM envelope used to encrypt secret
// input values before they're persisted.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/tombee/conductorcore/internal/errs"
)

// MinKeyLen is the shortest accepted key (AES-128). crypto/aes.NewCipher
// itself accepts 16, 24, or 32 bytes; anything else is a ConfigError
// surfaced at construction time rather than at first encrypt.
const MinKeyLen = 16

// Envelope is the on-disk representation of an encrypted value.
type Envelope struct {
	Encrypted bool   `json:"encrypted"`
	Data      string `json:"data"`
}

// Cipher encrypts and decrypts secret input values with AES-GCM, nonce
// prepended to the ciphertext before base64 encoding.
type Cipher struct {
	gcm cipher.AEAD
}

// New builds a Cipher from a raw key. Keys shorter than MinKeyLen are
// rejected; 16/24/32-byte keys select AES-128/192/256-GCM respectively.
func New(key []byte) (*Cipher, error) {
	if len(key) < MinKeyLen {
		return nil, &errs.ConfigError{Field: "encryptionKey", Message: "key must be at least 16 bytes"}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &errs.ConfigError{Field: "encryptionKey", Message: err.Error()}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &errs.ConfigError{Field: "encryptionKey", Message: err.Error()}
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plaintext into an Envelope with Encrypted=true.
func (c *Cipher) Encrypt(plaintext []byte) (Envelope, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, err
	}
	sealed := c.gcm.Seal(nonce, nonce, plaintext, nil)
	return Envelope{Encrypted: true, Data: base64.StdEncoding.EncodeToString(sealed)}, nil
}

// Decrypt opens an Envelope produced by Encrypt.
func (c *Cipher) Decrypt(env Envelope) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, err
	}
	ns := c.gcm.NonceSize()
	if len(raw) < ns {
		return nil, &errs.SecurityPolicyViolationError{Policy: "encryption", Message: "envelope truncated"}
	}
	nonce, ciphertext := raw[:ns], raw[ns:]
	return c.gcm.Open(nil, nonce, ciphertext, nil)
}
