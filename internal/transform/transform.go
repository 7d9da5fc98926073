// Package transform converts chat payloads to the opaque form sent on the
// wire and back.
package transform

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is returned by Open for payloads it cannot decode.
var ErrMalformed = errors.New("transform: malformed payload")

// Transform seals plaintext into an opaque wire payload and opens it again.
type Transform interface {
	Seal(plaintext string) (string, error)
	Open(payload string) (string, error)
}

// Passthrough leaves payloads untouched.
type Passthrough struct{}

// Seal implements Transform.
func (Passthrough) Seal(plaintext string) (string, error) { return plaintext, nil }

// Open implements Transform.
func (Passthrough) Open(payload string) (string, error) { return payload, nil }

const ivHexLen = 2 * aes.BlockSize

// AESCBC seals with AES-256-CBC and PKCS#7 padding. A payload is the 32
// character hex IV followed by the base64 ciphertext, which is the layout the
// browser client decrypts.
type AESCBC struct {
	block cipher.Block
	rand  io.Reader
}

// NewAESCBC builds an AESCBC transform from a 32 byte key.
func NewAESCBC(key []byte) (*AESCBC, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("transform: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &AESCBC{block: block, rand: rand.Reader}, nil
}

// Seal implements Transform. Every call uses a fresh random IV.
func (a *AESCBC) Seal(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(a.rand, iv); err != nil {
		return "", fmt.Errorf("transform: read iv: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(a.block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + base64.StdEncoding.EncodeToString(out), nil
}

// Open implements Transform.
func (a *AESCBC) Open(payload string) (string, error) {
	if len(payload) < ivHexLen {
		return "", ErrMalformed
	}
	iv, err := hex.DecodeString(payload[:ivHexLen])
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrMalformed, err)
	}
	data, err := base64.StdEncoding.DecodeString(payload[ivHexLen:])
	if err != nil {
		return "", fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(a.block, iv).CryptBlocks(out, data)

	plain, err := unpad(out)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: padding", ErrMalformed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: padding", ErrMalformed)
		}
	}
	return b[:len(b)-n], nil
}

// FromKey returns AESCBC for a non-empty key and Passthrough otherwise.
func FromKey(key string) (Transform, error) {
	if key == "" {
		return Passthrough{}, nil
	}
	return NewAESCBC([]byte(key))
}
