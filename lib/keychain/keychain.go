// Package keychain seals airline credentials at rest. The sealed format is
// base64(nonce).base64(tag).base64(ciphertext) with AES-256-GCM and a key
// derived by hashing a shared secret, so payloads are portable between the
// store and any provisioning tooling.
package keychain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const nonceSize = 12
const tagSize = 16

var ErrInvalidPayload = errors.New("invalid sealed payload")

type Keychain struct {
	key []byte
}

// New derives a 32-byte AES key from the shared secret.
func New(secret string) (*Keychain, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("secret key is required (min 16 chars)")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Keychain{key: sum[:]}, nil
}

func (k *Keychain) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts a plaintext credential with a fresh random nonce.
func (k *Keychain) Seal(plain string) (string, error) {
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	_, err = rand.Read(nonce)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plain), nil)
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(data),
	}, "."), nil
}

// Open decrypts a sealed payload. It fails closed: a payload whose
// authentication tag does not verify yields an error and no output.
func (k *Keychain) Open(blob string) (string, error) {
	parts := strings.Split(blob, ".")
	if len(parts) != 3 {
		return "", ErrInvalidPayload
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidPayload
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidPayload
	}
	data, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidPayload
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", ErrInvalidPayload
	}

	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}

	plain, err := gcm.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("open sealed payload: %w", err)
	}
	return string(plain), nil
}
