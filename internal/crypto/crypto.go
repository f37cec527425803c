// Package crypto is the encryption boundary for message content. Bodies are
// encrypted with AES-256-GCM under a key derived from the owning thread id,
// so ciphertext and nonce are all that ever reach the local store or the
// remote store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyLen = 32

// ErrDecrypt is returned for every decryption failure: corrupted ciphertext,
// wrong key or tampered nonce. Callers render Placeholder instead of
// propagating raw ciphertext to readers.
var ErrDecrypt = errors.New("decryption failed")

// Placeholder is rendered in place of content that cannot be decrypted.
const Placeholder = "[message could not be decrypted]"

// DeriveKey derives the 32-byte conversation key from key material using
// HKDF-SHA256. The material is typically the thread id plus a stable salt;
// derivation is deterministic so both ends of a thread reach the same key.
func DeriveKey(material, salt string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(material), []byte(salt), []byte("message-content"))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under the conversation key material and returns
// base64-encoded ciphertext and nonce. Every call draws a fresh random nonce;
// nonce reuse is forbidden.
func Encrypt(plaintext, material, salt string) (cipherText, nonce string, err error) {
	aead, err := newAEAD(material, salt)
	if err != nil {
		return "", "", err
	}

	n := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return "", "", fmt.Errorf("nonce: %w", err)
	}

	sealed := aead.Seal(nil, n, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(n), nil
}

// Decrypt reverses Encrypt. Any failure surfaces as ErrDecrypt so the read
// path has a single condition to branch on.
func Decrypt(cipherText, nonce, material, salt string) (string, error) {
	aead, err := newAEAD(material, salt)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", ErrDecrypt
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(n) != aead.NonceSize() {
		return "", ErrDecrypt
	}

	plain, err := aead.Open(nil, n, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func newAEAD(material, salt string) (cipher.AEAD, error) {
	key, err := DeriveKey(material, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
