package crypto

import (
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"hello",
		"",
		"multi\nline\ncontent",
		"unicode: ã, 中文, 🚀",
		string(make([]byte, 4096)),
	}
	for _, plain := range cases {
		cipherText, nonce, err := Encrypt(plain, "thread-1", "salt")
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decrypt(cipherText, nonce, "thread-1", "salt")
		if err != nil {
			t.Fatal(err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestFreshNoncePerCall(t *testing.T) {
	c1, n1, err := Encrypt("same", "t", "s")
	if err != nil {
		t.Fatal(err)
	}
	c2, n2, err := Encrypt("same", "t", "s")
	if err != nil {
		t.Fatal(err)
	}
	if n1 == n2 {
		t.Error("nonce reused across calls")
	}
	if c1 == c2 {
		t.Error("identical ciphertext for two calls, nonce not applied")
	}
}

func TestWrongKeyFails(t *testing.T) {
	cipherText, nonce, err := Encrypt("secret", "thread-1", "salt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(cipherText, nonce, "thread-2", "salt"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("err = %v, want ErrDecrypt", err)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	cipherText, nonce, err := Encrypt("secret", "thread-1", "salt")
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name          string
		cipher, nonce string
	}{
		{"garbage cipher", "not-base64!!", nonce},
		{"truncated cipher", cipherText[:len(cipherText)/2], nonce},
		{"garbage nonce", cipherText, "??"},
		{"swapped nonce", cipherText, mustNonce(t)},
	} {
		if _, err := Decrypt(tc.cipher, tc.nonce, "thread-1", "salt"); !errors.Is(err, ErrDecrypt) {
			t.Errorf("%s: err = %v, want ErrDecrypt", tc.name, err)
		}
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey("thread-1", "salt")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveKey("thread-1", "salt")
	if err != nil {
		t.Fatal(err)
	}
	if string(k1) != string(k2) {
		t.Error("key derivation not deterministic")
	}
	k3, _ := DeriveKey("thread-2", "salt")
	if string(k1) == string(k3) {
		t.Error("different threads derived the same key")
	}
}

func mustNonce(t *testing.T) string {
	t.Helper()
	_, n, err := Encrypt("x", "other", "salt")
	if err != nil {
		t.Fatal(err)
	}
	return n
}
