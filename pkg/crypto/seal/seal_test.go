package seal

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plain := []byte("session payload")
	aad := []byte("table-sessions")

	sealed, err := s.Seal(plain, aad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("sealed output contains plaintext")
	}

	opened, err := s.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("Open = %q, want %q", opened, plain)
	}
}

func TestSealer_WrongAAD(t *testing.T) {
	s, _ := New(testKey(t))

	sealed, err := s.Seal([]byte("v"), []byte("table-a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s.Open(sealed, []byte("table-b")); err == nil {
		t.Fatal("Open with mismatched additional data should fail")
	}
}

func TestSealer_InvalidKey(t *testing.T) {
	if _, err := New(make([]byte, 16)); err != ErrInvalidKey {
		t.Fatalf("New err = %v, want %v", err, ErrInvalidKey)
	}
}

func TestSealer_ShortCiphertext(t *testing.T) {
	s, _ := New(testKey(t))
	if _, err := s.Open([]byte{1, 2, 3}, nil); err != ErrCiphertextTooShort {
		t.Fatalf("Open err = %v, want %v", err, ErrCiphertextTooShort)
	}
}

func TestNewFromHex(t *testing.T) {
	key := testKey(t)
	s, err := NewFromHex(hex.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewFromHex: %v", err)
	}
	sealed, err := s.Seal([]byte("x"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s.Open(sealed, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := NewFromHex("not-hex"); err == nil {
		t.Fatal("NewFromHex with invalid input should fail")
	}
}
