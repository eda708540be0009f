package secrets

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	b, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestSealOpenRoundTrip(t *testing.T) {
	b := newTestBox(t)

	sealed, err := b.Seal("sk-test-12345")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := b.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "sk-test-12345" {
		t.Fatalf("Open returned %q", got)
	}
}

func TestSealIsRandomized(t *testing.T) {
	b := newTestBox(t)

	a, _ := b.Seal("same-secret")
	c, _ := b.Seal("same-secret")
	if bytes.Equal(a, c) {
		t.Fatal("two Seal calls produced identical ciphertext")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	b := newTestBox(t)

	sealed, _ := b.Seal("sk-test")
	sealed[len(sealed)-1] ^= 0xff
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	b := newTestBox(t)
	if _, err := b.Open([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated input")
	}
}
