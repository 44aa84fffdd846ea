package security

import (
	"bytes"
	"testing"

	"metafeed/pkg/keys"
	"metafeed/pkg/models"
)

func TestSealOpenRoundTrip(t *testing.T) {
	kp, err := keys.Generate(models.FormatClassic)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	key, err := SelfKey(kp)
	if err != nil {
		t.Fatalf("SelfKey: %v", err)
	}
	plain := []byte(`{"type":"metafeed/seed"}`)
	sealed, err := Seal(plain, key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("sealed payload contains the plaintext")
	}
	got, ok := Open(sealed, key)
	if !ok {
		t.Fatal("Open failed with the sealing key")
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestOpenWrongKey(t *testing.T) {
	a, _ := keys.Generate(models.FormatClassic)
	b, _ := keys.Generate(models.FormatClassic)
	keyA, _ := SelfKey(a)
	keyB, _ := SelfKey(b)
	sealed, err := Seal([]byte("secret"), keyA)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, ok := Open(sealed, keyB); ok {
		t.Fatal("Open succeeded with the wrong key")
	}
}

func TestSelfKeyDeterministic(t *testing.T) {
	kp, _ := keys.Generate(models.FormatClassic)
	a, err := SelfKey(kp)
	if err != nil {
		t.Fatalf("SelfKey: %v", err)
	}
	b, err := SelfKey(kp)
	if err != nil {
		t.Fatalf("SelfKey: %v", err)
	}
	if a != b {
		t.Fatal("SelfKey is not deterministic for the same keypair")
	}
}

func TestKeyring(t *testing.T) {
	var ring Keyring
	var kps []models.KeyPair
	for i := 0; i < 3; i++ {
		kp, _ := keys.Generate(models.FormatClassic)
		kps = append(kps, kp)
	}
	keyLast, _ := SelfKey(kps[2])
	sealed, err := Seal([]byte("for the last key"), keyLast)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, ok := ring.Open(sealed); ok {
		t.Fatal("empty ring opened a sealed payload")
	}
	for _, kp := range kps {
		k, _ := SelfKey(kp)
		ring.Add(k)
	}
	ring.Add(keyLast) // duplicate adds are fine
	got, ok := ring.Open(sealed)
	if !ok {
		t.Fatal("ring failed to open with the right key present")
	}
	if string(got) != "for the last key" {
		t.Fatalf("ring returned wrong plaintext: %q", got)
	}
}
