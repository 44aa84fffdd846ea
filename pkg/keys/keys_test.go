package keys

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"testing"

	"metafeed/pkg/models"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}
	a, err := DeriveKey(seed, "chess", models.FormatClassic)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey(seed, "chess", models.FormatClassic)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("same seed and label produced different keys: %s vs %s", a.ID, b.ID)
	}
}

func TestDeriveKeyLabelSeparation(t *testing.T) {
	seed, _ := GenerateSeed()
	a, err := DeriveKey(seed, "chess", models.FormatClassic)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey(seed, "dental", models.FormatClassic)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if a.Equal(b) {
		t.Fatalf("different labels produced the same key: %s", a.ID)
	}
	if bytes.Equal(a.Private, b.Private) {
		t.Fatal("different labels produced the same private key")
	}
}

func TestDeriveKeyFixedSeed(t *testing.T) {
	seed, err := hex.DecodeString("4e2ce5ca70cd12cc0cee0a5285b61fbc3b5f4042287858e613f9a8bf98a70d39")
	if err != nil {
		t.Fatalf("decode seed: %v", err)
	}
	first, err := DeriveRootKey(seed)
	if err != nil {
		t.Fatalf("DeriveRootKey: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := DeriveRootKey(seed)
		if err != nil {
			t.Fatalf("DeriveRootKey: %v", err)
		}
		if !first.Equal(again) {
			t.Fatalf("root derivation is unstable: %s vs %s", first.ID, again.ID)
		}
	}
	if first.Format != models.FormatBendyButtV1 {
		t.Fatalf("root key format = %q, want %q", first.Format, models.FormatBendyButtV1)
	}
}

func TestDeriveRootKeyUsesRootLabel(t *testing.T) {
	seed, _ := GenerateSeed()
	root, err := DeriveRootKey(seed)
	if err != nil {
		t.Fatalf("DeriveRootKey: %v", err)
	}
	manual, err := DeriveKey(seed, RootLabel, models.FormatBendyButtV1)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !root.Equal(manual) {
		t.Fatalf("root key differs from derivation with label %q", RootLabel)
	}
}

func TestDeriveKeyEmptyLabel(t *testing.T) {
	seed, _ := GenerateSeed()
	if _, err := DeriveKey(seed, "", models.FormatClassic); err == nil {
		t.Fatal("expected error for empty label")
	}
}

func TestDeriveKeyBadSeedLength(t *testing.T) {
	if _, err := DeriveKey([]byte("short"), "chess", models.FormatClassic); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestGenerateFormats(t *testing.T) {
	kp, err := Generate(models.FormatBendyButtV1)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if models.DetectFormat(kp.ID) != models.FormatBendyButtV1 {
		t.Fatalf("generated id %q does not carry its format", kp.ID)
	}
	if _, err := Generate("not-a-format"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestLoadOrCreateIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	created, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if created.Format != models.FormatClassic {
		t.Fatalf("identity format = %q, want classic", created.Format)
	}
	loaded, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if !created.Equal(loaded) {
		t.Fatalf("reloaded identity differs: %s vs %s", created.ID, loaded.ID)
	}
}
