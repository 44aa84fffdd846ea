package validation_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"metafeed/pkg/keys"
	"metafeed/pkg/models"
	"metafeed/pkg/validation"
)

func sign(t *testing.T, content *models.Content, signer models.KeyPair, hmacKey []byte) string {
	t.Helper()
	payload, err := validation.SigningPayload(content, hmacKey)
	if err != nil {
		t.Fatalf("SigningPayload: %v", err)
	}
	return validation.EncodeSignature(ed25519.Sign(signer.Private, payload))
}

func addContent(t *testing.T, mf, sub models.KeyPair) *models.Content {
	t.Helper()
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	return &models.Content{
		Type:     models.TypeAddDerived,
		Purpose:  "main",
		Subfeed:  sub.ID,
		Metafeed: mf.ID,
		Nonce:    nonce,
		Tangles:  &models.Tangles{},
	}
}

func TestValidateContentSection(t *testing.T) {
	mf, _ := keys.Generate(models.FormatBendyButtV1)
	sub, _ := keys.Generate(models.FormatClassic)
	content := addContent(t, mf, sub)
	sig := sign(t, content, sub, nil)
	if err := validation.ValidateContentSection(content, sig, nil); err != nil {
		t.Fatalf("valid content rejected: %v", err)
	}
}

func TestValidateRejectsWrongSigner(t *testing.T) {
	mf, _ := keys.Generate(models.FormatBendyButtV1)
	sub, _ := keys.Generate(models.FormatClassic)
	other, _ := keys.Generate(models.FormatClassic)
	content := addContent(t, mf, sub)
	sig := sign(t, content, other, nil)
	if err := validation.ValidateContentSection(content, sig, nil); err == nil {
		t.Fatal("content signed by the wrong key was accepted")
	}
}

func TestValidateRejectsBadType(t *testing.T) {
	mf, _ := keys.Generate(models.FormatBendyButtV1)
	sub, _ := keys.Generate(models.FormatClassic)
	content := addContent(t, mf, sub)
	content.Type = "metafeed/announce"
	sig := sign(t, content, sub, nil)
	if err := validation.ValidateContentSection(content, sig, nil); err == nil {
		t.Fatal("announce type accepted as a link message")
	}
}

func TestValidateRejectsNonBendyButtMetafeed(t *testing.T) {
	mf, _ := keys.Generate(models.FormatClassic)
	sub, _ := keys.Generate(models.FormatClassic)
	content := addContent(t, mf, sub)
	sig := sign(t, content, sub, nil)
	if err := validation.ValidateContentSection(content, sig, nil); err == nil {
		t.Fatal("classic metafeed id accepted")
	}
}

func TestValidateRejectsShortNonce(t *testing.T) {
	mf, _ := keys.Generate(models.FormatBendyButtV1)
	sub, _ := keys.Generate(models.FormatClassic)
	content := addContent(t, mf, sub)
	content.Nonce = content.Nonce[:16]
	sig := sign(t, content, sub, nil)
	if err := validation.ValidateContentSection(content, sig, nil); err == nil {
		t.Fatal("16-byte nonce accepted on add/derived")
	}
}

func TestValidateRejectsMangledSignature(t *testing.T) {
	mf, _ := keys.Generate(models.FormatBendyButtV1)
	sub, _ := keys.Generate(models.FormatClassic)
	content := addContent(t, mf, sub)
	for _, sig := range []string{
		"",
		"not-a-signature",
		"AAAA.sig.ed25519x",
		sign(t, content, sub, nil) + "x",
	} {
		if err := validation.ValidateContentSection(content, sig, nil); err == nil {
			t.Fatalf("mangled signature %q accepted", sig)
		}
	}
}

func TestValidateHmacVariant(t *testing.T) {
	mf, _ := keys.Generate(models.FormatBendyButtV1)
	sub, _ := keys.Generate(models.FormatClassic)
	hmacKey := make([]byte, 32)
	if _, err := rand.Read(hmacKey); err != nil {
		t.Fatalf("hmac key: %v", err)
	}

	content := addContent(t, mf, sub)
	sig := sign(t, content, sub, hmacKey)
	if err := validation.ValidateContentSection(content, sig, hmacKey); err != nil {
		t.Fatalf("keyed signature rejected with the right key: %v", err)
	}
	if err := validation.ValidateContentSection(content, sig, nil); err == nil {
		t.Fatal("keyed signature accepted without the key")
	}
	if err := validation.ValidateContentSection(content, sig, make([]byte, 16)); err == nil {
		t.Fatal("16-byte hmac key accepted")
	}
}

func TestValidateMessage(t *testing.T) {
	mf, _ := keys.Generate(models.FormatBendyButtV1)
	sub, _ := keys.Generate(models.FormatClassic)
	content := addContent(t, mf, sub)
	msg := &models.Message{
		Author:           mf.ID,
		Sequence:         1,
		Content:          content,
		ContentSignature: sign(t, content, sub, nil),
	}
	if err := validation.ValidateMessage(msg, nil); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	if !validation.IsValid(msg) {
		t.Fatal("IsValid disagrees with ValidateMessage")
	}

	if err := validation.ValidateMessage(&models.Message{Author: mf.ID, Encrypted: []byte("x")}, nil); err == nil {
		t.Fatal("encrypted message validated")
	}
	if err := validation.ValidateMessage(&models.Message{Author: mf.ID, Content: content}, nil); err == nil {
		t.Fatal("message without content signature validated")
	}
}

func TestValidateAnnounce(t *testing.T) {
	mf, _ := keys.Generate(models.FormatBendyButtV1)
	primary, _ := keys.Generate(models.FormatClassic)
	content := &models.Content{
		Type:     models.TypeAnnounce,
		Subfeed:  primary.ID,
		Metafeed: mf.ID,
		Tangles:  &models.Tangles{},
	}
	content.Signature = sign(t, content, mf, nil)

	msg := &models.Message{Author: primary.ID, Content: content}
	if err := validation.ValidateAnnounce(msg); err != nil {
		t.Fatalf("valid announce rejected: %v", err)
	}

	other, _ := keys.Generate(models.FormatClassic)
	if err := validation.ValidateAnnounce(&models.Message{Author: other.ID, Content: content}); err == nil {
		t.Fatal("announce accepted although subfeed is not the author")
	}

	bad := *content
	bad.Signature = sign(t, &bad, primary, nil)
	if err := validation.ValidateAnnounce(&models.Message{Author: primary.ID, Content: &bad}); err == nil {
		t.Fatal("announce accepted although signed by the primary, not the meta feed")
	}
}
