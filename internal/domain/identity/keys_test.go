package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yanniks/health-companion-prototype/internal/platform/auth"
)

func TestLoadOrGenerateKey_PersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerateKey(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first.KID == "" {
		t.Fatal("expected a key identifier")
	}

	second, err := LoadOrGenerateKey(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.KID != first.KID {
		t.Errorf("key changed across restart: %s vs %s", first.KID, second.KID)
	}
	if second.Private.D.Cmp(first.Private.D) != 0 {
		t.Error("private scalar changed across restart")
	}
}

func TestLoadOrGenerateKey_RejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ec_private_key.pem"), []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrGenerateKey(dir); err == nil {
		t.Fatal("expected error for corrupt key file")
	}
}

func TestSigningKey_JWKRoundTrip(t *testing.T) {
	key, err := LoadOrGenerateKey(t.TempDir())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	jwk := key.JWK()
	if jwk.Kty != "EC" || jwk.Crv != "P-256" || jwk.Use != "sig" || jwk.Alg != "ES256" {
		t.Errorf("unexpected JWK attributes: %+v", jwk)
	}
	if jwk.Kid != key.KID {
		t.Errorf("published kid %s does not match signing kid %s", jwk.Kid, key.KID)
	}

	pub, err := auth.ParseECPublicKey(jwk)
	if err != nil {
		t.Fatalf("parse published key: %v", err)
	}
	if pub.X.Cmp(key.Private.PublicKey.X) != 0 || pub.Y.Cmp(key.Private.PublicKey.Y) != 0 {
		t.Error("published coordinates do not match the signing key")
	}
}

func TestKeyID_StableAndShort(t *testing.T) {
	key, err := LoadOrGenerateKey(t.TempDir())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	kid := KeyID(&key.Private.PublicKey)
	if len(kid) != 16 {
		t.Errorf("expected 16 hex chars (8 bytes), got %d: %s", len(kid), kid)
	}
	if kid != KeyID(&key.Private.PublicKey) {
		t.Error("kid derivation is not deterministic")
	}
}
