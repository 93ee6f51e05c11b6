package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/yanniks/health-companion-prototype/internal/platform/auth"
	"github.com/yanniks/health-companion-prototype/internal/platform/storage"
)

const privateKeyFile = "ec_private_key.pem"

// SigningKey is the identity authority's ECDSA P-256 signing key pair.
// It is generated once on first start and reused on every restart.
type SigningKey struct {
	Private *ecdsa.PrivateKey
	KID     string
}

// LoadOrGenerateKey loads the persisted signing key from dir, generating and
// persisting a fresh P-256 key if none exists. A present but unreadable key
// is an error; callers treat it as fatal.
func LoadOrGenerateKey(dir string) (*SigningKey, error) {
	path := filepath.Join(dir, privateKeyFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "EC PRIVATE KEY" {
			return nil, fmt.Errorf("no EC private key PEM block in %s", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing signing key: %w", err)
		}
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("signing key in %s is not P-256", path)
		}
		return &SigningKey{Private: key, KID: KeyID(&key.PublicKey)}, nil

	case errors.Is(err, fs.ErrNotExist):
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("marshaling signing key: %w", err)
		}
		pemData := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		if err := storage.WriteFileAtomic(path, pemData, 0o600); err != nil {
			return nil, fmt.Errorf("persisting signing key: %w", err)
		}
		return &SigningKey{Private: key, KID: KeyID(&key.PublicKey)}, nil

	default:
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
}

// KeyID derives the key identifier: hex of the first 8 bytes of SHA-256 over
// the public key's uncompressed coordinate representation.
func KeyID(pub *ecdsa.PublicKey) string {
	point := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	sum := sha256.Sum256(point)
	return hex.EncodeToString(sum[:8])
}

// JWK returns the public half as a JSON Web Key for JWKS publication.
func (k *SigningKey) JWK() auth.JWKSKey {
	x := k.Private.PublicKey.X.FillBytes(make([]byte, 32))
	y := k.Private.PublicKey.Y.FillBytes(make([]byte, 32))
	return auth.JWKSKey{
		Kty: "EC",
		Crv: "P-256",
		Kid: k.KID,
		Use: "sig",
		Alg: "ES256",
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}
