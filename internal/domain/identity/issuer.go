package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Fixed trust literals shared between the services.
const (
	IssuerName = "iam-server"
	Audience   = "client-facing-server"
)

// TokenIssuer signs ES256 access tokens with the persisted key pair.
type TokenIssuer struct {
	key *SigningKey
}

func NewTokenIssuer(key *SigningKey) *TokenIssuer {
	return &TokenIssuer{key: key}
}

// KID returns the identifier of the current signing key; it matches the kid
// published in the JWKS.
func (i *TokenIssuer) KID() string {
	return i.key.KID
}

// IssueAccessToken signs an access token for the subject. Demographics are
// included when a patient record is available and omitted otherwise; the
// exchange never fails on a missing record.
func (i *TokenIssuer) IssueAccessToken(subject, scope string, patient *Patient) (string, int, error) {
	now := time.Now()
	exp := now.Add(AccessTokenTTL)

	claims := jwt.MapClaims{
		"iss":   IssuerName,
		"sub":   subject,
		"aud":   Audience,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(exp),
		"scope": scope,
	}
	if patient != nil {
		claims["given_name"] = patient.GivenName
		claims["family_name"] = patient.FamilyName
		claims["birthdate"] = patient.DateOfBirth
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = i.key.KID

	signed, err := token.SignedString(i.key.Private)
	if err != nil {
		return "", 0, fmt.Errorf("signing access token: %w", err)
	}
	return signed, int(AccessTokenTTL.Seconds()), nil
}

// newOpaqueToken returns n random bytes base64url-encoded without padding,
// used for authorization codes and refresh tokens.
func newOpaqueToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
