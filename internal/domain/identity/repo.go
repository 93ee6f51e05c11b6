package identity

import (
	"context"
	"errors"
)

// ErrNotFound is returned for unknown identifiers and for consumed or
// expired codes and tokens; callers cannot distinguish those cases.
var ErrNotFound = errors.New("not found")

type PatientRepository interface {
	Create(ctx context.Context, givenName, familyName, dateOfBirth string) (*Patient, error)
	GetByID(ctx context.Context, id string) (*Patient, error)
	List(ctx context.Context) ([]*Patient, error)
	Delete(ctx context.Context, id string) error
}

type CodeRepository interface {
	Put(ctx context.Context, code *AuthorizationCode) error
	// Consume returns the code's binding and removes it in the same
	// operation; at most one caller succeeds for a given value.
	Consume(ctx context.Context, code string) (*AuthorizationCode, error)
}

type RefreshTokenRepository interface {
	Put(ctx context.Context, token *RefreshToken) error
	// Consume returns the token's binding and removes it in the same
	// operation; at most one caller succeeds for a given value.
	Consume(ctx context.Context, token string) (*RefreshToken, error)
	// Revoke removes the token if present. Revoking an unknown token is
	// not an error (RFC 7009).
	Revoke(ctx context.Context, token string) error
	// RevokeAllForSubject removes every token bound to the subject and
	// returns how many were dropped.
	RevokeAllForSubject(ctx context.Context, subject string) (int, error)
}
