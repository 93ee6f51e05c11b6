package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Supported scopes, advertised in the discovery document.
var SupportedScopes = []string{"openid", "observation.write", "status.read"}

// Service errors; the handler maps them to OAuth error responses.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidClient      = errors.New("unknown client")
	ErrInvalidRedirectURI = errors.New("redirect uri not registered")
	ErrInvalidGrant       = errors.New("invalid grant")
	ErrCredentialMismatch = errors.New("credential mismatch")
)

// Service implements the authorization code + PKCE flow, refresh token
// rotation, revocation and patient management.
type Service struct {
	patients PatientRepository
	codes    CodeRepository
	refresh  RefreshTokenRepository
	issuer   *TokenIssuer

	clientID     string
	redirectURIs []string

	logger zerolog.Logger
}

func NewService(patients PatientRepository, codes CodeRepository, refresh RefreshTokenRepository, issuer *TokenIssuer, clientID string, redirectURIs []string, logger zerolog.Logger) *Service {
	return &Service{
		patients:     patients,
		codes:        codes,
		refresh:      refresh,
		issuer:       issuer,
		clientID:     clientID,
		redirectURIs: redirectURIs,
		logger:       logger,
	}
}

// ValidateAuthorizeRequest checks the authorization request parameters.
// Only response_type=code with S256 challenges from the registered client
// and a registered redirect URI pass.
func (s *Service) ValidateAuthorizeRequest(req AuthorizeRequest) error {
	if req.ResponseType != "code" {
		return fmt.Errorf("%w: unsupported response_type %q", ErrInvalidRequest, req.ResponseType)
	}
	if req.CodeChallengeMethod != "S256" {
		return fmt.Errorf("%w: unsupported code_challenge_method %q", ErrInvalidRequest, req.CodeChallengeMethod)
	}
	if req.State == "" {
		return fmt.Errorf("%w: state is required", ErrInvalidRequest)
	}
	if req.CodeChallenge == "" {
		return fmt.Errorf("%w: code_challenge is required", ErrInvalidRequest)
	}
	if req.ClientID != s.clientID {
		return fmt.Errorf("%w: %q", ErrInvalidClient, req.ClientID)
	}
	if !s.redirectURIRegistered(req.RedirectURI) {
		return fmt.Errorf("%w: %q", ErrInvalidRedirectURI, req.RedirectURI)
	}
	return nil
}

// redirectURIRegistered requires exact membership in the registered set.
func (s *Service) redirectURIRegistered(uri string) bool {
	for _, registered := range s.redirectURIs {
		if uri == registered {
			return true
		}
	}
	return false
}

// CompleteAuthorization verifies the submitted credentials and issues an
// authorization code bound to the request. It returns the redirect URL
// carrying the code and the echoed state.
func (s *Service) CompleteAuthorization(ctx context.Context, req AuthorizeRequest, patientID, dateOfBirth string) (string, error) {
	if err := s.ValidateAuthorizeRequest(req); err != nil {
		return "", err
	}

	patient, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return "", ErrCredentialMismatch
	}
	if patient.DateOfBirth != dateOfBirth {
		return "", ErrCredentialMismatch
	}

	code, err := newOpaqueToken(32)
	if err != nil {
		return "", err
	}
	err = s.codes.Put(ctx, &AuthorizationCode{
		Code:            code,
		ClientID:        req.ClientID,
		Subject:         patient.ID,
		RedirectURI:     req.RedirectURI,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.CodeChallengeMethod,
		Scope:           req.Scope,
		State:           req.State,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", req.State)
	redirect.RawQuery = q.Encode()

	s.logger.Info().Str("subject", patient.ID).Msg("authorization code issued")
	return redirect.String(), nil
}

// ExchangeAuthorizationCode consumes the code, verifies its binding and the
// PKCE proof, and issues a fresh access and refresh token pair.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier, clientID string) (*TokenResponse, error) {
	if code == "" || redirectURI == "" || codeVerifier == "" || clientID == "" {
		return nil, fmt.Errorf("%w: missing token request parameters", ErrInvalidRequest)
	}
	if !s.redirectURIRegistered(redirectURI) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRedirectURI, redirectURI)
	}

	ac, err := s.codes.Consume(ctx, code)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	if ac.ClientID != clientID || ac.RedirectURI != redirectURI {
		return nil, ErrInvalidGrant
	}
	if !verifyPKCE(codeVerifier, ac.CodeChallenge) {
		return nil, ErrInvalidGrant
	}

	return s.issueTokens(ctx, ac.Subject, ac.Scope)
}

// ExchangeRefreshToken consumes the token and issues a rotated pair.
func (s *Service) ExchangeRefreshToken(ctx context.Context, token string) (*TokenResponse, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}
	rt, err := s.refresh.Consume(ctx, token)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	return s.issueTokens(ctx, rt.Subject, rt.Scope)
}

// Revoke drops the refresh token. Unknown tokens succeed silently per
// RFC 7009.
func (s *Service) Revoke(ctx context.Context, token string) error {
	return s.refresh.Revoke(ctx, token)
}

func (s *Service) issueTokens(ctx context.Context, subject, scope string) (*TokenResponse, error) {
	// Demographics are best-effort: a deleted patient record never fails
	// the exchange.
	patient, err := s.patients.GetByID(ctx, subject)
	if err != nil {
		patient = nil
	}

	access, expiresIn, err := s.issuer.IssueAccessToken(subject, scope, patient)
	if err != nil {
		return nil, err
	}

	refreshToken, err := newOpaqueToken(32)
	if err != nil {
		return nil, err
	}
	err = s.refresh.Put(ctx, &RefreshToken{
		Token:     refreshToken,
		Subject:   subject,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// verifyPKCE checks base64url(SHA-256(ascii verifier)) against the bound
// challenge, byte for byte.
func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// --- patient management ---

func (s *Service) RegisterPatient(ctx context.Context, givenName, familyName, dateOfBirth string) (*Patient, error) {
	if givenName == "" || familyName == "" {
		return nil, fmt.Errorf("%w: given and family name are required", ErrInvalidRequest)
	}
	if _, err := time.Parse("2006-01-02", dateOfBirth); err != nil {
		return nil, fmt.Errorf("%w: dateOfBirth must be an ISO calendar date", ErrInvalidRequest)
	}
	return s.patients.Create(ctx, givenName, familyName, dateOfBirth)
}

func (s *Service) ListPatients(ctx context.Context) ([]*Patient, error) {
	return s.patients.List(ctx)
}

func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// DeletePatient removes the record and revokes every outstanding refresh
// token for the subject.
func (s *Service) DeletePatient(ctx context.Context, id string) error {
	if err := s.patients.Delete(ctx, id); err != nil {
		return err
	}
	revoked, err := s.refresh.RevokeAllForSubject(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info().Str("subject", id).Int("revoked_tokens", revoked).Msg("patient deleted")
	return nil
}
