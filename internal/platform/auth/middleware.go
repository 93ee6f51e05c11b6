package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims is the access token claims envelope issued by the identity
// authority. Demographics are optional; the issuer omits them when the
// patient record is gone.
type Claims struct {
	jwt.RegisteredClaims
	Scope      string `json:"scope"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	BirthDate  string `json:"birthdate,omitempty"`
}

// JWTConfig configures bearer token verification for protected endpoints.
type JWTConfig struct {
	// Audience is the fixed audience literal this service accepts.
	Audience string
	// JWKSURL points at the identity authority's key set.
	JWKSURL string
	// OnReject, when set, is invoked with a categorical reason for every
	// rejected request.
	OnReject func(reason string)
}

const defaultJWKSCacheTTL = 5 * time.Minute

// JWTMiddleware verifies `Authorization: Bearer` ES256 tokens against the
// identity authority's JWKS and propagates the subject, scope and
// demographics into the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	cache := NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return cache.GetKey(kid)
	}

	reject := func(reason string) *echo.HTTPError {
		if cfg.OnReject != nil {
			cfg.OnReject(reason)
		}
		return echo.NewHTTPError(http.StatusUnauthorized, reason)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return reject("missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return reject("invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc,
				jwt.WithValidMethods([]string{"ES256"}),
				jwt.WithAudience(cfg.Audience),
				jwt.WithExpirationRequired(),
			)
			if err != nil || !token.Valid {
				return reject("invalid token")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, SubjectKey, claims.Subject)
			ctx = context.WithValue(ctx, ScopeKey, claims.Scope)
			ctx = context.WithValue(ctx, DemographicsKey, Demographics{
				GivenName:   claims.GivenName,
				FamilyName:  claims.FamilyName,
				DateOfBirth: claims.BirthDate,
			})
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}
