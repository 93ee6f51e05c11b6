package auth

import "context"

type contextKey string

const (
	SubjectKey      contextKey = "subject"
	ScopeKey        contextKey = "scope"
	DemographicsKey contextKey = "demographics"
)

// Demographics carries the optional patient demographics embedded in the
// access token claims.
type Demographics struct {
	GivenName   string
	FamilyName  string
	DateOfBirth string
}

// SubjectFromContext returns the authenticated subject identifier, or an
// empty string for unauthenticated requests.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(SubjectKey).(string)
	return sub
}

// ScopeFromContext returns the granted scope string of the access token.
func ScopeFromContext(ctx context.Context) string {
	scope, _ := ctx.Value(ScopeKey).(string)
	return scope
}

// DemographicsFromContext returns the token's demographics, which may be the
// zero value when the issuer had no patient record at issuance time.
func DemographicsFromContext(ctx context.Context) Demographics {
	d, _ := ctx.Value(DemographicsKey).(Demographics)
	return d
}
