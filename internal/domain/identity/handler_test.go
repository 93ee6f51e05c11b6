package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/yanniks/health-companion-prototype/internal/platform/auth"
)

func newTestServer(t *testing.T) (*echo.Echo, *Service) {
	t.Helper()
	dir := t.TempDir()

	patients, err := NewPatientRepoFile(dir)
	if err != nil {
		t.Fatalf("patients repo: %v", err)
	}
	codes, err := NewCodeRepoFile(dir)
	if err != nil {
		t.Fatalf("codes repo: %v", err)
	}
	refresh, err := NewRefreshTokenRepoFile(dir)
	if err != nil {
		t.Fatalf("refresh repo: %v", err)
	}
	key, err := LoadOrGenerateKey(dir)
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	svc := NewService(patients, codes, refresh, NewTokenIssuer(key),
		testClientID, []string{testRedirectURI}, zerolog.Nop())

	e := echo.New()
	NewHandler(svc, "http://localhost:8081", key.JWK()).RegisterRoutes(e)
	return e, svc
}

func doRequest(e *echo.Echo, method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func registerTestPatient(t *testing.T, e *echo.Echo) string {
	t.Helper()
	body := `{"givenName":"Max","familyName":"Mustermann","dateOfBirth":"1990-01-15"}`
	req := httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register patient: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var p Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode patient: %v", err)
	}
	return p.ID
}

func authorizeViaHTTP(t *testing.T, e *echo.Echo, patientID, dob string) string {
	t.Helper()
	form := url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid observation.write"},
		"state":                 {"xyz"},
		"code_challenge":        {challengeFor(testVerifier)},
		"code_challenge_method": {"S256"},
		"patient_id":            {patientID},
		"date_of_birth":         {dob},
	}
	rec := doRequest(e, http.MethodPost, "/authorize", form)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("authorize: expected 303, got %d: %s", rec.Code, rec.Body)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Query().Get("state") != "xyz" {
		t.Errorf("state not echoed in redirect: %s", loc)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}
	return code
}

func exchangeCode(t *testing.T, e *echo.Echo, code string) TokenResponse {
	t.Helper()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
		"client_id":     {testClientID},
	}
	rec := doRequest(e, http.MethodPost, "/token", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp
}

func TestDiscoveryDocument(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/.well-known/openid-configuration", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var doc discoveryDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Issuer != "iam-server" {
		t.Errorf("unexpected issuer: %s", doc.Issuer)
	}
	if len(doc.ResponseTypesSupported) != 1 || doc.ResponseTypesSupported[0] != "code" {
		t.Errorf("unexpected response types: %v", doc.ResponseTypesSupported)
	}
	if len(doc.CodeChallengeMethodsSupported) != 1 || doc.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("unexpected challenge methods: %v", doc.CodeChallengeMethodsSupported)
	}
	wantGrants := []string{"authorization_code", "refresh_token"}
	if len(doc.GrantTypesSupported) != 2 || doc.GrantTypesSupported[0] != wantGrants[0] || doc.GrantTypesSupported[1] != wantGrants[1] {
		t.Errorf("unexpected grants: %v", doc.GrantTypesSupported)
	}
	if !strings.HasSuffix(doc.JWKSURI, "/jwks") {
		t.Errorf("unexpected jwks_uri: %s", doc.JWKSURI)
	}
}

func TestJWKSEndpoint(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/jwks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var jwks auth.JWKSResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &jwks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("expected exactly one key, got %d", len(jwks.Keys))
	}
	k := jwks.Keys[0]
	if k.Kty != "EC" || k.Crv != "P-256" || k.Use != "sig" || k.Alg != "ES256" {
		t.Errorf("unexpected key attributes: %+v", k)
	}
	if _, err := auth.ParseECPublicKey(k); err != nil {
		t.Errorf("published key does not parse: %v", err)
	}
}

func TestAuthorizeForm_RendersHiddenFields(t *testing.T) {
	e, _ := newTestServer(t)

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid"},
		"state":                 {"state-123"},
		"code_challenge":        {challengeFor(testVerifier)},
		"code_challenge_method": {"S256"},
	}
	rec := doRequest(e, http.MethodGet, "/authorize?"+query.Encode(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	html := rec.Body.String()
	for _, want := range []string{
		`name="state" value="state-123"`,
		`name="code_challenge_method" value="S256"`,
		`name="client_id" value="` + testClientID + `"`,
		`name="patient_id"`,
		`name="date_of_birth"`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("form is missing %s", want)
		}
	}
}

func TestAuthorizeForm_RejectsBadParameters(t *testing.T) {
	e, _ := newTestServer(t)

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"wrong response type", "response_type", "token"},
		{"plain method", "code_challenge_method", "plain"},
		{"empty state", "state", ""},
		{"unknown client", "client_id", "intruder"},
		{"unregistered redirect", "redirect_uri", "https://evil.example/cb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := url.Values{
				"response_type":         {"code"},
				"client_id":             {testClientID},
				"redirect_uri":          {testRedirectURI},
				"scope":                 {"openid"},
				"state":                 {"xyz"},
				"code_challenge":        {challengeFor(testVerifier)},
				"code_challenge_method": {"S256"},
			}
			query.Set(tt.key, tt.value)
			rec := doRequest(e, http.MethodGet, "/authorize?"+query.Encode(), nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestAuthorizeSubmit_WrongDOBRerendersForm(t *testing.T) {
	e, _ := newTestServer(t)
	id := registerTestPatient(t, e)

	form := url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid"},
		"state":                 {"xyz"},
		"code_challenge":        {challengeFor(testVerifier)},
		"code_challenge_method": {"S256"},
		"patient_id":            {id},
		"date_of_birth":         {"2000-12-31"},
	}
	rec := doRequest(e, http.MethodPost, "/authorize", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected rerendered form with 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nicht korrekt") {
		t.Error("expected an error message in the rerendered form")
	}
	if !strings.Contains(rec.Body.String(), `name="state" value="xyz"`) {
		t.Error("OAuth parameters must survive the rerender")
	}
}

func TestTokenEndpoint_FullCodeFlow(t *testing.T) {
	e, _ := newTestServer(t)
	id := registerTestPatient(t, e)
	if id != "1" {
		t.Fatalf("expected first patient id 1, got %s", id)
	}

	code := authorizeViaHTTP(t, e, id, "1990-01-15")
	resp := exchangeCode(t, e, code)

	if resp.TokenType != "Bearer" || resp.ExpiresIn != 900 {
		t.Errorf("unexpected token envelope: %+v", resp)
	}

	_, payload := decodeToken(t, resp.AccessToken)
	if payload.Sub != "1" {
		t.Errorf("expected sub 1, got %s", payload.Sub)
	}
	if payload.Aud != "client-facing-server" {
		t.Errorf("expected aud client-facing-server, got %s", payload.Aud)
	}
	if payload.Iss != "iam-server" {
		t.Errorf("expected iss iam-server, got %s", payload.Iss)
	}
	if payload.Scope != "openid observation.write" {
		t.Errorf("unexpected scope: %s", payload.Scope)
	}
}

func TestTokenEndpoint_RefreshRotationAndReuse(t *testing.T) {
	e, _ := newTestServer(t)
	id := registerTestPatient(t, e)
	code := authorizeViaHTTP(t, e, id, "1990-01-15")
	first := exchangeCode(t, e, code)

	refreshForm := func(token string) url.Values {
		return url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {token},
		}
	}

	rec := doRequest(e, http.MethodPost, "/token", refreshForm(first.RefreshToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var second TokenResponse
	json.Unmarshal(rec.Body.Bytes(), &second)
	if second.RefreshToken == first.RefreshToken {
		t.Error("rotation must change the refresh token")
	}

	// Reusing the consumed token fails.
	rec = doRequest(e, http.MethodPost, "/token", refreshForm(first.RefreshToken))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reuse: expected 400, got %d", rec.Code)
	}
}

func TestTokenEndpoint_PKCEMismatch(t *testing.T) {
	e, _ := newTestServer(t)
	id := registerTestPatient(t, e)
	code := authorizeViaHTTP(t, e, id, "1990-01-15")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {"completely-different-verifier-string-here"},
		"client_id":     {testClientID},
	}
	rec := doRequest(e, http.MethodPost, "/token", form)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for PKCE mismatch, got %d", rec.Code)
	}
}

func TestTokenEndpoint_UnsupportedGrant(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodPost, "/token", url.Values{"grant_type": {"client_credentials"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "unsupported_grant_type" {
		t.Errorf("unexpected error code: %s", body["error"])
	}
}

func TestRevokeEndpoint(t *testing.T) {
	e, _ := newTestServer(t)
	id := registerTestPatient(t, e)
	code := authorizeViaHTTP(t, e, id, "1990-01-15")
	resp := exchangeCode(t, e, code)

	rec := doRequest(e, http.MethodPost, "/revoke", url.Values{
		"token":           {resp.RefreshToken},
		"token_type_hint": {"refresh_token"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", rec.Code)
	}

	// Refresh with the revoked token fails.
	rec = doRequest(e, http.MethodPost, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 after revocation, got %d", rec.Code)
	}

	// Revoking an unknown token still returns 200.
	rec = doRequest(e, http.MethodPost, "/revoke", url.Values{"token": {"unknown"}})
	if rec.Code != http.StatusOK {
		t.Errorf("revoke of unknown token: expected 200, got %d", rec.Code)
	}
}

func TestPatientEndpoints_CRUD(t *testing.T) {
	e, _ := newTestServer(t)
	id := registerTestPatient(t, e)

	rec := doRequest(e, http.MethodGet, "/patients", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var patients []Patient
	json.Unmarshal(rec.Body.Bytes(), &patients)
	if len(patients) != 1 {
		t.Fatalf("expected 1 patient, got %d", len(patients))
	}

	rec = doRequest(e, http.MethodGet, "/patients/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodDelete, "/patients/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodGet, "/patients/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodDelete, "/patients/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double delete: expected 404, got %d", rec.Code)
	}
}
