package identity

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/yanniks/health-companion-prototype/internal/platform/auth"
)

// Handler exposes the identity authority's HTTP surface: OIDC discovery,
// JWKS, the authorization and token endpoints, revocation and patient
// management.
type Handler struct {
	svc     *Service
	baseURL string
	jwk     auth.JWKSKey
}

func NewHandler(svc *Service, baseURL string, jwk auth.JWKSKey) *Handler {
	return &Handler{svc: svc, baseURL: baseURL, jwk: jwk}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/.well-known/openid-configuration", h.Discovery)
	e.GET("/jwks", h.JWKS)
	e.GET("/authorize", h.AuthorizeForm)
	e.POST("/authorize", h.AuthorizeSubmit)
	e.POST("/token", h.Token)
	e.POST("/revoke", h.Revoke)

	e.POST("/patients", h.RegisterPatient)
	e.GET("/patients", h.ListPatients)
	e.GET("/patients/:id", h.GetPatient)
	e.DELETE("/patients/:id", h.DeletePatient)
}

// discoveryDocument is the OIDC discovery metadata.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func (h *Handler) Discovery(c echo.Context) error {
	return c.JSON(http.StatusOK, discoveryDocument{
		Issuer:                            IssuerName,
		AuthorizationEndpoint:             h.baseURL + "/authorize",
		TokenEndpoint:                     h.baseURL + "/token",
		RevocationEndpoint:                h.baseURL + "/revoke",
		JWKSURI:                           h.baseURL + "/jwks",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"ES256"},
		ScopesSupported:                   SupportedScopes,
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

func (h *Handler) JWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, auth.JWKSResponse{Keys: []auth.JWKSKey{h.jwk}})
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="de">
<head>
	<meta charset="utf-8">
	<title>Health Companion Anmeldung</title>
</head>
<body>
	<h1>Anmeldung</h1>
	{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
	<form method="post" action="/authorize">
		<input type="hidden" name="response_type" value="{{.Request.ResponseType}}">
		<input type="hidden" name="client_id" value="{{.Request.ClientID}}">
		<input type="hidden" name="redirect_uri" value="{{.Request.RedirectURI}}">
		<input type="hidden" name="scope" value="{{.Request.Scope}}">
		<input type="hidden" name="state" value="{{.Request.State}}">
		<input type="hidden" name="code_challenge" value="{{.Request.CodeChallenge}}">
		<input type="hidden" name="code_challenge_method" value="{{.Request.CodeChallengeMethod}}">
		<label>Patientennummer <input type="text" name="patient_id"></label>
		<label>Geburtsdatum <input type="date" name="date_of_birth"></label>
		<button type="submit">Anmelden</button>
	</form>
</body>
</html>
`))

type loginPage struct {
	Request AuthorizeRequest
	Error   string
}

func authorizeRequestFrom(get func(string) string) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        get("response_type"),
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		Scope:               get("scope"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
	}
}

func (h *Handler) AuthorizeForm(c echo.Context) error {
	req := authorizeRequestFrom(c.QueryParam)
	if err := h.svc.ValidateAuthorizeRequest(req); err != nil {
		return oauthError(c, err)
	}
	return h.renderLogin(c, loginPage{Request: req})
}

func (h *Handler) AuthorizeSubmit(c echo.Context) error {
	req := authorizeRequestFrom(c.FormValue)
	patientID := c.FormValue("patient_id")
	dateOfBirth := c.FormValue("date_of_birth")

	redirect, err := h.svc.CompleteAuthorization(c.Request().Context(), req, patientID, dateOfBirth)
	if err != nil {
		if errors.Is(err, ErrCredentialMismatch) {
			// Wrong credentials re-render the form; OAuth parameters
			// survive as hidden fields.
			return h.renderLogin(c, loginPage{
				Request: req,
				Error:   "Patientennummer oder Geburtsdatum sind nicht korrekt.",
			})
		}
		return oauthError(c, err)
	}
	return c.Redirect(http.StatusSeeOther, redirect)
}

func (h *Handler) renderLogin(c echo.Context, page loginPage) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return loginTemplate.Execute(c.Response(), page)
}

func (h *Handler) Token(c echo.Context) error {
	grantType := c.FormValue("grant_type")

	var resp *TokenResponse
	var err error
	switch grantType {
	case "authorization_code":
		resp, err = h.svc.ExchangeAuthorizationCode(
			c.Request().Context(),
			c.FormValue("code"),
			c.FormValue("redirect_uri"),
			c.FormValue("code_verifier"),
			c.FormValue("client_id"),
		)
	case "refresh_token":
		resp, err = h.svc.ExchangeRefreshToken(c.Request().Context(), c.FormValue("refresh_token"))
	default:
		return writeOAuthError(c, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
	if err != nil {
		return oauthError(c, err)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, resp)
}

// Revoke drops the presented refresh token. Per RFC 7009 the response is
// 200 whether or not the token existed.
func (h *Handler) Revoke(c echo.Context) error {
	token := c.FormValue("token")
	if token != "" {
		if err := h.svc.Revoke(c.Request().Context(), token); err != nil {
			return writeOAuthError(c, http.StatusInternalServerError, "server_error", "revocation failed")
		}
	}
	return c.NoContent(http.StatusOK)
}

// --- patient management ---

type registerPatientRequest struct {
	GivenName   string `json:"givenName"`
	FamilyName  string `json:"familyName"`
	DateOfBirth string `json:"dateOfBirth"`
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req registerPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	patient, err := h.svc.RegisterPatient(c.Request().Context(), req.GivenName, req.FamilyName, req.DateOfBirth)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not register patient")
	}
	return c.JSON(http.StatusCreated, patient)
}

func (h *Handler) ListPatients(c echo.Context) error {
	patients, err := h.svc.ListPatients(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list patients")
	}
	return c.JSON(http.StatusOK, patients)
}

func (h *Handler) GetPatient(c echo.Context) error {
	patient, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load patient")
	}
	return c.JSON(http.StatusOK, patient)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	err := h.svc.DeletePatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not delete patient")
	}
	return c.NoContent(http.StatusNoContent)
}

// --- error rendering ---

// oauthError translates service errors into OAuth error responses.
func oauthError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeOAuthError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrInvalidClient):
		return writeOAuthError(c, http.StatusBadRequest, "invalid_client", err.Error())
	case errors.Is(err, ErrInvalidRedirectURI):
		return writeOAuthError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrInvalidGrant), errors.Is(err, ErrCredentialMismatch):
		return writeOAuthError(c, http.StatusBadRequest, "invalid_grant", "the provided grant is invalid")
	default:
		return writeOAuthError(c, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeOAuthError(c echo.Context, status int, code, description string) error {
	return c.JSON(status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
