package ingestion

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Error categories of the gateway's error contract.
const (
	CategoryAuthentication = "authentication_error"
	CategoryRateLimit      = "rate_limit_exceeded"
	CategoryValidation     = "validation_error"
	CategoryForbidden      = "forbidden"
	CategoryNotFound       = "not_found"
	CategoryInternal       = "internal_error"
)

type Handler struct {
	svc      *Service
	metadata Metadata
}

func NewHandler(svc *Service, iamDiscoveryURL string) *Handler {
	return &Handler{
		svc: svc,
		metadata: Metadata{
			ServerVersion:          ServerVersion,
			IAMDiscoveryURL:        iamDiscoveryURL,
			SupportedResourceTypes: []string{"Observation"},
		},
	}
}

// RegisterRoutes wires the gateway surface: the metadata endpoint stays
// unauthenticated, everything else sits behind the token and rate limit
// middleware.
func (h *Handler) RegisterRoutes(api *echo.Group, protect ...echo.MiddlewareFunc) {
	api.GET("/metadata", h.Metadata)

	protected := api.Group("", protect...)
	protected.POST("/observations", h.SubmitObservations)
	protected.GET("/status", h.GetStatus)
}

func (h *Handler) Metadata(c echo.Context) error {
	return c.JSON(http.StatusOK, h.metadata)
}

func (h *Handler) SubmitObservations(c echo.Context) error {
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" {
		return errorJSON(c, http.StatusBadRequest, CategoryValidation, "Idempotency-Key header is required")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, CategoryValidation, "could not read request body")
	}

	submission, err := h.svc.Submit(c.Request().Context(), key, body)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return errorJSON(c, http.StatusBadRequest, CategoryValidation, err.Error())
		}
		return errorJSON(c, http.StatusInternalServerError, CategoryInternal, "submission failed")
	}

	return c.JSONBlob(submission.StatusCode, submission.Body)
}

func (h *Handler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Status(c.Request().Context()))
}

func errorJSON(c echo.Context, status int, category, message string) error {
	return c.JSON(status, map[string]string{
		"error":   category,
		"message": message,
	})
}

// HTTPErrorHandler renders middleware and framework errors in the gateway's
// {error, message} contract.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := "internal error"
		if httpErr, ok := err.(*echo.HTTPError); ok {
			status = httpErr.Code
			if m, ok := httpErr.Message.(string); ok {
				message = m
			}
		}

		category := CategoryInternal
		switch status {
		case http.StatusUnauthorized:
			category = CategoryAuthentication
		case http.StatusBadRequest:
			category = CategoryValidation
		case http.StatusForbidden:
			category = CategoryForbidden
		case http.StatusNotFound:
			category = CategoryNotFound
		case http.StatusTooManyRequests:
			category = CategoryRateLimit
		}

		if status >= 500 {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		}
		if err := errorJSON(c, status, category, message); err != nil {
			logger.Error().Err(err).Msg("writing error response")
		}
	}
}
