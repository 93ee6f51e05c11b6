package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/yanniks/health-companion-prototype/internal/domain/transfer"
)

// ClinicalCaller is the gateway's view of the clinical emitter. The HTTP
// client below is the production implementation; tests substitute their own.
type ClinicalCaller interface {
	// Process forwards the already-serialized payload. A non-nil error
	// means the emitter was not reached (transport fault or timeout); an
	// unparseable or non-2xx response returns a nil ProcessResponse with
	// the HTTP status.
	Process(ctx context.Context, payload []byte) (*transfer.ProcessResponse, int, error)
	Status(ctx context.Context, patientID string) (*transfer.TransferStatus, error)
}

// ClinicalClient talks to the clinical emitter over HTTP with a bounded
// per-request timeout.
type ClinicalClient struct {
	baseURL string
	client  *http.Client
}

func NewClinicalClient(baseURL string, timeout time.Duration) *ClinicalClient {
	return &ClinicalClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *ClinicalClient) Process(ctx context.Context, payload []byte) (*transfer.ProcessResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/process", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("calling clinical emitter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, nil
	}

	var out transfer.ProcessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resp.StatusCode, nil
	}
	return &out, resp.StatusCode, nil
}

func (c *ClinicalClient) Status(ctx context.Context, patientID string) (*transfer.TransferStatus, error) {
	target := c.baseURL + "/api/v1/status/" + url.PathEscape(patientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling clinical emitter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, transfer.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clinical emitter returned status %d", resp.StatusCode)
	}

	var out transfer.TransferStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &out, nil
}
