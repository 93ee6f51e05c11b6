// Package ingestion implements the client-facing gateway: authenticated,
// rate-limited, idempotent submission of observation bundles, vendor code
// normalization and forwarding to the clinical emitter.
package ingestion

import (
	"time"

	"github.com/yanniks/health-companion-prototype/internal/domain/transfer"
)

// ServerVersion is reported by the metadata endpoint.
const ServerVersion = "1.0.0"

// SubmissionResult is the canonical outcome of a bundle submission. Its
// serialized form is cached per idempotency key and replayed byte-equal.
type SubmissionResult struct {
	Status         string                 `json:"status"`
	TotalProcessed int                    `json:"totalProcessed"`
	Successful     int                    `json:"successful"`
	Failed         int                    `json:"failed"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Results        []transfer.EntryResult `json:"results"`
	ProcessedAt    time.Time              `json:"processedAt"`
}

// StatusDocument is the per-subject transfer status exposed to the mobile
// client. The durable part comes from the clinical emitter; attempt
// tracking is the gateway's own.
type StatusDocument struct {
	HasSuccessfulTransfer  bool       `json:"hasSuccessfulTransfer"`
	LastSuccessfulTransfer *time.Time `json:"lastSuccessfulTransfer,omitempty"`
	LastAttempt            *time.Time `json:"lastAttempt,omitempty"`
	LastError              string     `json:"lastError,omitempty"`
	PendingCount           int        `json:"pendingCount"`
}

// Metadata is the unauthenticated bootstrap document for the mobile client.
type Metadata struct {
	ServerVersion          string   `json:"serverVersion"`
	IAMDiscoveryURL        string   `json:"iamDiscoveryUrl"`
	SupportedResourceTypes []string `json:"supportedResourceTypes"`
}
