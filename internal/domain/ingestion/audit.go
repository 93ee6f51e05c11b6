package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yanniks/health-companion-prototype/internal/platform/storage"
)

const auditFile = "audit.log"

// Audit event kinds.
const (
	AuditSubmission        = "submission"
	AuditStatusQuery       = "status_query"
	AuditAuthRejected      = "auth_rejected"
	AuditRateLimitRejected = "rate_limit_rejected"
)

// AuditEvent is one append-only audit record. It never carries PHI: subjects
// appear as pseudonymous hashes and payloads only as digests.
type AuditEvent struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	Event             string    `json:"event"`
	IdempotencyKey    string    `json:"idempotencyKey,omitempty"`
	SubjectRef        string    `json:"subjectRef,omitempty"`
	PayloadHashSHA256 string    `json:"payloadHashSHA256,omitempty"`
	Outcome           string    `json:"outcome"`
	Count             int       `json:"count,omitempty"`
}

// AuditLogger appends events to the audit log file. A single mutex
// serializes concurrent appenders; audit failures are logged but never fail
// the request that triggered them.
type AuditLogger struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

func NewAuditLogger(dir string, logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{path: filepath.Join(dir, auditFile), logger: logger}
}

func (a *AuditLogger) Record(event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		a.logger.Error().Err(err).Msg("marshaling audit event")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := storage.AppendLine(a.path, line); err != nil {
		a.logger.Error().Err(err).Msg("appending audit event")
	}
}

// SubjectRef derives the pseudonymous subject reference used in audit
// records: a truncated SHA-256 of the subject identifier.
func SubjectRef(subject string) string {
	if subject == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:8])
}

// PayloadHash is the SHA-256 hex digest of the exact bytes forwarded to the
// clinical emitter.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
