package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yanniks/health-companion-prototype/internal/domain/transfer"
	"github.com/yanniks/health-companion-prototype/internal/platform/auth"
	"github.com/yanniks/health-companion-prototype/internal/platform/fhir"
)

// ErrValidation marks request-shape failures; the handler renders them as
// 400 validation_error responses.
var ErrValidation = errors.New("validation error")

// Submission is the outcome of a submit call: the canonical response bytes
// and the HTTP status to serve them with.
type Submission struct {
	Body       []byte
	StatusCode int
	Replayed   bool
}

// attemptRecord tracks the gateway's own view of the subject's last
// submission; the durable status lives at the clinical emitter.
type attemptRecord struct {
	lastAttempt time.Time
	lastError   string
}

// Service orchestrates the submission pipeline: idempotency, normalization,
// forwarding and auditing.
type Service struct {
	idempotency *IdempotencyStore
	audit       *AuditLogger
	clinical    ClinicalCaller
	logger      zerolog.Logger

	mu       sync.Mutex
	attempts map[string]attemptRecord
}

func NewService(idempotency *IdempotencyStore, audit *AuditLogger, clinical ClinicalCaller, logger zerolog.Logger) *Service {
	return &Service{
		idempotency: idempotency,
		audit:       audit,
		clinical:    clinical,
		logger:      logger,
		attempts:    make(map[string]attemptRecord),
	}
}

// Submit runs one bundle through the pipeline. The subject comes from the
// verified token in ctx. For a (key, subject) pair that already has a
// canonical outcome, the stored bytes are replayed unchanged with 200.
func (s *Service) Submit(ctx context.Context, key string, body []byte) (*Submission, error) {
	subject := auth.SubjectFromContext(ctx)

	if entry, ok := s.idempotency.Get(key, subject); ok {
		return &Submission{Body: entry.Response, StatusCode: http.StatusOK, Replayed: true}, nil
	}

	bundle, err := fhir.DecodeBundle(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	entries := bundle.ObservationEntries()
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: bundle contains no observations", ErrValidation)
	}

	payloadBytes, err := s.buildPayload(ctx, subject, entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	hash := PayloadHash(payloadBytes)

	downstream, status, callErr := s.clinical.Process(ctx, payloadBytes)
	result := s.buildResult(key, len(entries), downstream, status, callErr)

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling submission result: %w", err)
	}

	s.audit.Record(AuditEvent{
		Event:             AuditSubmission,
		IdempotencyKey:    key,
		SubjectRef:        SubjectRef(subject),
		PayloadHashSHA256: hash,
		Outcome:           result.Status,
		Count:             result.TotalProcessed,
	})
	s.recordAttempt(subject, result.Status)

	// A transport fault or timeout leaves the cache unpopulated so the
	// client can retry with the same key.
	if callErr != nil {
		s.logger.Warn().Err(callErr).Str("subject_ref", SubjectRef(subject)).Msg("clinical emitter unreachable")
		return &Submission{Body: resultBytes, StatusCode: http.StatusCreated}, nil
	}

	stored, created, err := s.idempotency.PutIfAbsent(&IdempotencyEntry{
		Key:        key,
		Subject:    subject,
		StatusCode: http.StatusCreated,
		Response:   resultBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("storing idempotency entry: %w", err)
	}
	if !created {
		// A concurrent submission with the same key won the race; its
		// outcome is the canonical one.
		return &Submission{Body: stored.Response, StatusCode: http.StatusOK, Replayed: true}, nil
	}

	return &Submission{Body: resultBytes, StatusCode: http.StatusCreated}, nil
}

// buildPayload normalizes the entries and assembles the forwarded JSON.
func (s *Service) buildPayload(ctx context.Context, subject string, entries []json.RawMessage) ([]byte, error) {
	observations := make([]json.RawMessage, 0, len(entries))
	for _, raw := range entries {
		var obs map[string]interface{}
		if err := json.Unmarshal(raw, &obs); err != nil {
			return nil, fmt.Errorf("decoding observation: %v", err)
		}
		normalized, err := json.Marshal(NormalizeObservation(obs))
		if err != nil {
			return nil, fmt.Errorf("encoding observation: %v", err)
		}
		observations = append(observations, normalized)
	}

	demo := auth.DemographicsFromContext(ctx)
	payload := transfer.ProcessRequest{
		PatientID:          subject,
		PatientFirstName:   demo.GivenName,
		PatientLastName:    demo.FamilyName,
		PatientDateOfBirth: demo.DateOfBirth,
		Observations:       observations,
	}
	return json.Marshal(payload)
}

// buildResult maps the downstream outcome onto the caller-visible result.
func (s *Service) buildResult(key string, total int, downstream *transfer.ProcessResponse, status int, callErr error) *SubmissionResult {
	result := &SubmissionResult{
		IdempotencyKey: key,
		ProcessedAt:    time.Now().UTC(),
	}

	if callErr == nil && downstream != nil && status >= 200 && status <= 299 {
		result.Status = downstream.Status
		result.TotalProcessed = downstream.TotalProcessed
		result.Successful = downstream.Successful
		result.Failed = downstream.Failed
		result.Results = downstream.Results
		return result
	}

	// Unreachable, non-2xx or unparseable: every entry failed.
	result.Status = transfer.StatusError
	result.TotalProcessed = total
	result.Failed = total
	result.Results = make([]transfer.EntryResult, total)
	for i := range result.Results {
		result.Results[i] = transfer.EntryResult{Error: "clinical emitter unavailable"}
	}
	return result
}

func (s *Service) recordAttempt(subject, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := attemptRecord{lastAttempt: time.Now().UTC()}
	if outcome != transfer.StatusSuccess {
		rec.lastError = "upstream_error"
	}
	s.attempts[subject] = rec
}

// Status assembles the subject's status document. A downstream failure
// yields the zero-value document, never a synthetic error.
func (s *Service) Status(ctx context.Context) *StatusDocument {
	subject := auth.SubjectFromContext(ctx)

	doc := &StatusDocument{}
	if ts, err := s.clinical.Status(ctx, subject); err == nil && ts != nil {
		doc.HasSuccessfulTransfer = true
		last := ts.LastTransfer
		doc.LastSuccessfulTransfer = &last
	} else if err != nil && !errors.Is(err, transfer.ErrNotFound) {
		s.logger.Warn().Err(err).Str("subject_ref", SubjectRef(subject)).Msg("status lookup failed")
	}

	s.mu.Lock()
	if rec, ok := s.attempts[subject]; ok {
		last := rec.lastAttempt
		doc.LastAttempt = &last
		doc.LastError = rec.lastError
	}
	s.mu.Unlock()

	s.audit.Record(AuditEvent{
		Event:      AuditStatusQuery,
		SubjectRef: SubjectRef(subject),
		Outcome:    "ok",
	})
	return doc
}
