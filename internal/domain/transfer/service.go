package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/yanniks/health-companion-prototype/internal/platform/fhir"
	"github.com/yanniks/health-companion-prototype/internal/platform/gdt"
	"github.com/yanniks/health-companion-prototype/internal/platform/storage"
)

// Service converts forwarded observations into GDT files and records the
// subject's transfer status.
type Service struct {
	status     StatusRepository
	outputDir  string
	senderID   string
	receiverID string
	logger     zerolog.Logger
}

func NewService(status StatusRepository, outputDir, senderID, receiverID string, logger zerolog.Logger) *Service {
	return &Service{
		status:     status,
		outputDir:  outputDir,
		senderID:   senderID,
		receiverID: receiverID,
		logger:     logger,
	}
}

// Process emits one GDT file per observation. A single observation's failure
// never aborts its peers; the per-entry results carry the error text. One
// transfer is recorded for the subject when at least one file was written.
func (s *Service) Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	if req.PatientID == "" {
		return nil, fmt.Errorf("patientId is required")
	}
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating exchange directory: %w", err)
	}

	resp := &ProcessResponse{TotalProcessed: len(req.Observations)}
	for _, raw := range req.Observations {
		result := s.processOne(req, raw)
		if result.Error == "" {
			resp.Successful++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, result)
	}
	resp.Status = AggregateStatus(resp.Successful, resp.Failed)

	if resp.Successful > 0 {
		status, err := s.status.RecordTransfer(ctx, req.PatientID, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("recording transfer: %w", err)
		}
		s.logger.Info().
			Str("subject", req.PatientID).
			Int("transfer_count", status.TransferCount).
			Int("files", resp.Successful).
			Msg("observations transferred")
	}

	return resp, nil
}

func (s *Service) processOne(req *ProcessRequest, raw []byte) EntryResult {
	obs, err := fhir.DecodeObservation(raw)
	if err != nil {
		return EntryResult{Error: err.Error()}
	}

	if obs.Subject == nil {
		obs.Subject = &fhir.Reference{
			Reference: fhir.FormatReference("Patient", req.PatientID),
			Display:   displayName(req.PatientLastName, req.PatientFirstName),
		}
	}

	data, warnings, err := gdt.GenerateObservation(obs, s.senderID, s.receiverID)
	if err != nil {
		return EntryResult{Warnings: warnings, Error: err.Error()}
	}

	name := gdtFileName(time.Now().UTC())
	if err := storage.WriteFileAtomic(filepath.Join(s.outputDir, name), data, 0o644); err != nil {
		return EntryResult{Warnings: warnings, Error: fmt.Sprintf("writing exchange file: %v", err)}
	}

	return EntryResult{GDTFileName: name, Warnings: warnings}
}

// Status returns the subject's running delivery record.
func (s *Service) Status(ctx context.Context, patientID string) (*TransferStatus, error) {
	return s.status.Get(ctx, patientID)
}

// gdtFileName builds a unique exchange file name from the UTC timestamp;
// the nanosecond suffix keeps concurrent writes apart.
func gdtFileName(now time.Time) string {
	return fmt.Sprintf("obs_%s.gdt", now.Format("20060102150405.000000000"))
}

func displayName(family, given string) string {
	switch {
	case family == "" && given == "":
		return ""
	case family == "":
		return given
	case given == "":
		return family
	default:
		return family + ", " + given
	}
}
