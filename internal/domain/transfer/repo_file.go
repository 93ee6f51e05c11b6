package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/yanniks/health-companion-prototype/internal/platform/storage"
)

const statusFile = "clinical_status.txt"

// StatusRepoFile persists transfer status as an append-only JSON-lines file.
// Each record supersedes the previous one for its subject; the load keeps
// the latest.
type StatusRepoFile struct {
	mu   sync.Mutex
	path string
	byID map[string]*TransferStatus
}

func NewStatusRepoFile(dir string) (*StatusRepoFile, error) {
	r := &StatusRepoFile{
		path: filepath.Join(dir, statusFile),
		byID: make(map[string]*TransferStatus),
	}

	err := storage.ForEachLine(r.path, func(line []byte) error {
		var s TransferStatus
		if err := json.Unmarshal(line, &s); err != nil {
			return fmt.Errorf("corrupt status record: %w", err)
		}
		r.byID[s.PatientID] = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *StatusRepoFile) Get(ctx context.Context, patientID string) (*TransferStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *StatusRepoFile) RecordTransfer(ctx context.Context, patientID string, at time.Time) (*TransferStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[patientID]
	if !ok {
		s = &TransferStatus{PatientID: patientID}
		r.byID[patientID] = s
	}
	s.TransferCount++
	s.LastTransfer = at

	line, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if err := storage.AppendLine(r.path, line); err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}
