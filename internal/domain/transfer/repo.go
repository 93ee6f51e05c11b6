package transfer

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for subjects without any recorded transfer.
var ErrNotFound = errors.New("not found")

type StatusRepository interface {
	Get(ctx context.Context, patientID string) (*TransferStatus, error)
	// RecordTransfer increments the subject's counter and sets the last
	// transfer timestamp.
	RecordTransfer(ctx context.Context, patientID string, at time.Time) (*TransferStatus, error)
}
