package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/yanniks/health-companion-prototype/internal/platform/storage"
)

// File names inside the IAM storage directory.
const (
	patientsFile      = "patients.txt"
	authCodesFile     = "auth_codes.txt"
	refreshTokensFile = "refresh_tokens.txt"
)

// patientRecord is the on-disk form of a patient. Deleted patients stay in
// the file as tombstones so the identifier counter survives restarts and
// identifiers are never handed out twice.
type patientRecord struct {
	Patient
	Deleted bool `json:"deleted,omitempty"`
}

// PatientRepoFile is a file-backed patient store. All mutation goes through
// one mutex; destructive changes rewrite the file atomically.
type PatientRepoFile struct {
	mu      sync.Mutex
	path    string
	byID    map[string]*Patient
	deleted map[string]bool
	nextID  int64
}

func NewPatientRepoFile(dir string) (*PatientRepoFile, error) {
	r := &PatientRepoFile{
		path:    filepath.Join(dir, patientsFile),
		byID:    make(map[string]*Patient),
		deleted: make(map[string]bool),
		nextID:  1,
	}

	err := storage.ForEachLine(r.path, func(line []byte) error {
		var rec patientRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("corrupt patient record: %w", err)
		}
		if n, err := strconv.ParseInt(rec.ID, 10, 64); err == nil && n >= r.nextID {
			r.nextID = n + 1
		}
		if rec.Deleted {
			r.deleted[rec.ID] = true
			delete(r.byID, rec.ID)
			return nil
		}
		p := rec.Patient
		r.byID[rec.ID] = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PatientRepoFile) Create(ctx context.Context, givenName, familyName, dateOfBirth string) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &Patient{
		ID:          strconv.FormatInt(r.nextID, 10),
		GivenName:   givenName,
		FamilyName:  familyName,
		DateOfBirth: dateOfBirth,
		CreatedAt:   time.Now().UTC(),
	}
	line, err := json.Marshal(patientRecord{Patient: *p})
	if err != nil {
		return nil, err
	}
	if err := storage.AppendLine(r.path, line); err != nil {
		return nil, err
	}

	r.nextID++
	r.byID[p.ID] = p
	return p, nil
}

func (r *PatientRepoFile) GetByID(ctx context.Context, id string) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *PatientRepoFile) List(ctx context.Context) ([]*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Patient, 0, len(r.byID))
	for _, p := range r.byID {
		cp := *p
		out = append(out, &cp)
	}
	sortPatients(out)
	return out, nil
}

func (r *PatientRepoFile) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	r.deleted[id] = true
	return r.rewriteLocked()
}

func (r *PatientRepoFile) rewriteLocked() error {
	lines := make([][]byte, 0, len(r.byID)+len(r.deleted))
	for _, p := range sortedPatientsLocked(r.byID) {
		line, err := json.Marshal(patientRecord{Patient: *p})
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	for _, id := range sortedIDs(r.deleted) {
		line, err := json.Marshal(patientRecord{Patient: Patient{ID: id}, Deleted: true})
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	return storage.RewriteLines(r.path, lines)
}

// CodeRepoFile is a file-backed authorization code store.
type CodeRepoFile struct {
	mu     sync.Mutex
	path   string
	byCode map[string]*AuthorizationCode
}

func NewCodeRepoFile(dir string) (*CodeRepoFile, error) {
	r := &CodeRepoFile{
		path:   filepath.Join(dir, authCodesFile),
		byCode: make(map[string]*AuthorizationCode),
	}

	now := time.Now()
	err := storage.ForEachLine(r.path, func(line []byte) error {
		var c AuthorizationCode
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("corrupt authorization code record: %w", err)
		}
		if c.Expired(now) {
			return nil
		}
		r.byCode[c.Code] = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CodeRepoFile) Put(ctx context.Context, code *AuthorizationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := json.Marshal(code)
	if err != nil {
		return err
	}
	if err := storage.AppendLine(r.path, line); err != nil {
		return err
	}
	cp := *code
	r.byCode[code.Code] = &cp
	return nil
}

func (r *CodeRepoFile) Consume(ctx context.Context, code string) (*AuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byCode[code]
	if !ok || c.Expired(time.Now()) {
		// Unknown, consumed and expired codes are indistinguishable.
		delete(r.byCode, code)
		return nil, ErrNotFound
	}
	delete(r.byCode, code)
	if err := r.rewriteLocked(); err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (r *CodeRepoFile) rewriteLocked() error {
	now := time.Now()
	lines := make([][]byte, 0, len(r.byCode))
	for _, c := range r.byCode {
		if c.Expired(now) {
			continue
		}
		line, err := json.Marshal(c)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	return storage.RewriteLines(r.path, lines)
}

// RefreshTokenRepoFile is a file-backed refresh token store.
type RefreshTokenRepoFile struct {
	mu      sync.Mutex
	path    string
	byToken map[string]*RefreshToken
}

func NewRefreshTokenRepoFile(dir string) (*RefreshTokenRepoFile, error) {
	r := &RefreshTokenRepoFile{
		path:    filepath.Join(dir, refreshTokensFile),
		byToken: make(map[string]*RefreshToken),
	}

	now := time.Now()
	err := storage.ForEachLine(r.path, func(line []byte) error {
		var t RefreshToken
		if err := json.Unmarshal(line, &t); err != nil {
			return fmt.Errorf("corrupt refresh token record: %w", err)
		}
		if t.Expired(now) {
			return nil
		}
		r.byToken[t.Token] = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RefreshTokenRepoFile) Put(ctx context.Context, token *RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := json.Marshal(token)
	if err != nil {
		return err
	}
	if err := storage.AppendLine(r.path, line); err != nil {
		return err
	}
	cp := *token
	r.byToken[token.Token] = &cp
	return nil
}

func (r *RefreshTokenRepoFile) Consume(ctx context.Context, token string) (*RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byToken[token]
	if !ok || t.Expired(time.Now()) {
		delete(r.byToken, token)
		return nil, ErrNotFound
	}
	delete(r.byToken, token)
	if err := r.rewriteLocked(); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (r *RefreshTokenRepoFile) Revoke(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byToken[token]; !ok {
		return nil
	}
	delete(r.byToken, token)
	return r.rewriteLocked()
}

func (r *RefreshTokenRepoFile) RevokeAllForSubject(ctx context.Context, subject string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for token, t := range r.byToken {
		if t.Subject == subject {
			delete(r.byToken, token)
			dropped++
		}
	}
	if dropped == 0 {
		return 0, nil
	}
	return dropped, r.rewriteLocked()
}

func (r *RefreshTokenRepoFile) rewriteLocked() error {
	now := time.Now()
	lines := make([][]byte, 0, len(r.byToken))
	for _, t := range r.byToken {
		if t.Expired(now) {
			continue
		}
		line, err := json.Marshal(t)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	return storage.RewriteLines(r.path, lines)
}

// --- sorting helpers (stable file output for deterministic diffs) ---

func sortPatients(patients []*Patient) {
	sort.Slice(patients, func(i, j int) bool {
		return numericLess(patients[i].ID, patients[j].ID)
	})
}

func sortedPatientsLocked(byID map[string]*Patient) []*Patient {
	out := make([]*Patient, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sortPatients(out)
	return out
}

func sortedIDs(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return numericLess(out[i], out[j]) })
	return out
}

func numericLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
