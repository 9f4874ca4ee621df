// Package repofakes provides in-memory stand-ins for the Postgres repositories,
// with per-method error injection, for service and handler tests.
package repofakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/db/repositories"
)

// Errors lets a test force a method to fail. Keys are method names.
type Errors struct {
	mu   sync.Mutex
	errs map[string]error
}

// Fail makes every later call to method return err. A nil err clears it.
func (e *Errors) Fail(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.errs == nil {
		e.errs = make(map[string]error)
	}
	if err == nil {
		delete(e.errs, method)
		return
	}
	e.errs[method] = err
}

func (e *Errors) get(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errs[method]
}

// ---------------------------------------------------------------------------
// Politicians
// ---------------------------------------------------------------------------

// PoliticianStore is an in-memory politician directory.
type PoliticianStore struct {
	Errors
	mu          sync.RWMutex
	politicians map[string]*models.Politician
}

// NewPoliticianStore seeds a store with the given politicians.
func NewPoliticianStore(politicians ...*models.Politician) *PoliticianStore {
	s := &PoliticianStore{politicians: make(map[string]*models.Politician)}
	for _, p := range politicians {
		s.politicians[p.ID] = p
	}
	return s
}

func (s *PoliticianStore) GetPolitician(_ context.Context, id string) (*models.Politician, error) {
	if err := s.get("GetPolitician"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.politicians[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// Delete removes a politician, as the directory application would.
func (s *PoliticianStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.politicians, id)
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

// ProfileStore maps identity-provider subjects to roles.
type ProfileStore struct {
	Errors
	mu    sync.RWMutex
	roles map[string]string
}

// NewProfileStore creates a store from subject to role.
func NewProfileStore(roles map[string]string) *ProfileStore {
	s := &ProfileStore{roles: make(map[string]string)}
	for k, v := range roles {
		s.roles[k] = v
	}
	return s
}

func (s *ProfileStore) GetRole(_ context.Context, userID string) (string, error) {
	if err := s.get("GetRole"); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[userID], nil
}

// ---------------------------------------------------------------------------
// Email verifications
// ---------------------------------------------------------------------------

// VerificationStore is an in-memory email_verifications table.
type VerificationStore struct {
	Errors
	mu   sync.Mutex
	rows map[string]*models.EmailVerification
}

// NewVerificationStore creates an empty store.
func NewVerificationStore() *VerificationStore {
	return &VerificationStore{rows: make(map[string]*models.EmailVerification)}
}

func (s *VerificationStore) CreateSuperseding(_ context.Context, v *models.EmailVerification) error {
	if err := s.get("CreateSuperseding"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.PoliticianID == v.PoliticianID && row.Email == v.Email && !row.Verified && row.SupersededAt == nil {
			at := v.CreatedAt
			row.SupersededAt = &at
		}
	}
	cp := *v
	s.rows[v.ID] = &cp
	return nil
}

func (s *VerificationStore) GetVerification(_ context.Context, id string) (*models.EmailVerification, error) {
	if err := s.get("GetVerification"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *VerificationStore) MarkVerified(_ context.Context, id string, at time.Time) (bool, error) {
	if err := s.get("MarkVerified"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Verified || row.SupersededAt != nil {
		return false, nil
	}
	row.Verified = true
	row.VerifiedAt = &at
	return true, nil
}

func (s *VerificationStore) UnmarkVerified(_ context.Context, id string, at time.Time) (bool, error) {
	if err := s.get("UnmarkVerified"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.Verified || row.VerifiedAt == nil || !row.VerifiedAt.Equal(at) || row.SupersededAt != nil {
		return false, nil
	}
	for _, other := range s.rows {
		if other.PoliticianID == row.PoliticianID && other.Email == row.Email && !other.Verified && other.SupersededAt == nil {
			return false, nil
		}
	}
	row.Verified = false
	row.VerifiedAt = nil
	return true, nil
}

// Pending returns the unverified, unsuperseded rows for a politician and email.
func (s *VerificationStore) Pending(politicianID, email string) []models.EmailVerification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EmailVerification
	for _, row := range s.rows {
		if row.PoliticianID == politicianID && row.Email == email && !row.Verified && row.SupersededAt == nil {
			out = append(out, *row)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Politician sessions
// ---------------------------------------------------------------------------

// SessionStore is an in-memory politician_sessions table.
type SessionStore struct {
	Errors
	mu   sync.Mutex
	rows map[string]*models.PoliticianSession

	// touched receives session ids after each TouchSession call, if non-nil.
	touched chan string
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{rows: make(map[string]*models.PoliticianSession)}
}

// NotifyTouches returns a channel that receives the id of every touched session.
func (s *SessionStore) NotifyTouches() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touched == nil {
		s.touched = make(chan string, 64)
	}
	return s.touched
}

func (s *SessionStore) CreateSession(_ context.Context, sess *models.PoliticianSession) error {
	if err := s.get("CreateSession"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.TokenHash == sess.TokenHash {
			return repositories.ErrDuplicate
		}
	}
	cp := *sess
	s.rows[sess.ID] = &cp
	return nil
}

func (s *SessionStore) FindActiveSession(_ context.Context, politicianID, tokenHash string, now time.Time) (*models.PoliticianSession, error) {
	if err := s.get("FindActiveSession"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.PoliticianID == politicianID && row.TokenHash == tokenHash && row.IsActive(now) {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *SessionStore) TouchSession(_ context.Context, id string, at time.Time) error {
	err := s.get("TouchSession")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		if row, ok := s.rows[id]; ok {
			row.LastUsedAt = &at
		}
	}
	if s.touched != nil {
		select {
		case s.touched <- id:
		default:
		}
	}
	return err
}

func (s *SessionStore) RevokeSession(_ context.Context, id string, at time.Time) (bool, error) {
	if err := s.get("RevokeSession"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.RevokedAt != nil {
		return false, nil
	}
	row.RevokedAt = &at
	return true, nil
}

func (s *SessionStore) RevokeAllSessions(_ context.Context, politicianID string, at time.Time) (int64, error) {
	if err := s.get("RevokeAllSessions"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.PoliticianID == politicianID && row.IsActive(at) {
			t := at
			row.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *SessionStore) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.get("DeleteExpiredSessions"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.rows {
		if row.ExpiresAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the session row with the given id.
func (s *SessionStore) Get(id string) (models.PoliticianSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return models.PoliticianSession{}, false
	}
	return *row, true
}

// ForPolitician returns copies of every session of a politician, oldest first.
func (s *SessionStore) ForPolitician(politicianID string) []models.PoliticianSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PoliticianSession
	for _, row := range s.rows {
		if row.PoliticianID == politicianID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ---------------------------------------------------------------------------
// Audit logs
// ---------------------------------------------------------------------------

// AuditStore records audit entries in memory.
type AuditStore struct {
	Errors
	mu      sync.Mutex
	entries []models.AuditLog
}

// NewAuditStore creates an empty store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	if err := s.get("CreateAuditLog"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *log)
	return nil
}

// Entries returns a copy of the recorded entries.
func (s *AuditStore) Entries() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.entries...)
}

// ListAuditLogs filters and pages entries newest first, like the repository.
func (s *AuditStore) ListAuditLogs(_ context.Context, f repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	if err := s.get("ListAuditLogs"); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.AuditLog
	for i := range s.entries {
		e := s.entries[i]
		if !auditMatches(&e, f) {
			continue
		}
		matched = append(matched, &e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*models.AuditLog{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func auditMatches(e *models.AuditLog, f repositories.AuditFilters) bool {
	switch {
	case f.ActorType != nil && e.ActorType != *f.ActorType:
		return false
	case f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID):
		return false
	case f.Action != nil && e.Action != *f.Action:
		return false
	case f.ResourceID != nil && (e.ResourceID == nil || *e.ResourceID != *f.ResourceID):
		return false
	case f.StartDate != nil && e.CreatedAt.Before(*f.StartDate):
		return false
	case f.EndDate != nil && e.CreatedAt.After(*f.EndDate):
		return false
	}
	return true
}
