package enrollment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"studykit.org/internal/account"
	"studykit.org/internal/errs"
	"studykit.org/internal/ids"
)

// Service defines the enrollment ledger and external-identifier registry.
type Service interface {
	Enroll(ctx context.Context, accountID, studyID, externalID string, consentRequired bool, actorID string, enrolledOn time.Time) (Enrollment, error)
	Withdraw(ctx context.Context, accountID, studyID, note, actorID string, withdrawnOn time.Time) (Enrollment, error)
	WithdrawFromApp(ctx context.Context, accountID, note, actorID string) ([]Enrollment, error)
	MigrateEnrollments(ctx context.Context, accountID string, rows []Enrollment) ([]Enrollment, error)
	DeleteForAccount(ctx context.Context, accountID string) error

	EnrollmentsForAccount(ctx context.Context, accountID string) ([]Enrollment, error)
	EnrollmentsForStudy(ctx context.Context, studyID, filter string, limit, offset int) ([]Enrollment, int, error)

	CreateExternalID(ctx context.Context, identifier, studyID string) (ExternalIdentifier, error)
	GetExternalID(ctx context.Context, studyID, identifier string) (ExternalIdentifier, error)
	ListExternalIDs(ctx context.Context, studyID, idFilter string, limit, offset int) ([]ExternalIdentifier, int, error)
	DeleteExternalID(ctx context.Context, studyID, identifier string) error

	StudyRoster(ctx context.Context, studyID string) (map[string]account.RosterEntry, error)
	ExternalIDs(ctx context.Context, accountID string) (map[string]string, error)
	VisibleExternalIDs(ctx context.Context, accountID string) (map[string]string, error)
}

// InMemory implements Service. Conflicting mutations on the same
// (account, study) pair serialize on a per-key lock; unrelated pairs proceed
// concurrently, touching the shared maps only under the short inner mutex.
type InMemory struct {
	keys *keyedMutex

	mu        sync.RWMutex
	recs      map[string][]*Enrollment // ledgerKey -> history, oldest first
	byStudy   map[string]map[string]struct{}
	byAccount map[string]map[string]struct{}
	idents    map[string]map[string]*ExternalIdentifier // studyID -> identifier
}

var _ account.EnrollmentSource = (*InMemory)(nil)

// NewInMemory creates an empty ledger and registry.
func NewInMemory() *InMemory {
	return &InMemory{
		keys:      newKeyedMutex(),
		recs:      make(map[string][]*Enrollment),
		byStudy:   make(map[string]map[string]struct{}),
		byAccount: make(map[string]map[string]struct{}),
		idents:    make(map[string]map[string]*ExternalIdentifier),
	}
}

func ledgerKey(accountID, studyID string) string {
	return accountID + "|" + studyID
}

// Enroll opens a new enrollment cycle. Re-submitting the identifier the
// account already holds for the study is a no-op success so retries are safe;
// any other attempt against an active enrollment is rejected.
func (s *InMemory) Enroll(ctx context.Context, accountID, studyID, externalID string, consentRequired bool, actorID string, enrolledOn time.Time) (Enrollment, error) {
	accountID = strings.TrimSpace(accountID)
	studyID = strings.TrimSpace(studyID)
	externalID = strings.TrimSpace(externalID)
	if accountID == "" || studyID == "" {
		return Enrollment{}, fmt.Errorf("%w: accountId and studyId are required", errs.ErrInvalidEntity)
	}

	unlock := s.keys.Lock(ledgerKey(accountID, studyID))
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if active := s.activeLocked(accountID, studyID); active != nil {
		if externalID != "" && active.ExternalID == externalID {
			return *active, nil
		}
		return Enrollment{}, ErrAlreadyEnrolled
	}

	if externalID != "" {
		if err := s.assignLocked(studyID, externalID, accountID); err != nil {
			return Enrollment{}, err
		}
	}

	if enrolledOn.IsZero() {
		enrolledOn = time.Now().UTC()
	}
	rec := &Enrollment{
		ID:              ids.New(),
		AccountID:       accountID,
		StudyID:         studyID,
		ExternalID:      externalID,
		ConsentRequired: consentRequired,
		EnrolledOn:      enrolledOn.UTC(),
		EnrolledBy:      actorID,
	}
	s.appendLocked(rec)
	return *rec, nil
}

// Withdraw closes the active cycle. The identifier snapshot stays on the
// historical row so audit queries still resolve it, while the live registry
// binding is released and the identifier becomes assignable again.
func (s *InMemory) Withdraw(ctx context.Context, accountID, studyID, note, actorID string, withdrawnOn time.Time) (Enrollment, error) {
	if strings.TrimSpace(actorID) == "" {
		return Enrollment{}, fmt.Errorf("%w: withdrawing actor is required", errs.ErrInvalidEntity)
	}
	unlock := s.keys.Lock(ledgerKey(accountID, studyID))
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked(accountID, studyID)
	if active == nil {
		return Enrollment{}, fmt.Errorf("%w: account %s has no active enrollment in study %s", errs.ErrNotFound, accountID, studyID)
	}
	if withdrawnOn.IsZero() {
		withdrawnOn = time.Now().UTC()
	}
	ts := withdrawnOn.UTC()
	active.WithdrawnOn = &ts
	active.WithdrawnBy = actorID
	active.WithdrawalNote = note
	if active.ExternalID != "" {
		if rec := s.identLocked(studyID, active.ExternalID); rec != nil && rec.AssignedAccountID == accountID {
			rec.AssignedAccountID = ""
		}
	}
	return *active, nil
}

// WithdrawFromApp withdraws the account from every study it is active in and
// releases all of its identifier bindings, emptying the externally-visible
// identifier map. The ledger rows keep their identifier snapshots.
func (s *InMemory) WithdrawFromApp(ctx context.Context, accountID, note, actorID string) ([]Enrollment, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("%w: withdrawing actor is required", errs.ErrInvalidEntity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var withdrawn []Enrollment
	for studyID := range s.byAccount[accountID] {
		if active := s.activeLocked(accountID, studyID); active != nil {
			ts := now
			active.WithdrawnOn = &ts
			active.WithdrawnBy = actorID
			active.WithdrawalNote = note
			withdrawn = append(withdrawn, *active)
		}
	}
	s.releaseAllLocked(accountID)

	sort.Slice(withdrawn, func(i, j int) bool { return withdrawn[i].StudyID < withdrawn[j].StudyID })
	return withdrawn, nil
}

// MigrateEnrollments replaces the account's entire ledger slice with the
// supplied rows. It is the privileged backfill path: the single-active check
// of the normal enroll path does not apply, but identifier uniqueness and the
// withdrawnBy invariant still do.
func (s *InMemory) MigrateEnrollments(ctx context.Context, accountID string, rows []Enrollment) ([]Enrollment, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountId is required", errs.ErrInvalidEntity)
	}
	now := time.Now().UTC()
	for i := range rows {
		if strings.TrimSpace(rows[i].StudyID) == "" {
			return nil, fmt.Errorf("%w: row %d is missing studyId", errs.ErrInvalidEntity, i)
		}
		if rows[i].WithdrawnOn != nil && strings.TrimSpace(rows[i].WithdrawnBy) == "" {
			return nil, fmt.Errorf("%w: row %d is withdrawn without withdrawnBy", errs.ErrInvalidEntity, i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Identifier uniqueness holds even on the escape hatch.
	for i := range rows {
		extID := strings.TrimSpace(rows[i].ExternalID)
		if extID == "" {
			continue
		}
		if rec := s.identLocked(rows[i].StudyID, extID); rec != nil &&
			rec.AssignedAccountID != "" && rec.AssignedAccountID != accountID {
			return nil, fmt.Errorf("%w: external identifier %s in study %s is assigned to another account",
				errs.ErrConstraintViolation, extID, rows[i].StudyID)
		}
	}

	s.releaseAllLocked(accountID)
	s.dropAccountLocked(accountID)

	out := make([]Enrollment, 0, len(rows))
	for i := range rows {
		rec := rows[i]
		rec.AccountID = accountID
		rec.StudyID = strings.TrimSpace(rec.StudyID)
		rec.ExternalID = strings.TrimSpace(rec.ExternalID)
		if rec.ID == "" {
			rec.ID = ids.New()
		}
		if rec.EnrolledOn.IsZero() {
			rec.EnrolledOn = now
		}
		stored := rec
		s.appendLocked(&stored)
		if stored.ExternalID != "" && !stored.Withdrawn() {
			if err := s.assignLocked(stored.StudyID, stored.ExternalID, accountID); err != nil {
				return nil, err
			}
		}
		out = append(out, stored)
	}
	sortEnrollments(out)
	return out, nil
}

// DeleteForAccount removes every ledger row for the account and releases its
// identifier bindings. Used when an account is physically deleted.
func (s *InMemory) DeleteForAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseAllLocked(accountID)
	s.dropAccountLocked(accountID)
	return nil
}

func (s *InMemory) EnrollmentsForAccount(ctx context.Context, accountID string) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Enrollment
	for studyID := range s.byAccount[accountID] {
		for _, rec := range s.recs[ledgerKey(accountID, studyID)] {
			out = append(out, *rec)
		}
	}
	sortEnrollments(out)
	return out, nil
}

func (s *InMemory) EnrollmentsForStudy(ctx context.Context, studyID, filter string, limit, offset int) ([]Enrollment, int, error) {
	if filter == "" {
		filter = FilterEnrolled
	}
	switch filter {
	case FilterEnrolled, FilterWithdrawn, FilterAll:
	default:
		return nil, 0, fmt.Errorf("%w: unknown enrollment filter %q", errs.ErrInvalidEntity, filter)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Enrollment
	for accountID := range s.byStudy[studyID] {
		for _, rec := range s.recs[ledgerKey(accountID, studyID)] {
			switch filter {
			case FilterEnrolled:
				if rec.Withdrawn() {
					continue
				}
			case FilterWithdrawn:
				if !rec.Withdrawn() {
					continue
				}
			}
			out = append(out, *rec)
		}
	}
	sortEnrollments(out)

	total := len(out)
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []Enrollment{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// StudyRoster reduces each account's history within a study to a single
// standing for search predicates.
func (s *InMemory) StudyRoster(ctx context.Context, studyID string) (map[string]account.RosterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roster := make(map[string]account.RosterEntry, len(s.byStudy[studyID]))
	for accountID := range s.byStudy[studyID] {
		var entry account.RosterEntry
		for _, rec := range s.recs[ledgerKey(accountID, studyID)] {
			if rec.Withdrawn() {
				entry.Withdrawn = true
			} else {
				entry.Active = true
			}
			if rec.ExternalID != "" {
				entry.ExternalID = rec.ExternalID
			}
		}
		roster[accountID] = entry
	}
	return roster, nil
}

// ExternalIDs maps study id to the identifier recorded in the account's
// ledger rows, withdrawn rows included.
func (s *InMemory) ExternalIDs(ctx context.Context, accountID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]string{}
	for studyID := range s.byAccount[accountID] {
		for _, rec := range s.recs[ledgerKey(accountID, studyID)] {
			if rec.ExternalID != "" {
				out[studyID] = rec.ExternalID
			}
		}
	}
	return out, nil
}

// VisibleExternalIDs maps study id to identifier from live registry bindings
// only. Withdrawal releases bindings, so this empties out while ExternalIDs
// keeps resolving historical rows.
func (s *InMemory) VisibleExternalIDs(ctx context.Context, accountID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]string{}
	for studyID, byIdent := range s.idents {
		for _, rec := range byIdent {
			if rec.AssignedAccountID == accountID {
				out[studyID] = rec.Identifier
			}
		}
	}
	return out, nil
}

// callers hold s.mu

func (s *InMemory) activeLocked(accountID, studyID string) *Enrollment {
	for _, rec := range s.recs[ledgerKey(accountID, studyID)] {
		if !rec.Withdrawn() {
			return rec
		}
	}
	return nil
}

func (s *InMemory) appendLocked(rec *Enrollment) {
	key := ledgerKey(rec.AccountID, rec.StudyID)
	s.recs[key] = append(s.recs[key], rec)
	if s.byStudy[rec.StudyID] == nil {
		s.byStudy[rec.StudyID] = make(map[string]struct{})
	}
	s.byStudy[rec.StudyID][rec.AccountID] = struct{}{}
	if s.byAccount[rec.AccountID] == nil {
		s.byAccount[rec.AccountID] = make(map[string]struct{})
	}
	s.byAccount[rec.AccountID][rec.StudyID] = struct{}{}
}

func (s *InMemory) dropAccountLocked(accountID string) {
	for studyID := range s.byAccount[accountID] {
		delete(s.recs, ledgerKey(accountID, studyID))
		delete(s.byStudy[studyID], accountID)
		if len(s.byStudy[studyID]) == 0 {
			delete(s.byStudy, studyID)
		}
	}
	delete(s.byAccount, accountID)
}

func (s *InMemory) releaseAllLocked(accountID string) {
	for _, byIdent := range s.idents {
		for _, rec := range byIdent {
			if rec.AssignedAccountID == accountID {
				rec.AssignedAccountID = ""
			}
		}
	}
}

func sortEnrollments(out []Enrollment) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnrolledOn.Equal(out[j].EnrolledOn) {
			return out[i].EnrolledOn.Before(out[j].EnrolledOn)
		}
		return out[i].ID < out[j].ID
	})
}
