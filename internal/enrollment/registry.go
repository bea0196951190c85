package enrollment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"studykit.org/internal/errs"
)

// CreateExternalID registers an unassigned identifier in a study's namespace.
// An identifier without a study association is rejected outright.
func (s *InMemory) CreateExternalID(ctx context.Context, identifier, studyID string) (ExternalIdentifier, error) {
	identifier = strings.TrimSpace(identifier)
	studyID = strings.TrimSpace(studyID)
	if identifier == "" {
		return ExternalIdentifier{}, fmt.Errorf("%w: identifier is required", errs.ErrInvalidEntity)
	}
	if studyID == "" {
		return ExternalIdentifier{}, fmt.Errorf("%w: external identifier requires a study association", errs.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identLocked(studyID, identifier) != nil {
		return ExternalIdentifier{}, fmt.Errorf("%w: external identifier %s in study %s", errs.ErrAlreadyExists, identifier, studyID)
	}
	rec := &ExternalIdentifier{
		Identifier: identifier,
		StudyID:    studyID,
		CreatedOn:  time.Now().UTC(),
	}
	if s.idents[studyID] == nil {
		s.idents[studyID] = make(map[string]*ExternalIdentifier)
	}
	s.idents[studyID][identifier] = rec
	return *rec, nil
}

func (s *InMemory) GetExternalID(ctx context.Context, studyID, identifier string) (ExternalIdentifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.identLocked(studyID, identifier)
	if rec == nil {
		return ExternalIdentifier{}, fmt.Errorf("%w: external identifier %s in study %s", errs.ErrNotFound, identifier, studyID)
	}
	return *rec, nil
}

func (s *InMemory) ListExternalIDs(ctx context.Context, studyID, idFilter string, limit, offset int) ([]ExternalIdentifier, int, error) {
	idFilter = strings.TrimSpace(idFilter)

	s.mu.RLock()
	var out []ExternalIdentifier
	for _, rec := range s.idents[studyID] {
		if idFilter != "" && !strings.HasPrefix(rec.Identifier, idFilter) {
			continue
		}
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })

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
		return []ExternalIdentifier{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// DeleteExternalID removes an unassigned identifier. A bound identifier must
// be released first by withdrawal or migration.
func (s *InMemory) DeleteExternalID(ctx context.Context, studyID, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.identLocked(studyID, identifier)
	if rec == nil {
		return fmt.Errorf("%w: external identifier %s in study %s", errs.ErrNotFound, identifier, studyID)
	}
	if rec.AssignedAccountID != "" {
		return fmt.Errorf("%w: external identifier %s is assigned to an account", errs.ErrConstraintViolation, identifier)
	}
	delete(s.idents[studyID], identifier)
	if len(s.idents[studyID]) == 0 {
		delete(s.idents, studyID)
	}
	return nil
}

// callers hold s.mu

func (s *InMemory) identLocked(studyID, identifier string) *ExternalIdentifier {
	byIdent := s.idents[studyID]
	if byIdent == nil {
		return nil
	}
	return byIdent[identifier]
}

// assignLocked binds an identifier to an account, creating it when the enroll
// path introduces a brand-new identifier.
func (s *InMemory) assignLocked(studyID, identifier, accountID string) error {
	rec := s.identLocked(studyID, identifier)
	if rec == nil {
		rec = &ExternalIdentifier{
			Identifier: identifier,
			StudyID:    studyID,
			CreatedOn:  time.Now().UTC(),
		}
		if s.idents[studyID] == nil {
			s.idents[studyID] = make(map[string]*ExternalIdentifier)
		}
		s.idents[studyID][identifier] = rec
	}
	if rec.AssignedAccountID != "" && rec.AssignedAccountID != accountID {
		return fmt.Errorf("%w: external identifier %s in study %s is assigned to another account",
			errs.ErrConstraintViolation, identifier, studyID)
	}
	rec.AssignedAccountID = accountID
	return nil
}
