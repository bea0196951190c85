package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"studykit.org/internal/auth"
	"studykit.org/internal/errs"
	"studykit.org/internal/ids"
)

// Service defines account operations. Search is specified in search.go.
type Service interface {
	SignUp(ctx context.Context, in Account, password string) (Account, error)
	SignIn(ctx context.Context, email, password string) (Account, error)
	Get(ctx context.Context, id string) (Account, error)
	GetByEmail(ctx context.Context, email string) (Account, error)
	Update(ctx context.Context, in Account) (Account, error)
	SetRoles(ctx context.Context, id string, roles []string) (Account, error)
	SetOrgMembership(ctx context.Context, id, orgID string) (Account, error)
	SetStatus(ctx context.Context, id, status string) (Account, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, params RequestParams) (SummaryList, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu          sync.RWMutex
	accts       map[string]*Account
	byEmail     map[string]string // normalized email -> account id
	byPhone     map[string]string
	enrollments EnrollmentSource
}

// NewInMemory creates an empty account store.
func NewInMemory() *InMemory {
	return &InMemory{
		accts:   make(map[string]*Account),
		byEmail: make(map[string]string),
		byPhone: make(map[string]string),
	}
}

// SetEnrollmentSource wires the enrollment service in after construction; the
// two services reference each other so neither can take the other in its
// constructor.
func (s *InMemory) SetEnrollmentSource(src EnrollmentSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments = src
}

// SignUp creates an account, or silently returns the existing one when the
// email or phone is already registered. Retrying a sign-up must not error and
// must not leak whether the identifier was already known.
func (s *InMemory) SignUp(ctx context.Context, in Account, password string) (Account, error) {
	in.Email = normalizeEmail(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)
	if (in.Email == "") == (in.Phone == "") {
		return Account{}, fmt.Errorf("%w: exactly one of email or phone is required", errs.ErrInvalidEntity)
	}
	if len(password) < 8 {
		return Account{}, fmt.Errorf("%w: password must be at least 8 characters", errs.ErrInvalidEntity)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Email != "" {
		if id, ok := s.byEmail[in.Email]; ok {
			return *s.accts[id], nil
		}
	}
	if in.Phone != "" {
		if id, ok := s.byPhone[in.Phone]; ok {
			return *s.accts[id], nil
		}
	}

	now := time.Now().UTC()
	acct := Account{
		ID:           ids.New(),
		Email:        in.Email,
		Phone:        in.Phone,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		DataGroups:   dedupeStrings(in.DataGroups),
		Languages:    dedupeStrings(in.Languages),
		Attributes:   in.Attributes,
		Status:       StatusEnabled,
		CreatedOn:    now,
		ModifiedOn:   now,
		PasswordHash: hash,
	}
	s.accts[acct.ID] = &acct
	if acct.Email != "" {
		s.byEmail[acct.Email] = acct.ID
	}
	if acct.Phone != "" {
		s.byPhone[acct.Phone] = acct.ID
	}
	return acct, nil
}

// SignIn verifies credentials. Unknown emails and bad passwords produce the
// same error so callers cannot probe for registered addresses.
func (s *InMemory) SignIn(ctx context.Context, email, password string) (Account, error) {
	email = normalizeEmail(email)

	s.mu.RLock()
	id, ok := s.byEmail[email]
	var acct Account
	if ok {
		acct = *s.accts[id]
	}
	s.mu.RUnlock()

	if !ok {
		return Account{}, fmt.Errorf("%w: bad credentials", errs.ErrUnauthorized)
	}
	if err := auth.VerifyPassword(acct.PasswordHash, password); err != nil {
		return Account{}, fmt.Errorf("%w: bad credentials", errs.ErrUnauthorized)
	}
	if acct.Status == StatusDisabled {
		return Account{}, fmt.Errorf("%w: account is disabled", errs.ErrUnauthorized)
	}
	return acct, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	return *acct, nil
}

func (s *InMemory) GetByEmail(ctx context.Context, email string) (Account, error) {
	email = normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return Account{}, fmt.Errorf("%w: account with email %s", errs.ErrNotFound, email)
	}
	return *s.accts[id], nil
}

// Update merges the request into the stored account. See merge for the
// immutable-field rules.
func (s *InMemory) Update(ctx context.Context, in Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.accts[in.ID]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", errs.ErrNotFound, in.ID)
	}
	merged := Merge(*stored, in)
	merged.ModifiedOn = time.Now().UTC()
	if stored.Email == "" && merged.Email != "" {
		if other, ok := s.byEmail[merged.Email]; ok && other != in.ID {
			return Account{}, fmt.Errorf("%w: email already registered", errs.ErrConstraintViolation)
		}
		s.byEmail[merged.Email] = in.ID
	}
	if stored.Phone == "" && merged.Phone != "" {
		if other, ok := s.byPhone[merged.Phone]; ok && other != in.ID {
			return Account{}, fmt.Errorf("%w: phone already registered", errs.ErrConstraintViolation)
		}
		s.byPhone[merged.Phone] = in.ID
	}
	*stored = merged
	return merged, nil
}

func (s *InMemory) SetRoles(ctx context.Context, id string, roles []string) (Account, error) {
	normalized := auth.NormalizeRoles(roles)
	for _, role := range normalized {
		switch role {
		case auth.RoleDeveloper, auth.RoleResearcher, auth.RoleStudyCoordinator, auth.RoleWorker, auth.RoleAdmin:
		default:
			return Account{}, fmt.Errorf("%w: unknown role %q", errs.ErrInvalidEntity, role)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	acct.Roles = normalized
	acct.ModifiedOn = time.Now().UTC()
	return *acct, nil
}

func (s *InMemory) SetOrgMembership(ctx context.Context, id, orgID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	acct.OrgMembership = strings.TrimSpace(orgID)
	acct.ModifiedOn = time.Now().UTC()
	return *acct, nil
}

func (s *InMemory) SetStatus(ctx context.Context, id, status string) (Account, error) {
	if status != StatusEnabled && status != StatusDisabled {
		return Account{}, fmt.Errorf("%w: unknown status %q", errs.ErrInvalidEntity, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	acct.Status = status
	acct.ModifiedOn = time.Now().UTC()
	return *acct, nil
}

func (s *InMemory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accts[id]
	if !ok {
		return fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	if acct.Email != "" {
		delete(s.byEmail, acct.Email)
	}
	if acct.Phone != "" {
		delete(s.byPhone, acct.Phone)
	}
	delete(s.accts, id)
	return nil
}
