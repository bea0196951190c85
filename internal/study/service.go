package study

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"studykit.org/internal/errs"
	"studykit.org/internal/ids"
)

// Service defines study and organization operations.
type Service interface {
	CreateStudy(ctx context.Context, s Study) (Study, error)
	GetStudy(ctx context.Context, id string) (Study, error)
	UpdateStudy(ctx context.Context, s Study) (Study, error)
	DeleteStudy(ctx context.Context, id string, physical bool) error
	ListStudies(ctx context.Context, includeDeleted bool, limit, offset int) ([]Study, int, error)

	CreateOrganization(ctx context.Context, o Organization) (Organization, error)
	GetOrganization(ctx context.Context, id string) (Organization, error)
	ListOrganizations(ctx context.Context, limit, offset int) ([]Organization, int, error)

	AddSponsor(ctx context.Context, studyID, orgID string) error
	RemoveSponsor(ctx context.Context, studyID, orgID string) error
	ListSponsors(ctx context.Context, studyID string) ([]Organization, error)
	StudiesForOrgs(ctx context.Context, orgIDs []string) ([]string, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	studies  map[string]*Study
	orgs     map[string]*Organization
	sponsors map[string]map[string]struct{} // studyID -> set of orgIDs
}

// NewInMemory creates an empty study registry.
func NewInMemory() *InMemory {
	return &InMemory{
		studies:  make(map[string]*Study),
		orgs:     make(map[string]*Organization),
		sponsors: make(map[string]map[string]struct{}),
	}
}

func (s *InMemory) CreateStudy(ctx context.Context, in Study) (Study, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Study{}, fmt.Errorf("%w: study name is required", errs.ErrInvalidEntity)
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		in.ID = ids.New()
	} else if !ValidIdentifier(strings.ToLower(in.ID)) {
		return Study{}, fmt.Errorf("%w: study id must be lower-case alphanumeric", errs.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[in.ID]; ok {
		return Study{}, fmt.Errorf("%w: study %s", errs.ErrAlreadyExists, in.ID)
	}
	now := time.Now().UTC()
	in.Version = 1
	in.Deleted = false
	in.CreatedOn = now
	in.ModifiedOn = now
	st := in
	s.studies[st.ID] = &st
	return st, nil
}

// GetStudy returns the study even when logically deleted; callers that should
// not see deleted rows filter on the flag.
func (s *InMemory) GetStudy(ctx context.Context, id string) (Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.studies[id]
	if !ok {
		return Study{}, fmt.Errorf("%w: study %s", errs.ErrNotFound, id)
	}
	return *st, nil
}

func (s *InMemory) UpdateStudy(ctx context.Context, in Study) (Study, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Study{}, fmt.Errorf("%w: study name is required", errs.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[in.ID]
	if !ok || st.Deleted {
		return Study{}, fmt.Errorf("%w: study %s", errs.ErrNotFound, in.ID)
	}
	if st.Version != in.Version {
		return Study{}, fmt.Errorf("%w: study %s has version %d, caller sent %d",
			errs.ErrConstraintViolation, in.ID, st.Version, in.Version)
	}
	st.Name = in.Name
	st.Details = in.Details
	st.Phase = in.Phase
	st.Version++
	st.ModifiedOn = time.Now().UTC()
	return *st, nil
}

func (s *InMemory) DeleteStudy(ctx context.Context, id string, physical bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[id]
	if !ok {
		return fmt.Errorf("%w: study %s", errs.ErrNotFound, id)
	}
	if physical {
		delete(s.studies, id)
		delete(s.sponsors, id)
		return nil
	}
	if st.Deleted {
		return fmt.Errorf("%w: study %s", errs.ErrNotFound, id)
	}
	st.Deleted = true
	st.Version++
	st.ModifiedOn = time.Now().UTC()
	return nil
}

func (s *InMemory) ListStudies(ctx context.Context, includeDeleted bool, limit, offset int) ([]Study, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Study, 0, len(s.studies))
	for _, st := range s.studies {
		if st.Deleted && !includeDeleted {
			continue
		}
		all = append(all, *st)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedOn.Equal(all[j].CreatedOn) {
			return all[i].CreatedOn.Before(all[j].CreatedOn)
		}
		return all[i].ID < all[j].ID
	})
	return page(all, limit, offset)
}

func (s *InMemory) CreateOrganization(ctx context.Context, in Organization) (Organization, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Organization{}, fmt.Errorf("%w: organization name is required", errs.ErrInvalidEntity)
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		in.ID = ids.New()
	} else if !ValidIdentifier(strings.ToLower(in.ID)) {
		return Organization{}, fmt.Errorf("%w: organization id must be lower-case alphanumeric", errs.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[in.ID]; ok {
		return Organization{}, fmt.Errorf("%w: organization %s", errs.ErrAlreadyExists, in.ID)
	}
	now := time.Now().UTC()
	in.CreatedOn = now
	in.ModifiedOn = now
	org := in
	s.orgs[org.ID] = &org
	return org, nil
}

func (s *InMemory) GetOrganization(ctx context.Context, id string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return Organization{}, fmt.Errorf("%w: organization %s", errs.ErrNotFound, id)
	}
	return *org, nil
}

func (s *InMemory) ListOrganizations(ctx context.Context, limit, offset int) ([]Organization, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		all = append(all, *org)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedOn.Equal(all[j].CreatedOn) {
			return all[i].CreatedOn.Before(all[j].CreatedOn)
		}
		return all[i].ID < all[j].ID
	})
	return page(all, limit, offset)
}

func (s *InMemory) AddSponsor(ctx context.Context, studyID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[studyID]
	if !ok || st.Deleted {
		return fmt.Errorf("%w: study %s", errs.ErrNotFound, studyID)
	}
	if _, ok := s.orgs[orgID]; !ok {
		return fmt.Errorf("%w: organization %s", errs.ErrNotFound, orgID)
	}
	set := s.sponsors[studyID]
	if set == nil {
		set = make(map[string]struct{})
		s.sponsors[studyID] = set
	}
	if _, ok := set[orgID]; ok {
		return fmt.Errorf("%w: organization %s already sponsors study %s", errs.ErrAlreadyExists, orgID, studyID)
	}
	set[orgID] = struct{}{}
	return nil
}

func (s *InMemory) RemoveSponsor(ctx context.Context, studyID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sponsors[studyID]
	if !ok {
		return fmt.Errorf("%w: study %s has no sponsors", errs.ErrNotFound, studyID)
	}
	if _, ok := set[orgID]; !ok {
		return fmt.Errorf("%w: organization %s does not sponsor study %s", errs.ErrNotFound, orgID, studyID)
	}
	delete(set, orgID)
	return nil
}

func (s *InMemory) ListSponsors(ctx context.Context, studyID string) ([]Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.studies[studyID]; !ok {
		return nil, fmt.Errorf("%w: study %s", errs.ErrNotFound, studyID)
	}
	var out []Organization
	for orgID := range s.sponsors[studyID] {
		if org, ok := s.orgs[orgID]; ok {
			out = append(out, *org)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StudiesForOrgs returns ids of non-deleted studies sponsored by any of the
// given organizations. It backs coordinator scope resolution.
func (s *InMemory) StudiesForOrgs(ctx context.Context, orgIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]struct{}, len(orgIDs))
	for _, id := range orgIDs {
		want[id] = struct{}{}
	}
	var out []string
	for studyID, set := range s.sponsors {
		st, ok := s.studies[studyID]
		if !ok || st.Deleted {
			continue
		}
		for orgID := range set {
			if _, ok := want[orgID]; ok {
				out = append(out, studyID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func page[T any](all []T, limit, offset int) ([]T, int, error) {
	total := len(all)
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
		return []T{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
