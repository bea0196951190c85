// Package assessment manages the assessment catalog: versioned measurement
// instruments owned by organizations. Revisions of one identifier page in
// reverse-chronological order, newest revision first.
package assessment

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

// Assessment is one revision of an instrument. GUID identifies the revision;
// Identifier plus Revision is unique across the catalog. Version supports
// optimistic locking, Deleted is a logical delete.
type Assessment struct {
	GUID       string    `json:"guid"`
	Identifier string    `json:"identifier"`
	Revision   int       `json:"revision"`
	Title      string    `json:"title,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	OwnerID    string    `json:"ownerId"`
	Version    int64     `json:"version"`
	Deleted    bool      `json:"deleted"`
	CreatedOn  time.Time `json:"createdOn"`
	ModifiedOn time.Time `json:"modifiedOn"`
}

// Service defines assessment catalog operations.
type Service interface {
	Create(ctx context.Context, a Assessment) (Assessment, error)
	Get(ctx context.Context, guid string) (Assessment, error)
	Update(ctx context.Context, a Assessment) (Assessment, error)
	Delete(ctx context.Context, guid string, physical bool) error
	List(ctx context.Context, includeDeleted bool, limit, offset int) ([]Assessment, int, error)
	ListRevisions(ctx context.Context, identifier string, includeDeleted bool, limit, offset int) ([]Assessment, int, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu     sync.RWMutex
	byGUID map[string]*Assessment
	byKey  map[string]string // identifier@revision -> guid
}

// NewInMemory creates an empty catalog.
func NewInMemory() *InMemory {
	return &InMemory{
		byGUID: make(map[string]*Assessment),
		byKey:  make(map[string]string),
	}
}

func revisionKey(identifier string, revision int) string {
	return fmt.Sprintf("%s@%d", identifier, revision)
}

func (s *InMemory) Create(ctx context.Context, in Assessment) (Assessment, error) {
	in.Identifier = strings.TrimSpace(in.Identifier)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.Identifier == "" {
		return Assessment{}, fmt.Errorf("%w: assessment identifier is required", errs.ErrInvalidEntity)
	}
	if in.OwnerID == "" {
		return Assessment{}, fmt.Errorf("%w: assessment owner is required", errs.ErrInvalidEntity)
	}
	if in.Revision <= 0 {
		in.Revision = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := revisionKey(in.Identifier, in.Revision)
	if _, ok := s.byKey[key]; ok {
		return Assessment{}, fmt.Errorf("%w: assessment %s revision %d", errs.ErrAlreadyExists, in.Identifier, in.Revision)
	}
	now := time.Now().UTC()
	in.GUID = ids.New()
	in.Version = 1
	in.Deleted = false
	in.CreatedOn = now
	in.ModifiedOn = now
	rec := in
	s.byGUID[rec.GUID] = &rec
	s.byKey[key] = rec.GUID
	return rec, nil
}

func (s *InMemory) Get(ctx context.Context, guid string) (Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byGUID[guid]
	if !ok {
		return Assessment{}, fmt.Errorf("%w: assessment %s", errs.ErrNotFound, guid)
	}
	return *rec, nil
}

// Update rewrites the mutable fields of one revision. Identifier, revision
// and owner are fixed at creation.
func (s *InMemory) Update(ctx context.Context, in Assessment) (Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byGUID[in.GUID]
	if !ok || rec.Deleted {
		return Assessment{}, fmt.Errorf("%w: assessment %s", errs.ErrNotFound, in.GUID)
	}
	if rec.Version != in.Version {
		return Assessment{}, fmt.Errorf("%w: assessment %s has version %d, caller sent %d",
			errs.ErrConstraintViolation, in.GUID, rec.Version, in.Version)
	}
	rec.Title = strings.TrimSpace(in.Title)
	rec.Summary = strings.TrimSpace(in.Summary)
	rec.Version++
	rec.ModifiedOn = time.Now().UTC()
	return *rec, nil
}

func (s *InMemory) Delete(ctx context.Context, guid string, physical bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byGUID[guid]
	if !ok {
		return fmt.Errorf("%w: assessment %s", errs.ErrNotFound, guid)
	}
	if physical {
		delete(s.byGUID, guid)
		delete(s.byKey, revisionKey(rec.Identifier, rec.Revision))
		return nil
	}
	if rec.Deleted {
		return fmt.Errorf("%w: assessment %s", errs.ErrNotFound, guid)
	}
	rec.Deleted = true
	rec.Version++
	rec.ModifiedOn = time.Now().UTC()
	return nil
}

// List returns the newest revision of each identifier, newest-created first.
func (s *InMemory) List(ctx context.Context, includeDeleted bool, limit, offset int) ([]Assessment, int, error) {
	s.mu.RLock()
	latest := map[string]*Assessment{}
	for _, rec := range s.byGUID {
		if rec.Deleted && !includeDeleted {
			continue
		}
		if cur, ok := latest[rec.Identifier]; !ok || rec.Revision > cur.Revision {
			latest[rec.Identifier] = rec
		}
	}
	out := make([]Assessment, 0, len(latest))
	for _, rec := range latest {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedOn.Equal(out[j].CreatedOn) {
			return out[i].CreatedOn.After(out[j].CreatedOn)
		}
		return out[i].GUID > out[j].GUID
	})
	return page(out, limit, offset)
}

// ListRevisions pages one identifier's revisions, highest revision first.
func (s *InMemory) ListRevisions(ctx context.Context, identifier string, includeDeleted bool, limit, offset int) ([]Assessment, int, error) {
	s.mu.RLock()
	var out []Assessment
	for _, rec := range s.byGUID {
		if rec.Identifier != identifier {
			continue
		}
		if rec.Deleted && !includeDeleted {
			continue
		}
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	if len(out) == 0 {
		return nil, 0, fmt.Errorf("%w: assessment %s", errs.ErrNotFound, identifier)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision > out[j].Revision })
	return page(out, limit, offset)
}

func page(all []Assessment, limit, offset int) ([]Assessment, int, error) {
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
		return []Assessment{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
