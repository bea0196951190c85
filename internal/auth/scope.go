package auth

import (
	"context"
	"fmt"

	"studykit.org/internal/errs"
)

// SponsorSource reports which studies are sponsored by a set of organizations.
// The study service implements it.
type SponsorSource interface {
	StudiesForOrgs(ctx context.Context, orgIDs []string) ([]string, error)
}

// Scope describes the set of studies a caller may act on. All trumps the
// explicit list.
type Scope struct {
	All      bool
	StudyIDs map[string]struct{}
}

// Allows reports whether the scope covers the given study.
func (s Scope) Allows(studyID string) bool {
	if s.All {
		return true
	}
	_, ok := s.StudyIDs[studyID]
	return ok
}

// Resolver turns an authenticated caller into a study scope.
type Resolver struct {
	sponsors SponsorSource
}

// NewResolver wires a resolver to a sponsor source.
func NewResolver(sponsors SponsorSource) *Resolver {
	return &Resolver{sponsors: sponsors}
}

// Resolve computes the caller's study scope. Admins, developers, researchers
// and workers see every study. Study coordinators see only studies sponsored
// by an organization they belong to. Callers with no roles get an empty scope;
// operations behind a scope check surface not-found for them so unauthorized
// probing cannot confirm a study exists.
func (r *Resolver) Resolve(ctx context.Context, caller Caller) (Scope, error) {
	if caller.HasAnyRole(RoleAdmin, RoleDeveloper, RoleResearcher, RoleWorker) {
		return Scope{All: true}, nil
	}
	if !caller.HasRole(RoleStudyCoordinator) {
		return Scope{}, nil
	}
	if len(caller.OrgIDs) == 0 {
		return Scope{StudyIDs: map[string]struct{}{}}, nil
	}
	studyIDs, err := r.sponsors.StudiesForOrgs(ctx, caller.OrgIDs)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve sponsored studies: %w", err)
	}
	scope := Scope{StudyIDs: make(map[string]struct{}, len(studyIDs))}
	for _, id := range studyIDs {
		scope.StudyIDs[id] = struct{}{}
	}
	return scope, nil
}

// Authorize resolves the caller's scope and checks it against a study. A
// privileged caller outside scope gets ErrUnauthorized; an unprivileged caller
// gets ErrNotFound so the study's existence is not disclosed.
func (r *Resolver) Authorize(ctx context.Context, caller Caller, studyID string) error {
	scope, err := r.Resolve(ctx, caller)
	if err != nil {
		return err
	}
	if scope.Allows(studyID) {
		return nil
	}
	if caller.Privileged() {
		return fmt.Errorf("%w: caller has no access to study %s", errs.ErrUnauthorized, studyID)
	}
	return fmt.Errorf("%w: study %s", errs.ErrNotFound, studyID)
}
