package account

import (
	"context"
	"time"
)

// Account statuses.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// TestUserGroup marks accounts created by integration tests. Search excludes
// them unless the caller asks for the group explicitly.
const TestUserGroup = "test_user"

// Account is a person known to the platform. Email and phone are each
// immutable once set: an update carrying a different value for one that is
// already set is silently ignored, while a missing one may still be added
// once. Exactly one of the two must be present at creation.
type Account struct {
	ID            string            `json:"id"`
	Email         string            `json:"email,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	FirstName     string            `json:"firstName,omitempty"`
	LastName      string            `json:"lastName,omitempty"`
	Roles         []string          `json:"roles,omitempty"`
	OrgMembership string            `json:"orgMembership,omitempty"`
	DataGroups    []string          `json:"dataGroups,omitempty"`
	Languages     []string          `json:"languages,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Status        string            `json:"status"`
	CreatedOn     time.Time         `json:"createdOn"`
	ModifiedOn    time.Time         `json:"modifiedOn"`

	// PasswordHash never leaves the service.
	PasswordHash string `json:"-"`
}

// AccountSummary is the search projection of an account. ExternalIDs maps
// study id to the identifier recorded for that study, including identifiers
// on withdrawn enrollment records.
type AccountSummary struct {
	ID            string            `json:"id"`
	Email         string            `json:"email,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	FirstName     string            `json:"firstName,omitempty"`
	LastName      string            `json:"lastName,omitempty"`
	Roles         []string          `json:"roles,omitempty"`
	OrgMembership string            `json:"orgMembership,omitempty"`
	DataGroups    []string          `json:"dataGroups,omitempty"`
	ExternalIDs   map[string]string `json:"externalIds,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Status        string            `json:"status"`
	CreatedOn     time.Time         `json:"createdOn"`
}

// RosterEntry is one account's enrollment standing within a study.
type RosterEntry struct {
	Active     bool
	Withdrawn  bool
	ExternalID string
}

// EnrollmentSource supplies the enrollment facts search predicates need. The
// enrollment service implements it; the indirection keeps account from
// importing enrollment.
type EnrollmentSource interface {
	// StudyRoster maps account id to standing for one study.
	StudyRoster(ctx context.Context, studyID string) (map[string]RosterEntry, error)
	// ExternalIDs maps study id to the identifier recorded for the account,
	// including identifiers left on withdrawn records.
	ExternalIDs(ctx context.Context, accountID string) (map[string]string, error)
}
