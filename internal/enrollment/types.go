package enrollment

import (
	"fmt"
	"time"

	"studykit.org/internal/errs"
)

// Enrollment is one cycle of an account's association with a study. Withdrawal
// marks the record rather than deleting it; a later re-enrollment appends a
// fresh record so the withdrawal stays visible to audit queries.
type Enrollment struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"accountId"`
	StudyID         string     `json:"studyId"`
	ExternalID      string     `json:"externalId,omitempty"`
	ConsentRequired bool       `json:"consentRequired"`
	EnrolledOn      time.Time  `json:"enrolledOn"`
	EnrolledBy      string     `json:"enrolledBy,omitempty"`
	WithdrawnOn     *time.Time `json:"withdrawnOn,omitempty"`
	WithdrawnBy     string     `json:"withdrawnBy,omitempty"`
	WithdrawalNote  string     `json:"withdrawalNote,omitempty"`
}

// Withdrawn reports whether the record is a closed cycle.
func (e Enrollment) Withdrawn() bool { return e.WithdrawnOn != nil }

// ExternalIdentifier is a study-scoped alternate key for an account. The
// identifier is unique within its study's namespace and binds to at most one
// account at a time.
type ExternalIdentifier struct {
	Identifier        string    `json:"identifier"`
	StudyID           string    `json:"studyId"`
	AssignedAccountID string    `json:"assignedAccountId,omitempty"`
	CreatedOn         time.Time `json:"createdOn"`
}

// Status filter values for study enrollment listings.
const (
	FilterEnrolled  = "enrolled"
	FilterWithdrawn = "withdrawn"
	FilterAll       = "all"
)

// ErrAlreadyEnrolled is returned when an account with an active enrollment in
// a study is enrolled again through any path. The message is part of the API
// contract and must not change.
var ErrAlreadyEnrolled = fmt.Errorf("%w: Account already associated to study.", errs.ErrConstraintViolation)
