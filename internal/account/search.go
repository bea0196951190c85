package account

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"studykit.org/internal/errs"
)

// Enrollment filter values accepted by search.
const (
	EnrollmentFilterEnrolled  = "enrolled"
	EnrollmentFilterWithdrawn = "withdrawn"
	EnrollmentFilterAll       = "all"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// OrgMembershipNone selects accounts that belong to no organization.
const OrgMembershipNone = "<none>"

// RequestParams is the declarative search filter. The normalized form is
// echoed back with the results so a caller can verify what was applied.
type RequestParams struct {
	PageSize          int      `json:"pageSize"`
	OffsetBy          int      `json:"offsetBy"`
	EmailFilter       string   `json:"emailFilter,omitempty"`
	PhoneFilter       string   `json:"phoneFilter,omitempty"`
	ExternalIDFilter  string   `json:"externalIdFilter,omitempty"`
	AllOfGroups       []string `json:"allOfGroups,omitempty"`
	NoneOfGroups      []string `json:"noneOfGroups,omitempty"`
	Language          string   `json:"language,omitempty"`
	AdminOnly         *bool    `json:"adminOnly,omitempty"`
	OrgMembership     string   `json:"orgMembership,omitempty"`
	EnrolledInStudyID string   `json:"enrolledInStudyId,omitempty"`
	EnrollmentFilter  string   `json:"enrollmentFilter,omitempty"`
	Status            string   `json:"status,omitempty"`

	// IncludeTestAccounts lifts the default test_user exclusion without
	// restricting the result to test accounts.
	IncludeTestAccounts bool `json:"includeTestAccounts,omitempty"`
}

// SummaryList is one page of search results plus the effective parameters.
type SummaryList struct {
	Items         []AccountSummary `json:"items"`
	Total         int              `json:"total"`
	RequestParams RequestParams    `json:"requestParams"`
}

// Normalize defaults and clamps the parameters, returning the effective form.
// It rejects contradictory or unknown filter values.
func (p RequestParams) Normalize() (RequestParams, error) {
	out := p
	if out.PageSize <= 0 {
		out.PageSize = defaultPageSize
	}
	if out.PageSize > maxPageSize {
		out.PageSize = maxPageSize
	}
	if out.OffsetBy < 0 {
		out.OffsetBy = 0
	}
	out.EmailFilter = strings.ToLower(strings.TrimSpace(out.EmailFilter))
	out.PhoneFilter = strings.TrimSpace(out.PhoneFilter)
	out.ExternalIDFilter = strings.TrimSpace(out.ExternalIDFilter)
	out.Language = strings.TrimSpace(out.Language)
	out.OrgMembership = strings.TrimSpace(out.OrgMembership)
	out.EnrolledInStudyID = strings.TrimSpace(out.EnrolledInStudyID)
	out.AllOfGroups = dedupeStrings(out.AllOfGroups)
	out.NoneOfGroups = dedupeStrings(out.NoneOfGroups)

	none := make(map[string]struct{}, len(out.NoneOfGroups))
	for _, g := range out.NoneOfGroups {
		none[g] = struct{}{}
	}
	for _, g := range out.AllOfGroups {
		if _, ok := none[g]; ok {
			return RequestParams{}, fmt.Errorf("%w: data group %q in both allOfGroups and noneOfGroups", errs.ErrInvalidEntity, g)
		}
	}

	out.EnrollmentFilter = strings.ToLower(strings.TrimSpace(out.EnrollmentFilter))
	switch out.EnrollmentFilter {
	case "":
		if out.EnrolledInStudyID != "" {
			out.EnrollmentFilter = EnrollmentFilterEnrolled
		}
	case EnrollmentFilterEnrolled, EnrollmentFilterWithdrawn, EnrollmentFilterAll:
	default:
		return RequestParams{}, fmt.Errorf("%w: unknown enrollmentFilter %q", errs.ErrInvalidEntity, out.EnrollmentFilter)
	}
	if out.EnrollmentFilter != "" && out.EnrolledInStudyID == "" {
		return RequestParams{}, fmt.Errorf("%w: enrollmentFilter requires enrolledInStudyId", errs.ErrInvalidEntity)
	}

	out.Status = strings.ToLower(strings.TrimSpace(out.Status))
	switch out.Status {
	case "", StatusEnabled, StatusDisabled:
	default:
		return RequestParams{}, fmt.Errorf("%w: unknown status %q", errs.ErrInvalidEntity, out.Status)
	}
	return out, nil
}

// Search evaluates the filter against every account, newest-created first.
// Accounts tagged test_user are excluded unless includeTestAccounts is set;
// asking for the group via allOfGroups implies it.
func (s *InMemory) Search(ctx context.Context, params RequestParams) (SummaryList, error) {
	params, err := params.Normalize()
	if err != nil {
		return SummaryList{}, err
	}

	s.mu.RLock()
	candidates := make([]Account, 0, len(s.accts))
	for _, acct := range s.accts {
		candidates = append(candidates, *acct)
	}
	src := s.enrollments
	s.mu.RUnlock()

	var roster map[string]RosterEntry
	if params.EnrolledInStudyID != "" {
		if src == nil {
			return SummaryList{}, fmt.Errorf("enrollment source not configured")
		}
		roster, err = src.StudyRoster(ctx, params.EnrolledInStudyID)
		if err != nil {
			return SummaryList{}, err
		}
	}

	var matched []Account
	for _, acct := range candidates {
		ok, err := matches(ctx, acct, params, roster, src)
		if err != nil {
			return SummaryList{}, err
		}
		if ok {
			matched = append(matched, acct)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedOn.Equal(matched[j].CreatedOn) {
			return matched[i].CreatedOn.After(matched[j].CreatedOn)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	items := []AccountSummary{}
	if params.OffsetBy < total {
		end := params.OffsetBy + params.PageSize
		if end > total {
			end = total
		}
		for _, acct := range matched[params.OffsetBy:end] {
			summary := summarize(acct)
			if src != nil {
				extIDs, err := src.ExternalIDs(ctx, acct.ID)
				if err != nil {
					return SummaryList{}, err
				}
				if len(extIDs) > 0 {
					summary.ExternalIDs = extIDs
				}
			}
			items = append(items, summary)
		}
	}
	return SummaryList{Items: items, Total: total, RequestParams: params}, nil
}

func matches(ctx context.Context, acct Account, params RequestParams, roster map[string]RosterEntry, src EnrollmentSource) (bool, error) {
	if hasGroup(acct.DataGroups, TestUserGroup) && !params.IncludeTestAccounts && !contains(params.AllOfGroups, TestUserGroup) {
		return false, nil
	}
	if params.EmailFilter != "" && !strings.Contains(strings.ToLower(acct.Email), params.EmailFilter) {
		return false, nil
	}
	if params.PhoneFilter != "" && !strings.Contains(acct.Phone, params.PhoneFilter) {
		return false, nil
	}
	if params.Language != "" && !contains(acct.Languages, params.Language) {
		return false, nil
	}
	for _, g := range params.AllOfGroups {
		if !hasGroup(acct.DataGroups, g) {
			return false, nil
		}
	}
	for _, g := range params.NoneOfGroups {
		if hasGroup(acct.DataGroups, g) {
			return false, nil
		}
	}
	if params.AdminOnly != nil {
		if *params.AdminOnly != (len(acct.Roles) > 0) {
			return false, nil
		}
	}
	if params.OrgMembership != "" {
		if params.OrgMembership == OrgMembershipNone {
			if acct.OrgMembership != "" {
				return false, nil
			}
		} else if acct.OrgMembership != params.OrgMembership {
			return false, nil
		}
	}
	if params.Status != "" && acct.Status != params.Status {
		return false, nil
	}

	var entry RosterEntry
	if roster != nil {
		var ok bool
		entry, ok = roster[acct.ID]
		if !ok {
			return false, nil
		}
		switch params.EnrollmentFilter {
		case EnrollmentFilterEnrolled:
			if !entry.Active {
				return false, nil
			}
		case EnrollmentFilterWithdrawn:
			if entry.Active || !entry.Withdrawn {
				return false, nil
			}
		}
	}

	if params.ExternalIDFilter != "" {
		if roster != nil {
			return strings.HasPrefix(entry.ExternalID, params.ExternalIDFilter), nil
		}
		if src == nil {
			return false, nil
		}
		extIDs, err := src.ExternalIDs(ctx, acct.ID)
		if err != nil {
			return false, err
		}
		for _, id := range extIDs {
			if strings.HasPrefix(id, params.ExternalIDFilter) {
				return true, nil
			}
		}
		return false, nil
	}
	return true, nil
}

func summarize(acct Account) AccountSummary {
	return AccountSummary{
		ID:            acct.ID,
		Email:         acct.Email,
		Phone:         acct.Phone,
		FirstName:     acct.FirstName,
		LastName:      acct.LastName,
		Roles:         acct.Roles,
		OrgMembership: acct.OrgMembership,
		DataGroups:    acct.DataGroups,
		Attributes:    acct.Attributes,
		Status:        acct.Status,
		CreatedOn:     acct.CreatedOn,
	}
}

func hasGroup(groups []string, g string) bool { return contains(groups, g) }

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
