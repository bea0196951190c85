package pg

import (
	"context"
	"fmt"
	"strings"

	"studykit.org/internal/account"
)

// Search compiles the declarative filter into one SQL query. The predicates
// mirror the in-memory engine: test_user exclusion, enrollment standing via
// EXISTS subqueries, createdOn-descending order with id as tiebreak.
func (s *Store) Search(ctx context.Context, params account.RequestParams) (account.SummaryList, error) {
	params, err := params.Normalize()
	if err != nil {
		return account.SummaryList{}, err
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !params.IncludeTestAccounts && !containsString(params.AllOfGroups, account.TestUserGroup) {
		where = append(where, fmt.Sprintf(`not (a.data_groups @> %s)`, arg(toJSON([]string{account.TestUserGroup}))))
	}
	if params.EmailFilter != "" {
		where = append(where, fmt.Sprintf(`lower(a.email) like '%%'||%s||'%%'`, arg(escapeLike(params.EmailFilter))))
	}
	if params.PhoneFilter != "" {
		where = append(where, fmt.Sprintf(`a.phone like '%%'||%s||'%%'`, arg(escapeLike(params.PhoneFilter))))
	}
	if params.Language != "" {
		where = append(where, fmt.Sprintf(`a.languages @> %s`, arg(toJSON([]string{params.Language}))))
	}
	if len(params.AllOfGroups) > 0 {
		where = append(where, fmt.Sprintf(`a.data_groups @> %s`, arg(toJSON(params.AllOfGroups))))
	}
	for _, g := range params.NoneOfGroups {
		where = append(where, fmt.Sprintf(`not (a.data_groups @> %s)`, arg(toJSON([]string{g}))))
	}
	if params.AdminOnly != nil {
		if *params.AdminOnly {
			where = append(where, `jsonb_array_length(a.roles) > 0`)
		} else {
			where = append(where, `jsonb_array_length(a.roles) = 0`)
		}
	}
	if params.OrgMembership != "" {
		if params.OrgMembership == account.OrgMembershipNone {
			where = append(where, `a.org_membership = ''`)
		} else {
			where = append(where, fmt.Sprintf(`a.org_membership = %s`, arg(params.OrgMembership)))
		}
	}
	if params.Status != "" {
		where = append(where, fmt.Sprintf(`a.status = %s`, arg(params.Status)))
	}

	if params.EnrolledInStudyID != "" {
		study := arg(params.EnrolledInStudyID)
		switch params.EnrollmentFilter {
		case account.EnrollmentFilterEnrolled:
			where = append(where, fmt.Sprintf(
				`exists (select 1 from enrollments e where e.account_id=a.id and e.study_id=%s and e.withdrawn_on is null)`, study))
		case account.EnrollmentFilterWithdrawn:
			where = append(where, fmt.Sprintf(
				`exists (select 1 from enrollments e where e.account_id=a.id and e.study_id=%s and e.withdrawn_on is not null)`, study))
			where = append(where, fmt.Sprintf(
				`not exists (select 1 from enrollments e where e.account_id=a.id and e.study_id=%s and e.withdrawn_on is null)`, study))
		default:
			where = append(where, fmt.Sprintf(
				`exists (select 1 from enrollments e where e.account_id=a.id and e.study_id=%s)`, study))
		}
		if params.ExternalIDFilter != "" {
			where = append(where, fmt.Sprintf(
				`exists (select 1 from enrollments e where e.account_id=a.id and e.study_id=%s and e.external_id like %s||'%%')`,
				study, arg(escapeLike(params.ExternalIDFilter))))
		}
	} else if params.ExternalIDFilter != "" {
		where = append(where, fmt.Sprintf(
			`exists (select 1 from enrollments e where e.account_id=a.id and e.external_id like %s||'%%')`,
			arg(escapeLike(params.ExternalIDFilter))))
	}

	query := `select a.id, a.email, a.phone, a.first_name, a.last_name, a.roles,
		a.org_membership, a.data_groups, a.attributes, a.status, a.created_on,
		count(*) over() as total
	from accounts a`
	if len(where) > 0 {
		query += "\n\twhere " + strings.Join(where, "\n\t  and ")
	}
	query += fmt.Sprintf("\n\torder by a.created_on desc, a.id desc\n\tlimit %s offset %s",
		arg(params.PageSize), arg(params.OffsetBy))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return account.SummaryList{}, err
	}
	defer rows.Close()

	items := []account.AccountSummary{}
	total := 0
	for rows.Next() {
		var (
			sum    account.AccountSummary
			roles  []byte
			groups []byte
			attrs  []byte
		)
		if err := rows.Scan(&sum.ID, &sum.Email, &sum.Phone, &sum.FirstName, &sum.LastName,
			&roles, &sum.OrgMembership, &groups, &attrs, &sum.Status, &sum.CreatedOn, &total); err != nil {
			return account.SummaryList{}, err
		}
		sum.Roles = fromJSONSlice(roles)
		sum.DataGroups = fromJSONSlice(groups)
		if attrs != nil {
			sum.Attributes = fromJSONMap(attrs)
		}
		extIDs, err := s.ExternalIDs(ctx, sum.ID)
		if err != nil {
			return account.SummaryList{}, err
		}
		if len(extIDs) > 0 {
			sum.ExternalIDs = extIDs
		}
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return account.SummaryList{}, err
	}
	if len(items) == 0 {
		// The window total is lost when the page is empty; count separately.
		countQuery := `select count(*) from accounts a`
		if len(where) > 0 {
			countQuery += "\n\twhere " + strings.Join(where, "\n\t  and ")
		}
		if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
			return account.SummaryList{}, err
		}
	}
	return account.SummaryList{Items: items, Total: total, RequestParams: params}, nil
}

func containsString(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
