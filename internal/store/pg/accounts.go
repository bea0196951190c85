package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"studykit.org/internal/account"
	"studykit.org/internal/auth"
	"studykit.org/internal/errs"
	"studykit.org/internal/ids"
)

const accountColumns = `id, email, phone, first_name, last_name, roles, org_membership,
	data_groups, languages, attributes, status, password_hash, created_on, modified_on`

func scanAccount(row interface{ Scan(...any) error }) (account.Account, error) {
	var (
		acct   account.Account
		roles  []byte
		groups []byte
		langs  []byte
		attrs  []byte
	)
	err := row.Scan(&acct.ID, &acct.Email, &acct.Phone, &acct.FirstName, &acct.LastName,
		&roles, &acct.OrgMembership, &groups, &langs, &attrs, &acct.Status,
		&acct.PasswordHash, &acct.CreatedOn, &acct.ModifiedOn)
	if err != nil {
		return account.Account{}, err
	}
	acct.Roles = fromJSONSlice(roles)
	acct.DataGroups = fromJSONSlice(groups)
	acct.Languages = fromJSONSlice(langs)
	if attrs != nil {
		acct.Attributes = fromJSONMap(attrs)
	}
	return acct, nil
}

func (s *Store) SignUp(ctx context.Context, in account.Account, password string) (account.Account, error) {
	norm := account.Merge(account.Account{}, in)
	if (norm.Email == "") == (norm.Phone == "") {
		return account.Account{}, fmt.Errorf("%w: exactly one of email or phone is required", errs.ErrInvalidEntity)
	}
	if len(password) < 8 {
		return account.Account{}, fmt.Errorf("%w: password must be at least 8 characters", errs.ErrInvalidEntity)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return account.Account{}, err
	}

	if existing, err := s.findByIdentifier(ctx, norm.Email, norm.Phone); err == nil {
		return existing, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return account.Account{}, err
	}

	now := time.Now().UTC()
	acct := account.Account{
		ID:         ids.New(),
		Email:      norm.Email,
		Phone:      norm.Phone,
		FirstName:  norm.FirstName,
		LastName:   norm.LastName,
		DataGroups: norm.DataGroups,
		Languages:  norm.Languages,
		Attributes: norm.Attributes,
		Status:     account.StatusEnabled,
		CreatedOn:  now,
		ModifiedOn: now,
	}
	_, err = s.db.ExecContext(ctx, `
		insert into accounts(id, email, phone, first_name, last_name, roles, org_membership,
			data_groups, languages, attributes, status, password_hash, created_on, modified_on)
		values ($1,$2,$3,$4,$5,'[]',$6,$7,$8,$9,$10,$11,$12,$13)
	`, acct.ID, acct.Email, acct.Phone, acct.FirstName, acct.LastName, "",
		toJSON(acct.DataGroups), toJSON(acct.Languages), attributesArg(acct.Attributes),
		acct.Status, hash, acct.CreatedOn, acct.ModifiedOn)
	if isUniqueViolation(err) {
		// Lost a race against a concurrent sign-up with the same identifier.
		return s.findByIdentifier(ctx, acct.Email, acct.Phone)
	}
	if err != nil {
		return account.Account{}, err
	}
	acct.PasswordHash = hash
	return acct, nil
}

func (s *Store) findByIdentifier(ctx context.Context, email, phone string) (account.Account, error) {
	var row *sql.Row
	switch {
	case email != "":
		row = s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where email=$1`, email)
	case phone != "":
		row = s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where phone=$1`, phone)
	default:
		return account.Account{}, fmt.Errorf("%w: account", errs.ErrNotFound)
	}
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fmt.Errorf("%w: account", errs.ErrNotFound)
	}
	return acct, err
}

func (s *Store) SignIn(ctx context.Context, email, password string) (account.Account, error) {
	acct, err := s.GetByEmail(ctx, email)
	if err != nil {
		return account.Account{}, fmt.Errorf("%w: bad credentials", errs.ErrUnauthorized)
	}
	if err := auth.VerifyPassword(acct.PasswordHash, password); err != nil {
		return account.Account{}, fmt.Errorf("%w: bad credentials", errs.ErrUnauthorized)
	}
	if acct.Status == account.StatusDisabled {
		return account.Account{}, fmt.Errorf("%w: account is disabled", errs.ErrUnauthorized)
	}
	return acct, nil
}

func (s *Store) Get(ctx context.Context, id string) (account.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	return acct, err
}

func (s *Store) GetByEmail(ctx context.Context, email string) (account.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email=$1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fmt.Errorf("%w: account with email %s", errs.ErrNotFound, email)
	}
	return acct, err
}

func (s *Store) Update(ctx context.Context, in account.Account) (account.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return account.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := scanAccount(tx.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1 for update`, in.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fmt.Errorf("%w: account %s", errs.ErrNotFound, in.ID)
	}
	if err != nil {
		return account.Account{}, err
	}

	merged := account.Merge(stored, in)
	merged.ModifiedOn = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		update accounts set email=$2, phone=$3, first_name=$4, last_name=$5,
			data_groups=$6, languages=$7, attributes=$8, modified_on=$9
		where id=$1
	`, merged.ID, merged.Email, merged.Phone, merged.FirstName, merged.LastName,
		toJSON(merged.DataGroups), toJSON(merged.Languages), attributesArg(merged.Attributes),
		merged.ModifiedOn)
	if isUniqueViolation(err) {
		return account.Account{}, fmt.Errorf("%w: email or phone already registered", errs.ErrConstraintViolation)
	}
	if err != nil {
		return account.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return account.Account{}, err
	}
	return merged, nil
}

func (s *Store) SetRoles(ctx context.Context, id string, roles []string) (account.Account, error) {
	normalized := auth.NormalizeRoles(roles)
	for _, role := range normalized {
		switch role {
		case auth.RoleDeveloper, auth.RoleResearcher, auth.RoleStudyCoordinator, auth.RoleWorker, auth.RoleAdmin:
		default:
			return account.Account{}, fmt.Errorf("%w: unknown role %q", errs.ErrInvalidEntity, role)
		}
	}
	return s.updateAdminField(ctx, id, `roles=$2`, toJSON(normalized))
}

func (s *Store) SetOrgMembership(ctx context.Context, id, orgID string) (account.Account, error) {
	return s.updateAdminField(ctx, id, `org_membership=$2`, strings.TrimSpace(orgID))
}

func (s *Store) SetStatus(ctx context.Context, id, status string) (account.Account, error) {
	if status != account.StatusEnabled && status != account.StatusDisabled {
		return account.Account{}, fmt.Errorf("%w: unknown status %q", errs.ErrInvalidEntity, status)
	}
	return s.updateAdminField(ctx, id, `status=$2`, status)
}

func (s *Store) updateAdminField(ctx context.Context, id, assignment string, value any) (account.Account, error) {
	res, err := s.db.ExecContext(ctx,
		`update accounts set `+assignment+`, modified_on=now() where id=$1`, id, value)
	if err != nil {
		return account.Account{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.Account{}, fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from accounts where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	return nil
}

func attributesArg(attrs map[string]string) any {
	if attrs == nil {
		return nil
	}
	return toJSON(attrs)
}
