package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"studykit.org/internal/errs"
	"studykit.org/internal/ids"
	"studykit.org/internal/study"
)

const studyColumns = `id, name, details, phase, version, deleted, created_on, modified_on`

func scanStudy(row interface{ Scan(...any) error }) (study.Study, error) {
	var st study.Study
	err := row.Scan(&st.ID, &st.Name, &st.Details, &st.Phase, &st.Version, &st.Deleted,
		&st.CreatedOn, &st.ModifiedOn)
	return st, err
}

func (s *Store) CreateStudy(ctx context.Context, in study.Study) (study.Study, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return study.Study{}, fmt.Errorf("%w: study name is required", errs.ErrInvalidEntity)
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		in.ID = ids.New()
	} else if !study.ValidIdentifier(strings.ToLower(in.ID)) {
		return study.Study{}, fmt.Errorf("%w: study id must be lower-case alphanumeric", errs.ErrInvalidEntity)
	}

	now := time.Now().UTC()
	in.Version = 1
	in.Deleted = false
	in.CreatedOn = now
	in.ModifiedOn = now
	_, err := s.db.ExecContext(ctx, `
		insert into studies(id, name, details, phase, version, deleted, created_on, modified_on)
		values ($1,$2,$3,$4,$5,false,$6,$7)
	`, in.ID, in.Name, in.Details, in.Phase, in.Version, in.CreatedOn, in.ModifiedOn)
	if isUniqueViolation(err) {
		return study.Study{}, fmt.Errorf("%w: study %s", errs.ErrAlreadyExists, in.ID)
	}
	if err != nil {
		return study.Study{}, err
	}
	return in, nil
}

func (s *Store) GetStudy(ctx context.Context, id string) (study.Study, error) {
	st, err := scanStudy(s.db.QueryRowContext(ctx,
		`select `+studyColumns+` from studies where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return study.Study{}, fmt.Errorf("%w: study %s", errs.ErrNotFound, id)
	}
	return st, err
}

func (s *Store) UpdateStudy(ctx context.Context, in study.Study) (study.Study, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return study.Study{}, fmt.Errorf("%w: study name is required", errs.ErrInvalidEntity)
	}

	st, err := scanStudy(s.db.QueryRowContext(ctx, `
		update studies set name=$3, details=$4, phase=$5, version=version+1, modified_on=now()
		where id=$1 and version=$2 and deleted=false
		returning `+studyColumns,
		in.ID, in.Version, in.Name, in.Details, in.Phase))
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a stale version from a missing or deleted study.
		current, getErr := s.GetStudy(ctx, in.ID)
		if getErr != nil || current.Deleted {
			return study.Study{}, fmt.Errorf("%w: study %s", errs.ErrNotFound, in.ID)
		}
		return study.Study{}, fmt.Errorf("%w: study %s has version %d, caller sent %d",
			errs.ErrConstraintViolation, in.ID, current.Version, in.Version)
	}
	return st, err
}

func (s *Store) DeleteStudy(ctx context.Context, id string, physical bool) error {
	if physical {
		res, err := s.db.ExecContext(ctx, `delete from studies where id=$1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: study %s", errs.ErrNotFound, id)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		update studies set deleted=true, version=version+1, modified_on=now()
		where id=$1 and deleted=false
	`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: study %s", errs.ErrNotFound, id)
	}
	return nil
}

func (s *Store) ListStudies(ctx context.Context, includeDeleted bool, limit, offset int) ([]study.Study, int, error) {
	limit, offset = clampPage(limit, offset)
	cond := ""
	if !includeDeleted {
		cond = ` where deleted=false`
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from studies`+cond).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+studyColumns+` from studies`+cond+`
		order by created_on asc, id asc
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []study.Study{}
	for rows.Next() {
		st, err := scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, st)
	}
	return out, total, rows.Err()
}

func (s *Store) CreateOrganization(ctx context.Context, in study.Organization) (study.Organization, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return study.Organization{}, fmt.Errorf("%w: organization name is required", errs.ErrInvalidEntity)
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		in.ID = ids.New()
	} else if !study.ValidIdentifier(strings.ToLower(in.ID)) {
		return study.Organization{}, fmt.Errorf("%w: organization id must be lower-case alphanumeric", errs.ErrInvalidEntity)
	}

	now := time.Now().UTC()
	in.CreatedOn = now
	in.ModifiedOn = now
	_, err := s.db.ExecContext(ctx, `
		insert into organizations(id, name, description, created_on, modified_on)
		values ($1,$2,$3,$4,$5)
	`, in.ID, in.Name, in.Description, in.CreatedOn, in.ModifiedOn)
	if isUniqueViolation(err) {
		return study.Organization{}, fmt.Errorf("%w: organization %s", errs.ErrAlreadyExists, in.ID)
	}
	if err != nil {
		return study.Organization{}, err
	}
	return in, nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (study.Organization, error) {
	var org study.Organization
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, created_on, modified_on from organizations where id=$1
	`, id).Scan(&org.ID, &org.Name, &org.Description, &org.CreatedOn, &org.ModifiedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return study.Organization{}, fmt.Errorf("%w: organization %s", errs.ErrNotFound, id)
	}
	return org, err
}

func (s *Store) ListOrganizations(ctx context.Context, limit, offset int) ([]study.Organization, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from organizations`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_on, modified_on from organizations
		order by created_on asc, id asc
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []study.Organization{}
	for rows.Next() {
		var org study.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Description, &org.CreatedOn, &org.ModifiedOn); err != nil {
			return nil, 0, err
		}
		out = append(out, org)
	}
	return out, total, rows.Err()
}

func (s *Store) AddSponsor(ctx context.Context, studyID, orgID string) error {
	st, err := s.GetStudy(ctx, studyID)
	if err != nil || st.Deleted {
		return fmt.Errorf("%w: study %s", errs.ErrNotFound, studyID)
	}
	if _, err := s.GetOrganization(ctx, orgID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sponsors(study_id, org_id) values ($1,$2)
	`, studyID, orgID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: organization %s already sponsors study %s", errs.ErrAlreadyExists, orgID, studyID)
	}
	return err
}

func (s *Store) RemoveSponsor(ctx context.Context, studyID, orgID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from sponsors where study_id=$1 and org_id=$2
	`, studyID, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: organization %s does not sponsor study %s", errs.ErrNotFound, orgID, studyID)
	}
	return nil
}

func (s *Store) ListSponsors(ctx context.Context, studyID string) ([]study.Organization, error) {
	if _, err := s.GetStudy(ctx, studyID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select o.id, o.name, o.description, o.created_on, o.modified_on
		from sponsors sp join organizations o on o.id = sp.org_id
		where sp.study_id=$1
		order by o.id asc
	`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []study.Organization
	for rows.Next() {
		var org study.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Description, &org.CreatedOn, &org.ModifiedOn); err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (s *Store) StudiesForOrgs(ctx context.Context, orgIDs []string) ([]string, error) {
	if len(orgIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct sp.study_id
		from sponsors sp join studies st on st.id = sp.study_id
		where st.deleted=false and sp.org_id = any($1)
		order by sp.study_id asc
	`, orgIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
