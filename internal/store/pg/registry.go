package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"studykit.org/internal/enrollment"
	"studykit.org/internal/errs"
)

func (s *Store) CreateExternalID(ctx context.Context, identifier, studyID string) (enrollment.ExternalIdentifier, error) {
	identifier = strings.TrimSpace(identifier)
	studyID = strings.TrimSpace(studyID)
	if identifier == "" {
		return enrollment.ExternalIdentifier{}, fmt.Errorf("%w: identifier is required", errs.ErrInvalidEntity)
	}
	if studyID == "" {
		return enrollment.ExternalIdentifier{}, fmt.Errorf("%w: external identifier requires a study association", errs.ErrInvalidEntity)
	}

	rec := enrollment.ExternalIdentifier{
		Identifier: identifier,
		StudyID:    studyID,
		CreatedOn:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		insert into external_identifiers(study_id, identifier, assigned_account_id, created_on)
		values ($1,$2,'',$3)
	`, rec.StudyID, rec.Identifier, rec.CreatedOn)
	if isUniqueViolation(err) {
		return enrollment.ExternalIdentifier{}, fmt.Errorf("%w: external identifier %s in study %s",
			errs.ErrAlreadyExists, identifier, studyID)
	}
	if err != nil {
		return enrollment.ExternalIdentifier{}, err
	}
	return rec, nil
}

func (s *Store) GetExternalID(ctx context.Context, studyID, identifier string) (enrollment.ExternalIdentifier, error) {
	var rec enrollment.ExternalIdentifier
	err := s.db.QueryRowContext(ctx, `
		select study_id, identifier, assigned_account_id, created_on
		from external_identifiers where study_id=$1 and identifier=$2
	`, studyID, identifier).Scan(&rec.StudyID, &rec.Identifier, &rec.AssignedAccountID, &rec.CreatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.ExternalIdentifier{}, fmt.Errorf("%w: external identifier %s in study %s",
			errs.ErrNotFound, identifier, studyID)
	}
	return rec, err
}

func (s *Store) ListExternalIDs(ctx context.Context, studyID, idFilter string, limit, offset int) ([]enrollment.ExternalIdentifier, int, error) {
	idFilter = escapeLike(strings.TrimSpace(idFilter))
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from external_identifiers
		where study_id=$1 and identifier like $2||'%'
	`, studyID, idFilter).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select study_id, identifier, assigned_account_id, created_on
		from external_identifiers
		where study_id=$1 and identifier like $2||'%'
		order by identifier asc
		limit $3 offset $4
	`, studyID, idFilter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []enrollment.ExternalIdentifier{}
	for rows.Next() {
		var rec enrollment.ExternalIdentifier
		if err := rows.Scan(&rec.StudyID, &rec.Identifier, &rec.AssignedAccountID, &rec.CreatedOn); err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *Store) DeleteExternalID(ctx context.Context, studyID, identifier string) error {
	var assigned string
	err := s.db.QueryRowContext(ctx, `
		select assigned_account_id from external_identifiers
		where study_id=$1 and identifier=$2
	`, studyID, identifier).Scan(&assigned)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: external identifier %s in study %s", errs.ErrNotFound, identifier, studyID)
	}
	if err != nil {
		return err
	}
	if assigned != "" {
		return fmt.Errorf("%w: external identifier %s is assigned to an account", errs.ErrConstraintViolation, identifier)
	}
	_, err = s.db.ExecContext(ctx, `
		delete from external_identifiers
		where study_id=$1 and identifier=$2 and assigned_account_id=''
	`, studyID, identifier)
	return err
}

// assignExternalID binds an identifier to an account inside the caller's
// transaction, creating the row when the enroll path introduces a brand-new
// identifier.
func assignExternalID(ctx context.Context, tx *sql.Tx, studyID, identifier, accountID string) error {
	var assigned string
	err := tx.QueryRowContext(ctx, `
		insert into external_identifiers(study_id, identifier, assigned_account_id, created_on)
		values ($1,$2,$3,now())
		on conflict (study_id, identifier) do update
		set assigned_account_id = case
			when external_identifiers.assigned_account_id in ('', $3) then $3
			else external_identifiers.assigned_account_id
		end
		returning assigned_account_id
	`, studyID, identifier, accountID).Scan(&assigned)
	if err != nil {
		return err
	}
	if assigned != accountID {
		return fmt.Errorf("%w: external identifier %s in study %s is assigned to another account",
			errs.ErrConstraintViolation, identifier, studyID)
	}
	return nil
}
