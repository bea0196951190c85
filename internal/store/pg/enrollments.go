package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"studykit.org/internal/account"
	"studykit.org/internal/enrollment"
	"studykit.org/internal/errs"
	"studykit.org/internal/ids"
)

const enrollmentColumns = `id, account_id, study_id, external_id, consent_required,
	enrolled_on, enrolled_by, withdrawn_on, withdrawn_by, withdrawal_note`

func scanEnrollment(row interface{ Scan(...any) error }) (enrollment.Enrollment, error) {
	var rec enrollment.Enrollment
	var withdrawnOn sql.NullTime
	err := row.Scan(&rec.ID, &rec.AccountID, &rec.StudyID, &rec.ExternalID, &rec.ConsentRequired,
		&rec.EnrolledOn, &rec.EnrolledBy, &withdrawnOn, &rec.WithdrawnBy, &rec.WithdrawalNote)
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	if withdrawnOn.Valid {
		ts := withdrawnOn.Time
		rec.WithdrawnOn = &ts
	}
	return rec, nil
}

// Enroll opens a new enrollment cycle inside one transaction. The partial
// unique index on (account_id, study_id) where withdrawn_on is null backs the
// single-active invariant against concurrent enrolls.
func (s *Store) Enroll(ctx context.Context, accountID, studyID, externalID string, consentRequired bool, actorID string, enrolledOn time.Time) (enrollment.Enrollment, error) {
	accountID = strings.TrimSpace(accountID)
	studyID = strings.TrimSpace(studyID)
	externalID = strings.TrimSpace(externalID)
	if accountID == "" || studyID == "" {
		return enrollment.Enrollment{}, fmt.Errorf("%w: accountId and studyId are required", errs.ErrInvalidEntity)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	active, err := scanEnrollment(tx.QueryRowContext(ctx, `
		select `+enrollmentColumns+` from enrollments
		where account_id=$1 and study_id=$2 and withdrawn_on is null
		for update
	`, accountID, studyID))
	switch {
	case err == nil:
		if externalID != "" && active.ExternalID == externalID {
			return active, nil
		}
		return enrollment.Enrollment{}, enrollment.ErrAlreadyEnrolled
	case errors.Is(err, sql.ErrNoRows):
	default:
		return enrollment.Enrollment{}, err
	}

	if externalID != "" {
		if err := assignExternalID(ctx, tx, studyID, externalID, accountID); err != nil {
			return enrollment.Enrollment{}, err
		}
	}

	if enrolledOn.IsZero() {
		enrolledOn = time.Now().UTC()
	}
	rec := enrollment.Enrollment{
		ID:              ids.New(),
		AccountID:       accountID,
		StudyID:         studyID,
		ExternalID:      externalID,
		ConsentRequired: consentRequired,
		EnrolledOn:      enrolledOn.UTC(),
		EnrolledBy:      actorID,
	}
	_, err = tx.ExecContext(ctx, `
		insert into enrollments(id, account_id, study_id, external_id, consent_required,
			enrolled_on, enrolled_by, withdrawn_by, withdrawal_note)
		values ($1,$2,$3,$4,$5,$6,$7,'','')
	`, rec.ID, rec.AccountID, rec.StudyID, rec.ExternalID, rec.ConsentRequired,
		rec.EnrolledOn, rec.EnrolledBy)
	if isUniqueViolation(err) {
		return enrollment.Enrollment{}, enrollment.ErrAlreadyEnrolled
	}
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	if err := tx.Commit(); err != nil {
		return enrollment.Enrollment{}, err
	}
	return rec, nil
}

func (s *Store) Withdraw(ctx context.Context, accountID, studyID, note, actorID string, withdrawnOn time.Time) (enrollment.Enrollment, error) {
	if strings.TrimSpace(actorID) == "" {
		return enrollment.Enrollment{}, fmt.Errorf("%w: withdrawing actor is required", errs.ErrInvalidEntity)
	}
	if withdrawnOn.IsZero() {
		withdrawnOn = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanEnrollment(tx.QueryRowContext(ctx, `
		update enrollments set withdrawn_on=$3, withdrawn_by=$4, withdrawal_note=$5
		where account_id=$1 and study_id=$2 and withdrawn_on is null
		returning `+enrollmentColumns+`
	`, accountID, studyID, withdrawnOn.UTC(), actorID, note))
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Enrollment{}, fmt.Errorf("%w: account %s has no active enrollment in study %s",
			errs.ErrNotFound, accountID, studyID)
	}
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	// The row keeps its identifier snapshot; only the live binding is freed.
	if rec.ExternalID != "" {
		if _, err := tx.ExecContext(ctx, `
			update external_identifiers set assigned_account_id=''
			where study_id=$1 and identifier=$2 and assigned_account_id=$3
		`, studyID, rec.ExternalID, accountID); err != nil {
			return enrollment.Enrollment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return enrollment.Enrollment{}, err
	}
	return rec, nil
}

func (s *Store) WithdrawFromApp(ctx context.Context, accountID, note, actorID string) ([]enrollment.Enrollment, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("%w: withdrawing actor is required", errs.ErrInvalidEntity)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		update enrollments set withdrawn_on=now(), withdrawn_by=$2, withdrawal_note=$3
		where account_id=$1 and withdrawn_on is null
		returning `+enrollmentColumns+`
	`, accountID, actorID, note)
	if err != nil {
		return nil, err
	}
	withdrawn, err := collectEnrollments(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		update external_identifiers set assigned_account_id='' where assigned_account_id=$1
	`, accountID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return withdrawn, nil
}

func (s *Store) MigrateEnrollments(ctx context.Context, accountID string, rows []enrollment.Enrollment) ([]enrollment.Enrollment, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountId is required", errs.ErrInvalidEntity)
	}
	now := time.Now().UTC()
	for i := range rows {
		if strings.TrimSpace(rows[i].StudyID) == "" {
			return nil, fmt.Errorf("%w: row %d is missing studyId", errs.ErrInvalidEntity, i)
		}
		if rows[i].WithdrawnOn != nil && strings.TrimSpace(rows[i].WithdrawnBy) == "" {
			return nil, fmt.Errorf("%w: row %d is withdrawn without withdrawnBy", errs.ErrInvalidEntity, i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for i := range rows {
		extID := strings.TrimSpace(rows[i].ExternalID)
		if extID == "" {
			continue
		}
		var assigned string
		err := tx.QueryRowContext(ctx, `
			select assigned_account_id from external_identifiers
			where study_id=$1 and identifier=$2 for update
		`, strings.TrimSpace(rows[i].StudyID), extID).Scan(&assigned)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if assigned != "" && assigned != accountID {
			return nil, fmt.Errorf("%w: external identifier %s in study %s is assigned to another account",
				errs.ErrConstraintViolation, extID, rows[i].StudyID)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		update external_identifiers set assigned_account_id='' where assigned_account_id=$1
	`, accountID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `delete from enrollments where account_id=$1`, accountID); err != nil {
		return nil, err
	}

	out := make([]enrollment.Enrollment, 0, len(rows))
	for i := range rows {
		rec := rows[i]
		rec.AccountID = accountID
		rec.StudyID = strings.TrimSpace(rec.StudyID)
		rec.ExternalID = strings.TrimSpace(rec.ExternalID)
		if rec.ID == "" {
			rec.ID = ids.New()
		}
		if rec.EnrolledOn.IsZero() {
			rec.EnrolledOn = now
		}
		var withdrawnOn any
		if rec.WithdrawnOn != nil {
			withdrawnOn = rec.WithdrawnOn.UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into enrollments(id, account_id, study_id, external_id, consent_required,
				enrolled_on, enrolled_by, withdrawn_on, withdrawn_by, withdrawal_note)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, rec.ID, rec.AccountID, rec.StudyID, rec.ExternalID, rec.ConsentRequired,
			rec.EnrolledOn.UTC(), rec.EnrolledBy, withdrawnOn, rec.WithdrawnBy, rec.WithdrawalNote); err != nil {
			return nil, err
		}
		if rec.ExternalID != "" && !rec.Withdrawn() {
			if err := assignExternalID(ctx, tx, rec.StudyID, rec.ExternalID, accountID); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteForAccount(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `
		update external_identifiers set assigned_account_id='' where assigned_account_id=$1
	`, accountID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from enrollments where account_id=$1`, accountID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) EnrollmentsForAccount(ctx context.Context, accountID string) ([]enrollment.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+enrollmentColumns+` from enrollments
		where account_id=$1
		order by enrolled_on asc, id asc
	`, accountID)
	if err != nil {
		return nil, err
	}
	return collectEnrollments(rows)
}

func (s *Store) EnrollmentsForStudy(ctx context.Context, studyID, filter string, limit, offset int) ([]enrollment.Enrollment, int, error) {
	if filter == "" {
		filter = enrollment.FilterEnrolled
	}
	var cond string
	switch filter {
	case enrollment.FilterEnrolled:
		cond = ` and withdrawn_on is null`
	case enrollment.FilterWithdrawn:
		cond = ` and withdrawn_on is not null`
	case enrollment.FilterAll:
	default:
		return nil, 0, fmt.Errorf("%w: unknown enrollment filter %q", errs.ErrInvalidEntity, filter)
	}
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from enrollments where study_id=$1`+cond, studyID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+enrollmentColumns+` from enrollments
		where study_id=$1`+cond+`
		order by enrolled_on asc, id asc
		limit $2 offset $3
	`, studyID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := collectEnrollments(rows)
	if err != nil {
		return nil, 0, err
	}
	if out == nil {
		out = []enrollment.Enrollment{}
	}
	return out, total, nil
}

func (s *Store) StudyRoster(ctx context.Context, studyID string) (map[string]account.RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select account_id, external_id, withdrawn_on is not null
		from enrollments where study_id=$1
		order by enrolled_on asc, id asc
	`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roster := map[string]account.RosterEntry{}
	for rows.Next() {
		var accountID, externalID string
		var withdrawn bool
		if err := rows.Scan(&accountID, &externalID, &withdrawn); err != nil {
			return nil, err
		}
		entry := roster[accountID]
		if withdrawn {
			entry.Withdrawn = true
		} else {
			entry.Active = true
		}
		if externalID != "" {
			entry.ExternalID = externalID
		}
		roster[accountID] = entry
	}
	return roster, rows.Err()
}

func (s *Store) ExternalIDs(ctx context.Context, accountID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select study_id, external_id from enrollments
		where account_id=$1 and external_id <> ''
		order by enrolled_on asc, id asc
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var studyID, externalID string
		if err := rows.Scan(&studyID, &externalID); err != nil {
			return nil, err
		}
		out[studyID] = externalID
	}
	return out, rows.Err()
}

func (s *Store) VisibleExternalIDs(ctx context.Context, accountID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select study_id, identifier from external_identifiers where assigned_account_id=$1
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var studyID, identifier string
		if err := rows.Scan(&studyID, &identifier); err != nil {
			return nil, err
		}
		out[studyID] = identifier
	}
	return out, rows.Err()
}

func collectEnrollments(rows *sql.Rows) ([]enrollment.Enrollment, error) {
	defer rows.Close()
	var out []enrollment.Enrollment
	for rows.Next() {
		rec, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
