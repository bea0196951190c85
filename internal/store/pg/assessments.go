package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"studykit.org/internal/assessment"
	"studykit.org/internal/errs"
	"studykit.org/internal/ids"
)

const assessmentColumns = `guid, identifier, revision, title, summary, owner_id,
	version, deleted, created_on, modified_on`

// AssessmentStore carries the assessment.Service methods, whose names collide
// with the account.Service methods on Store.
type AssessmentStore struct {
	db *sql.DB
}

// Assessments returns the assessment.Service view of the store.
func (s *Store) Assessments() *AssessmentStore { return &AssessmentStore{db: s.db} }

func scanAssessment(row interface{ Scan(...any) error }) (assessment.Assessment, error) {
	var rec assessment.Assessment
	err := row.Scan(&rec.GUID, &rec.Identifier, &rec.Revision, &rec.Title, &rec.Summary,
		&rec.OwnerID, &rec.Version, &rec.Deleted, &rec.CreatedOn, &rec.ModifiedOn)
	return rec, err
}

func (s *AssessmentStore) Create(ctx context.Context, in assessment.Assessment) (assessment.Assessment, error) {
	in.Identifier = strings.TrimSpace(in.Identifier)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.Identifier == "" {
		return assessment.Assessment{}, fmt.Errorf("%w: assessment identifier is required", errs.ErrInvalidEntity)
	}
	if in.OwnerID == "" {
		return assessment.Assessment{}, fmt.Errorf("%w: assessment owner is required", errs.ErrInvalidEntity)
	}
	if in.Revision <= 0 {
		in.Revision = 1
	}

	now := time.Now().UTC()
	in.GUID = ids.New()
	in.Version = 1
	in.Deleted = false
	in.CreatedOn = now
	in.ModifiedOn = now
	_, err := s.db.ExecContext(ctx, `
		insert into assessments(guid, identifier, revision, title, summary, owner_id,
			version, deleted, created_on, modified_on)
		values ($1,$2,$3,$4,$5,$6,$7,false,$8,$9)
	`, in.GUID, in.Identifier, in.Revision, in.Title, in.Summary, in.OwnerID,
		in.Version, in.CreatedOn, in.ModifiedOn)
	if isUniqueViolation(err) {
		return assessment.Assessment{}, fmt.Errorf("%w: assessment %s revision %d",
			errs.ErrAlreadyExists, in.Identifier, in.Revision)
	}
	if err != nil {
		return assessment.Assessment{}, err
	}
	return in, nil
}

func (s *AssessmentStore) Get(ctx context.Context, guid string) (assessment.Assessment, error) {
	rec, err := scanAssessment(s.db.QueryRowContext(ctx,
		`select `+assessmentColumns+` from assessments where guid=$1`, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return assessment.Assessment{}, fmt.Errorf("%w: assessment %s", errs.ErrNotFound, guid)
	}
	return rec, err
}

func (s *AssessmentStore) Update(ctx context.Context, in assessment.Assessment) (assessment.Assessment, error) {
	rec, err := scanAssessment(s.db.QueryRowContext(ctx, `
		update assessments set title=$3, summary=$4, version=version+1, modified_on=now()
		where guid=$1 and version=$2 and deleted=false
		returning `+assessmentColumns,
		in.GUID, in.Version, strings.TrimSpace(in.Title), strings.TrimSpace(in.Summary)))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.Get(ctx, in.GUID)
		if getErr != nil || current.Deleted {
			return assessment.Assessment{}, fmt.Errorf("%w: assessment %s", errs.ErrNotFound, in.GUID)
		}
		return assessment.Assessment{}, fmt.Errorf("%w: assessment %s has version %d, caller sent %d",
			errs.ErrConstraintViolation, in.GUID, current.Version, in.Version)
	}
	return rec, err
}

func (s *AssessmentStore) Delete(ctx context.Context, guid string, physical bool) error {
	if physical {
		res, err := s.db.ExecContext(ctx, `delete from assessments where guid=$1`, guid)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: assessment %s", errs.ErrNotFound, guid)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		update assessments set deleted=true, version=version+1, modified_on=now()
		where guid=$1 and deleted=false
	`, guid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: assessment %s", errs.ErrNotFound, guid)
	}
	return nil
}

// List returns the newest revision of each identifier, newest-created first.
func (s *AssessmentStore) List(ctx context.Context, includeDeleted bool, limit, offset int) ([]assessment.Assessment, int, error) {
	limit, offset = clampPage(limit, offset)
	cond := ""
	if !includeDeleted {
		cond = ` where deleted=false`
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(distinct identifier) from assessments`+cond).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+assessmentColumns+` from (
			select distinct on (identifier) `+assessmentColumns+`
			from assessments`+cond+`
			order by identifier, revision desc
		) latest
		order by created_on desc, guid desc
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return collectAssessments(rows, total)
}

// ListRevisions pages one identifier's revisions, highest revision first.
func (s *AssessmentStore) ListRevisions(ctx context.Context, identifier string, includeDeleted bool, limit, offset int) ([]assessment.Assessment, int, error) {
	limit, offset = clampPage(limit, offset)
	cond := ` where identifier=$1`
	if !includeDeleted {
		cond += ` and deleted=false`
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from assessments`+cond, identifier).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, fmt.Errorf("%w: assessment %s", errs.ErrNotFound, identifier)
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+assessmentColumns+` from assessments`+cond+`
		order by revision desc
		limit $2 offset $3
	`, identifier, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return collectAssessments(rows, total)
}

func collectAssessments(rows *sql.Rows, total int) ([]assessment.Assessment, int, error) {
	defer rows.Close()
	out := []assessment.Assessment{}
	for rows.Next() {
		rec, err := scanAssessment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
