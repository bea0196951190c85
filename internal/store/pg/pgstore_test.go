package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"studykit.org/internal/account"
	"studykit.org/internal/enrollment"
	"studykit.org/internal/errs"
	"studykit.org/internal/study"
)

func studyArg(id, name string, version int64) study.Study {
	return study.Study{ID: id, Name: name, Version: version}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewFromDB(db), mock
}

func uniqueViolationErr() error {
	return &pgconn.PgError{Code: uniqueViolation}
}

var studyRowColumns = []string{"id", "name", "details", "phase", "version", "deleted", "created_on", "modified_on"}

func TestGetStudy(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from studies").
		WithArgs("study-1").
		WillReturnRows(sqlmock.NewRows(studyRowColumns).
			AddRow("study-1", "Study One", "", "design", int64(3), false, now, now))

	st, err := store.GetStudy(context.Background(), "study-1")
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if st.ID != "study-1" || st.Version != 3 {
		t.Fatalf("unexpected study: %+v", st)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetStudyNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from studies").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetStudy(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStudyStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("update studies").
		WithArgs("study-1", int64(1), "Renamed", "", "").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("from studies").
		WithArgs("study-1").
		WillReturnRows(sqlmock.NewRows(studyRowColumns).
			AddRow("study-1", "Study One", "", "", int64(2), false, now, now))

	_, err := store.UpdateStudy(context.Background(), studyArg("study-1", "Renamed", 1))
	if !errors.Is(err, errs.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateStudyDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into studies").
		WillReturnError(uniqueViolationErr())

	_, err := store.CreateStudy(context.Background(), studyArg("study-1", "Study One", 0))
	if !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

var enrollmentRowColumns = []string{"id", "account_id", "study_id", "external_id", "consent_required",
	"enrolled_on", "enrolled_by", "withdrawn_on", "withdrawn_by", "withdrawal_note"}

func TestEnrollRejectsSecondActive(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("from enrollments").
		WithArgs("acct-1", "study-1").
		WillReturnRows(sqlmock.NewRows(enrollmentRowColumns).
			AddRow("enr-1", "acct-1", "study-1", "EXT-1", false, now, "actor", nil, "", ""))
	mock.ExpectRollback()

	_, err := store.Enroll(context.Background(), "acct-1", "study-1", "EXT-2", false, "actor", time.Time{})
	if !errors.Is(err, errs.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if err.Error() != enrollment.ErrAlreadyEnrolled.Error() {
		t.Fatalf("unexpected message: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEnrollSameIdentifierIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("from enrollments").
		WithArgs("acct-1", "study-1").
		WillReturnRows(sqlmock.NewRows(enrollmentRowColumns).
			AddRow("enr-1", "acct-1", "study-1", "EXT-1", false, now, "actor", nil, "", ""))
	mock.ExpectRollback()

	rec, err := store.Enroll(context.Background(), "acct-1", "study-1", "EXT-1", false, "actor", time.Time{})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if rec.ID != "enr-1" {
		t.Fatalf("expected existing record, got %+v", rec)
	}
}

func TestEnrollInsertsNewCycle(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from enrollments").
		WithArgs("acct-1", "study-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into external_identifiers").
		WithArgs("study-1", "EXT-1", "acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"assigned_account_id"}).AddRow("acct-1"))
	mock.ExpectExec("insert into enrollments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.Enroll(context.Background(), "acct-1", "study-1", "EXT-1", true, "actor", time.Time{})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if rec.ExternalID != "EXT-1" || !rec.ConsentRequired || rec.Withdrawn() {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEnrollIdentifierTheftRejected(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from enrollments").
		WithArgs("acct-1", "study-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into external_identifiers").
		WithArgs("study-1", "EXT-1", "acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"assigned_account_id"}).AddRow("acct-other"))
	mock.ExpectRollback()

	_, err := store.Enroll(context.Background(), "acct-1", "study-1", "EXT-1", false, "actor", time.Time{})
	if !errors.Is(err, errs.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestWithdrawWithoutActiveEnrollment(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("update enrollments").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Withdraw(context.Background(), "acct-1", "study-1", "", "actor", time.Time{})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithdrawReleasesIdentifierBinding(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("update enrollments").
		WithArgs("acct-1", "study-1", sqlmock.AnyArg(), "actor", "moved away").
		WillReturnRows(sqlmock.NewRows(enrollmentRowColumns).
			AddRow("enr-1", "acct-1", "study-1", "EXT-1", false, now, "actor", now, "actor", "moved away"))
	mock.ExpectExec("update external_identifiers").
		WithArgs("study-1", "EXT-1", "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.Withdraw(context.Background(), "acct-1", "study-1", "moved away", "actor", time.Time{})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !rec.Withdrawn() || rec.ExternalID != "EXT-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithdrawRequiresActor(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Withdraw(context.Background(), "acct-1", "study-1", "", "  ", time.Time{})
	if !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity, got %v", err)
	}
}

func TestDeleteForAccountReleasesIdentifiers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update external_identifiers").
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from enrollments").
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	if err := store.DeleteForAccount(context.Background(), "acct-1"); err != nil {
		t.Fatalf("DeleteForAccount: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateExternalIDDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into external_identifiers").
		WillReturnError(uniqueViolationErr())

	_, err := store.CreateExternalID(context.Background(), "EXT-1", "study-1")
	if !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateExternalIDRequiresStudy(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.CreateExternalID(context.Background(), "EXT-1", "  ")
	if !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity, got %v", err)
	}
}

func TestDeleteExternalIDAssigned(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select assigned_account_id").
		WithArgs("study-1", "EXT-1").
		WillReturnRows(sqlmock.NewRows([]string{"assigned_account_id"}).AddRow("acct-1"))

	err := store.DeleteExternalID(context.Background(), "study-1", "EXT-1")
	if !errors.Is(err, errs.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestSearchAppliesFiltersAndOrder(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	summaryColumns := []string{"id", "email", "phone", "first_name", "last_name", "roles",
		"org_membership", "data_groups", "attributes", "status", "created_on", "total"}
	mock.ExpectQuery("order by a.created_on desc, a.id desc").
		WillReturnRows(sqlmock.NewRows(summaryColumns).
			AddRow("acct-2", "b@example.com", "", "", "", []byte(`[]`), "", []byte(`[]`), nil, "enabled", now, 2).
			AddRow("acct-1", "a@example.com", "", "", "", []byte(`[]`), "", []byte(`[]`), nil, "enabled", now.Add(-time.Minute), 2))
	mock.ExpectQuery("from enrollments").
		WithArgs("acct-2").
		WillReturnRows(sqlmock.NewRows([]string{"study_id", "external_id"}).AddRow("study-1", "EXT-B"))
	mock.ExpectQuery("from enrollments").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"study_id", "external_id"}))

	list, err := store.Search(context.Background(), account.RequestParams{EmailFilter: "EXAMPLE"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if list.Total != 2 || len(list.Items) != 2 {
		t.Fatalf("unexpected result: total=%d items=%d", list.Total, len(list.Items))
	}
	if list.Items[0].ID != "acct-2" {
		t.Fatalf("expected newest first, got %q", list.Items[0].ID)
	}
	if list.Items[0].ExternalIDs["study-1"] != "EXT-B" {
		t.Fatalf("expected external id attached: %+v", list.Items[0])
	}
	if list.RequestParams.EmailFilter != "example" {
		t.Fatalf("expected normalized params echoed, got %q", list.RequestParams.EmailFilter)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSearchIncludeTestAccountsSkipsExclusion(t *testing.T) {
	store, mock := newMockStore(t)

	summaryColumns := []string{"id", "email", "phone", "first_name", "last_name", "roles",
		"org_membership", "data_groups", "attributes", "status", "created_on", "total"}
	// Only the paging arguments: no test_user predicate is bound.
	mock.ExpectQuery("order by a.created_on desc, a.id desc").
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(summaryColumns).
			AddRow("acct-1", "a@example.com", "", "", "", []byte(`[]`), "", []byte(`["test_user"]`), nil, "enabled", time.Now().UTC(), 1))
	mock.ExpectQuery("from enrollments").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"study_id", "external_id"}))

	list, err := store.Search(context.Background(), account.RequestParams{IncludeTestAccounts: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if list.Total != 1 || !list.RequestParams.IncludeTestAccounts {
		t.Fatalf("unexpected result: %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestListExternalIDsEscapesWildcards(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select count").
		WithArgs("study-1", `EXT\_1\%`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("from external_identifiers").
		WithArgs("study-1", `EXT\_1\%`, 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"study_id", "identifier", "assigned_account_id", "created_on"}))

	_, total, err := store.ListExternalIDs(context.Background(), "study-1", "EXT_1%", 0, 0)
	if err != nil {
		t.Fatalf("ListExternalIDs: %v", err)
	}
	if total != 0 {
		t.Fatalf("total=%d", total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSearchRejectsContradictoryGroups(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Search(context.Background(), account.RequestParams{
		AllOfGroups:  []string{"group-a"},
		NoneOfGroups: []string{"group-a"},
	})
	if !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity, got %v", err)
	}
}

func TestAccountGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from accounts").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSignUpRequiresExactlyOneIdentifier(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.SignUp(context.Background(), account.Account{}, "password1")
	if !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity, got %v", err)
	}
	_, err = store.SignUp(context.Background(), account.Account{
		Email: "a@example.com", Phone: "+15551234567",
	}, "password1")
	if !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity, got %v", err)
	}
}
