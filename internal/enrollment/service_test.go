package enrollment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"studykit.org/internal/errs"
)

func TestEnrollAndReadBack(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	rec, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", true, "admin-1", time.Time{})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if rec.ID == "" || rec.EnrolledOn.IsZero() {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.EnrolledBy != "admin-1" || !rec.ConsentRequired || rec.Withdrawn() {
		t.Fatalf("unexpected record: %+v", rec)
	}

	list, err := svc.EnrollmentsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("EnrollmentsForAccount: %v", err)
	}
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Fatalf("history=%+v", list)
	}

	if _, err := svc.Enroll(ctx, "", "study-1", "", false, "admin-1", time.Time{}); !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("blank account: err=%v, want ErrInvalidEntity", err)
	}
}

func TestEnrollIdempotentOnSameIdentifier(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	first, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	// Same identifier, same study: retry-safe no-op.
	again, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{})
	if err != nil {
		t.Fatalf("repeat Enroll: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("retry created a second record: %s vs %s", again.ID, first.ID)
	}
	list, err := svc.EnrollmentsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("EnrollmentsForAccount: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("history len=%d, want 1", len(list))
	}
}

func TestEnrollRejectsSecondActiveEnrollment(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	_, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-NEW", false, "admin-1", time.Time{})
	if !errors.Is(err, errs.ErrConstraintViolation) {
		t.Fatalf("second enroll: err=%v, want ErrConstraintViolation", err)
	}
	if !strings.Contains(err.Error(), "Account already associated to study.") {
		t.Fatalf("err=%q, want contract message", err)
	}
	// A different study is unaffected.
	if _, err := svc.Enroll(ctx, "acct-1", "study-2", "", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("other study: %v", err)
	}
}

func TestWithdrawMarksRecordAndKeepsHistory(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Withdraw(ctx, "acct-1", "study-1", "note", "admin-1", time.Time{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("withdraw without enrollment: err=%v, want ErrNotFound", err)
	}

	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	rec, err := svc.Withdraw(ctx, "acct-1", "study-1", "moved away", "admin-2", time.Time{})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !rec.Withdrawn() || rec.WithdrawnBy != "admin-2" || rec.WithdrawalNote != "moved away" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	// The identifier stays attached to the withdrawn row.
	if rec.ExternalID != "EXT-001" {
		t.Fatalf("externalId=%q, want retained", rec.ExternalID)
	}

	if _, err := svc.Withdraw(ctx, "acct-1", "study-1", "again", "admin-2", time.Time{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("double withdraw: err=%v, want ErrNotFound", err)
	}

	// Re-enrolling opens a fresh cycle; the withdrawn row survives.
	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("re-enroll: %v", err)
	}
	list, err := svc.EnrollmentsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("EnrollmentsForAccount: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("history len=%d, want 2", len(list))
	}
	if !list[0].Withdrawn() || list[1].Withdrawn() {
		t.Fatalf("history=%+v, want withdrawn row then active row", list)
	}
}

func TestWithdrawFromAppClearsVisibleIdentifiers(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll study-1: %v", err)
	}
	if _, err := svc.Enroll(ctx, "acct-1", "study-2", "EXT-002", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll study-2: %v", err)
	}

	withdrawn, err := svc.WithdrawFromApp(ctx, "acct-1", "done", "acct-1")
	if err != nil {
		t.Fatalf("WithdrawFromApp: %v", err)
	}
	if len(withdrawn) != 2 {
		t.Fatalf("withdrew %d studies, want 2", len(withdrawn))
	}

	visible, err := svc.VisibleExternalIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("VisibleExternalIDs: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("visible=%v, want empty after app withdrawal", visible)
	}

	// Historical rows still resolve the identifiers for admin queries.
	historical, err := svc.ExternalIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ExternalIDs: %v", err)
	}
	if historical["study-1"] != "EXT-001" || historical["study-2"] != "EXT-002" {
		t.Fatalf("historical=%v", historical)
	}
	list, err := svc.EnrollmentsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("EnrollmentsForAccount: %v", err)
	}
	if len(list) != 2 || !list[0].Withdrawn() || !list[1].Withdrawn() {
		t.Fatalf("history=%+v", list)
	}
}

func TestWithdrawReleasesIdentifierBinding(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "acct-1", "study-1", "", "admin-1", time.Time{}); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	visible, err := svc.VisibleExternalIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("VisibleExternalIDs: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("visible=%v, want binding released on withdrawal", visible)
	}
	// The withdrawn row still carries the identifier for audit queries.
	historical, err := svc.ExternalIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ExternalIDs: %v", err)
	}
	if historical["study-1"] != "EXT-001" {
		t.Fatalf("historical=%v", historical)
	}

	// A released identifier can enroll another participant.
	if _, err := svc.Enroll(ctx, "acct-2", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("re-enroll other account: %v", err)
	}
	rec, err := svc.GetExternalID(ctx, "study-1", "EXT-001")
	if err != nil {
		t.Fatalf("GetExternalID: %v", err)
	}
	if rec.AssignedAccountID != "acct-2" {
		t.Fatalf("assigned=%q, want acct-2", rec.AssignedAccountID)
	}
}

func TestWithdrawThenReenrollWithNewIdentifier(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "acct-1", "study-1", "", "admin-1", time.Time{}); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-002", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("re-enroll: %v", err)
	}

	// Exactly one live binding remains for the pair.
	visible, err := svc.VisibleExternalIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("VisibleExternalIDs: %v", err)
	}
	if len(visible) != 1 || visible["study-1"] != "EXT-002" {
		t.Fatalf("visible=%v, want only the new identifier", visible)
	}
}

func TestEnrollmentsForStudyFilters(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, acct := range []string{"acct-1", "acct-2", "acct-3"} {
		if _, err := svc.Enroll(ctx, acct, "study-1", "", false, "admin-1", base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("Enroll %s: %v", acct, err)
		}
	}
	if _, err := svc.Withdraw(ctx, "acct-2", "study-1", "", "admin-1", time.Time{}); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	enrolled, total, err := svc.EnrollmentsForStudy(ctx, "study-1", "", 50, 0)
	if err != nil {
		t.Fatalf("EnrollmentsForStudy: %v", err)
	}
	if total != 2 || len(enrolled) != 2 {
		t.Fatalf("enrolled total=%d len=%d, want 2/2", total, len(enrolled))
	}
	if enrolled[0].AccountID != "acct-1" || enrolled[1].AccountID != "acct-3" {
		t.Fatalf("enrolled=%+v, want oldest first", enrolled)
	}

	withdrawn, total, err := svc.EnrollmentsForStudy(ctx, "study-1", FilterWithdrawn, 50, 0)
	if err != nil {
		t.Fatalf("withdrawn filter: %v", err)
	}
	if total != 1 || withdrawn[0].AccountID != "acct-2" {
		t.Fatalf("withdrawn=%+v", withdrawn)
	}

	all, total, err := svc.EnrollmentsForStudy(ctx, "study-1", FilterAll, 2, 0)
	if err != nil {
		t.Fatalf("all filter: %v", err)
	}
	if total != 3 || len(all) != 2 {
		t.Fatalf("all total=%d len=%d, want 3/2", total, len(all))
	}

	if _, _, err := svc.EnrollmentsForStudy(ctx, "study-1", "sometimes", 50, 0); !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("bad filter: err=%v, want ErrInvalidEntity", err)
	}
}

func TestStudyRoster(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll acct-1: %v", err)
	}
	if _, err := svc.Enroll(ctx, "acct-2", "study-1", "", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll acct-2: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "acct-2", "study-1", "", "admin-1", time.Time{}); err != nil {
		t.Fatalf("Withdraw acct-2: %v", err)
	}

	roster, err := svc.StudyRoster(ctx, "study-1")
	if err != nil {
		t.Fatalf("StudyRoster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster=%+v", roster)
	}
	if e := roster["acct-1"]; !e.Active || e.Withdrawn || e.ExternalID != "EXT-001" {
		t.Fatalf("acct-1 entry=%+v", e)
	}
	if e := roster["acct-2"]; e.Active || !e.Withdrawn {
		t.Fatalf("acct-2 entry=%+v", e)
	}
}

func TestMigrateEnrollmentsRewritesLedger(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-OLD", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	past := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	withdrawnOn := past.Add(30 * 24 * time.Hour)
	rows := []Enrollment{
		{StudyID: "study-1", ExternalID: "EXT-A", EnrolledOn: past, EnrolledBy: "worker-1", WithdrawnOn: &withdrawnOn, WithdrawnBy: "worker-1"},
		{StudyID: "study-1", ExternalID: "EXT-A", EnrolledOn: withdrawnOn.Add(time.Hour), EnrolledBy: "worker-1"},
		{StudyID: "study-2", EnrolledOn: past, EnrolledBy: "worker-1"},
	}
	stored, err := svc.MigrateEnrollments(ctx, "acct-1", rows)
	if err != nil {
		t.Fatalf("MigrateEnrollments: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored=%d rows, want 3", len(stored))
	}

	// The old ledger row is gone, the new history is in place.
	list, err := svc.EnrollmentsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("EnrollmentsForAccount: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("history len=%d, want 3", len(list))
	}
	for _, rec := range list {
		if rec.ExternalID == "EXT-OLD" {
			t.Fatal("migration left the replaced row behind")
		}
	}

	visible, err := svc.VisibleExternalIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("VisibleExternalIDs: %v", err)
	}
	if visible["study-1"] != "EXT-A" {
		t.Fatalf("visible=%v", visible)
	}
}

func TestMigrateEnrollmentsValidatesRows(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := svc.MigrateEnrollments(ctx, "acct-1", []Enrollment{{StudyID: ""}})
	if !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("missing study: err=%v, want ErrInvalidEntity", err)
	}
	_, err = svc.MigrateEnrollments(ctx, "acct-1", []Enrollment{{StudyID: "study-1", WithdrawnOn: &now}})
	if !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("withdrawn without actor: err=%v, want ErrInvalidEntity", err)
	}

	// Migration cannot steal an identifier bound to another account.
	if _, err := svc.Enroll(ctx, "acct-2", "study-1", "EXT-TAKEN", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll acct-2: %v", err)
	}
	_, err = svc.MigrateEnrollments(ctx, "acct-1", []Enrollment{{StudyID: "study-1", ExternalID: "EXT-TAKEN"}})
	if !errors.Is(err, errs.ErrConstraintViolation) {
		t.Fatalf("stolen identifier: err=%v, want ErrConstraintViolation", err)
	}
}

func TestDeleteForAccountReleasesIdentifiers(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Enroll(ctx, "acct-1", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := svc.DeleteForAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("DeleteForAccount: %v", err)
	}

	list, err := svc.EnrollmentsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("EnrollmentsForAccount: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("history=%+v, want empty", list)
	}

	// The identifier is released and a different account may claim it.
	if _, err := svc.Enroll(ctx, "acct-2", "study-1", "EXT-001", false, "admin-1", time.Time{}); err != nil {
		t.Fatalf("reclaim identifier: %v", err)
	}
}

func TestConcurrentEnrollSingleWinner(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Enroll(ctx, "acct-1", "study-1", "", false, "admin-1", time.Time{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, errs.ErrConstraintViolation):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("successes=%d conflicts=%d, want 1/%d", successes, conflicts, workers-1)
	}

	list, err := svc.EnrollmentsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("EnrollmentsForAccount: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("history len=%d, want exactly one record", len(list))
	}
}

func TestConcurrentEnrollDistinctKeysAllSucceed(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			acct := "acct-" + string(rune('a'+n))
			_, err := svc.Enroll(ctx, acct, "study-1", "", false, "admin-1", time.Time{})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("Enroll: %v", err)
		}
	}
	_, total, err := svc.EnrollmentsForStudy(ctx, "study-1", FilterAll, 100, 0)
	if err != nil {
		t.Fatalf("EnrollmentsForStudy: %v", err)
	}
	if total != workers {
		t.Fatalf("total=%d, want %d", total, workers)
	}
}
