package assessment

import (
	"context"
	"errors"
	"testing"

	"studykit.org/internal/errs"
)

func TestCreateAssessment(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.Create(ctx, Assessment{OwnerID: "org-a"}); !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("missing identifier: err=%v, want ErrInvalidEntity", err)
	}
	if _, err := svc.Create(ctx, Assessment{Identifier: "walk-test"}); !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("missing owner: err=%v, want ErrInvalidEntity", err)
	}

	rec, err := svc.Create(ctx, Assessment{Identifier: "walk-test", OwnerID: "org-a", Title: "Walk Test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.GUID == "" || rec.Revision != 1 || rec.Version != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := svc.Create(ctx, Assessment{Identifier: "walk-test", Revision: 1, OwnerID: "org-a"}); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("duplicate revision: err=%v, want ErrAlreadyExists", err)
	}
	if _, err := svc.Create(ctx, Assessment{Identifier: "walk-test", Revision: 2, OwnerID: "org-a"}); err != nil {
		t.Fatalf("next revision: %v", err)
	}
}

func TestUpdateAssessmentOptimisticVersion(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	rec, err := svc.Create(ctx, Assessment{Identifier: "walk-test", OwnerID: "org-a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec.Title = "Six Minute Walk"
	updated, err := svc.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != 2 || updated.Title != "Six Minute Walk" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	rec.Title = "Stale"
	if _, err := svc.Update(ctx, rec); !errors.Is(err, errs.ErrConstraintViolation) {
		t.Fatalf("stale update: err=%v, want ErrConstraintViolation", err)
	}
}

func TestDeleteAssessment(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	rec, err := svc.Create(ctx, Assessment{Identifier: "walk-test", OwnerID: "org-a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Delete(ctx, rec.GUID, false); err != nil {
		t.Fatalf("logical delete: %v", err)
	}
	got, err := svc.Get(ctx, rec.GUID)
	if err != nil {
		t.Fatalf("Get after logical delete: %v", err)
	}
	if !got.Deleted {
		t.Fatal("expected Deleted=true")
	}
	if err := svc.Delete(ctx, rec.GUID, false); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("double logical delete: err=%v, want ErrNotFound", err)
	}

	if err := svc.Delete(ctx, rec.GUID, true); err != nil {
		t.Fatalf("physical delete: %v", err)
	}
	// The identifier/revision pair is free again.
	if _, err := svc.Create(ctx, Assessment{Identifier: "walk-test", Revision: 1, OwnerID: "org-a"}); err != nil {
		t.Fatalf("recreate after physical delete: %v", err)
	}
}

func TestListRevisionsNewestFirst(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	for rev := 1; rev <= 5; rev++ {
		if _, err := svc.Create(ctx, Assessment{Identifier: "walk-test", Revision: rev, OwnerID: "org-a"}); err != nil {
			t.Fatalf("Create rev %d: %v", rev, err)
		}
	}
	if _, err := svc.Create(ctx, Assessment{Identifier: "other", OwnerID: "org-a"}); err != nil {
		t.Fatalf("Create other: %v", err)
	}

	revs, total, err := svc.ListRevisions(ctx, "walk-test", false, 3, 0)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if total != 5 || len(revs) != 3 {
		t.Fatalf("total=%d len=%d, want 5/3", total, len(revs))
	}
	for i, want := range []int{5, 4, 3} {
		if revs[i].Revision != want {
			t.Fatalf("revs[%d]=%d, want %d", i, revs[i].Revision, want)
		}
	}

	next, total, err := svc.ListRevisions(ctx, "walk-test", false, 3, 3)
	if err != nil {
		t.Fatalf("ListRevisions page 2: %v", err)
	}
	if total != 5 || len(next) != 2 || next[0].Revision != 2 {
		t.Fatalf("page2=%+v total=%d", next, total)
	}

	if _, _, err := svc.ListRevisions(ctx, "unknown", false, 10, 0); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown identifier: err=%v, want ErrNotFound", err)
	}
}

func TestListLatestRevisionPerIdentifier(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	for rev := 1; rev <= 3; rev++ {
		if _, err := svc.Create(ctx, Assessment{Identifier: "walk-test", Revision: rev, OwnerID: "org-a"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	other, err := svc.Create(ctx, Assessment{Identifier: "tremor", OwnerID: "org-b"})
	if err != nil {
		t.Fatalf("Create tremor: %v", err)
	}
	if err := svc.Delete(ctx, other.GUID, false); err != nil {
		t.Fatalf("Delete tremor: %v", err)
	}

	list, total, err := svc.List(ctx, false, 50, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || list[0].Identifier != "walk-test" || list[0].Revision != 3 {
		t.Fatalf("list=%+v total=%d", list, total)
	}

	withDeleted, total, err := svc.List(ctx, true, 50, 0)
	if err != nil {
		t.Fatalf("List includeDeleted: %v", err)
	}
	if total != 2 || len(withDeleted) != 2 {
		t.Fatalf("withDeleted=%+v total=%d", withDeleted, total)
	}
}
