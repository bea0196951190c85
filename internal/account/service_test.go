package account

import (
	"context"
	"errors"
	"testing"

	"studykit.org/internal/errs"
)

func TestSignUpRequiresExactlyOneIdentifier(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, Account{}, "Password1"); !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("no identifier: err=%v, want ErrInvalidEntity", err)
	}
	both := Account{Email: "a@example.com", Phone: "+15551234567"}
	if _, err := svc.SignUp(ctx, both, "Password1"); !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("both identifiers: err=%v, want ErrInvalidEntity", err)
	}
	if _, err := svc.SignUp(ctx, Account{Email: "a@example.com"}, "short"); !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("weak password: err=%v, want ErrInvalidEntity", err)
	}
}

func TestSignUpIsIdempotentOnEmail(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	first, err := svc.SignUp(ctx, Account{Email: "A@Example.com", FirstName: "First"}, "Password1")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if first.Email != "a@example.com" {
		t.Fatalf("email=%q, want lower-cased", first.Email)
	}
	if first.Status != StatusEnabled {
		t.Fatalf("status=%q, want enabled", first.Status)
	}

	// Retrying with the same email quietly returns the existing account.
	second, err := svc.SignUp(ctx, Account{Email: "a@example.com", FirstName: "Second"}, "OtherPass1")
	if err != nil {
		t.Fatalf("repeat SignUp: %v", err)
	}
	if second.ID != first.ID || second.FirstName != "First" {
		t.Fatalf("repeat sign-up created or mutated the account: %+v", second)
	}
}

func TestSignIn(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	created, err := svc.SignUp(ctx, Account{Email: "a@example.com"}, "Password1")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	acct, err := svc.SignIn(ctx, "A@EXAMPLE.COM", "Password1")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if acct.ID != created.ID {
		t.Fatalf("signed in as %s, want %s", acct.ID, created.ID)
	}

	if _, err := svc.SignIn(ctx, "a@example.com", "wrong"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("bad password: err=%v, want ErrUnauthorized", err)
	}
	if _, err := svc.SignIn(ctx, "nobody@example.com", "Password1"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("unknown email: err=%v, want ErrUnauthorized", err)
	}

	if _, err := svc.SetStatus(ctx, created.ID, StatusDisabled); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := svc.SignIn(ctx, "a@example.com", "Password1"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("disabled account: err=%v, want ErrUnauthorized", err)
	}
}

func TestUpdateMergeThroughService(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	created, err := svc.SignUp(ctx, Account{Email: "a@example.com"}, "Password1")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	updated, err := svc.Update(ctx, Account{ID: created.ID, Email: "other@example.com", Phone: "+15551234567", FirstName: "Ada"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Email != "a@example.com" {
		t.Fatalf("email=%q, want immutable", updated.Email)
	}
	if updated.Phone != "+15551234567" || updated.FirstName != "Ada" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	// The added phone is now discoverable and itself immutable.
	if _, err := svc.Update(ctx, Account{ID: created.ID, Phone: "+15550000000"}); err != nil {
		t.Fatalf("Update with conflicting phone: %v", err)
	}
	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phone != "+15551234567" {
		t.Fatalf("phone=%q, want original", got.Phone)
	}

	if _, err := svc.Update(ctx, Account{ID: "missing"}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing account: err=%v, want ErrNotFound", err)
	}
}

func TestUpdateRejectsTakenEmail(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	if _, err := svc.SignUp(ctx, Account{Email: "a@example.com"}, "Password1"); err != nil {
		t.Fatalf("SignUp a: %v", err)
	}
	b, err := svc.SignUp(ctx, Account{Phone: "+15551234567"}, "Password1")
	if err != nil {
		t.Fatalf("SignUp b: %v", err)
	}
	if _, err := svc.Update(ctx, Account{ID: b.ID, Email: "a@example.com", Phone: b.Phone}); !errors.Is(err, errs.ErrConstraintViolation) {
		t.Fatalf("taken email: err=%v, want ErrConstraintViolation", err)
	}
}

func TestSetRolesValidatesNames(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	acct, err := svc.SignUp(ctx, Account{Email: "a@example.com"}, "Password1")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	updated, err := svc.SetRoles(ctx, acct.ID, []string{"Researcher"})
	if err != nil {
		t.Fatalf("SetRoles: %v", err)
	}
	if len(updated.Roles) != 1 || updated.Roles[0] != "researcher" {
		t.Fatalf("roles=%v", updated.Roles)
	}

	if _, err := svc.SetRoles(ctx, acct.ID, []string{"superuser"}); !errors.Is(err, errs.ErrInvalidEntity) {
		t.Fatalf("unknown role: err=%v, want ErrInvalidEntity", err)
	}
	if _, err := svc.SetRoles(ctx, "missing", []string{"admin"}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing account: err=%v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesIdentifierIndexes(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()
	acct, err := svc.SignUp(ctx, Account{Email: "a@example.com"}, "Password1")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if err := svc.Delete(ctx, acct.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, acct.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Get after delete: err=%v, want ErrNotFound", err)
	}

	// The email is free for a fresh registration afterwards.
	fresh, err := svc.SignUp(ctx, Account{Email: "a@example.com"}, "Password1")
	if err != nil {
		t.Fatalf("SignUp after delete: %v", err)
	}
	if fresh.ID == acct.ID {
		t.Fatal("expected a new account id")
	}

	if err := svc.Delete(ctx, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("delete missing: err=%v, want ErrNotFound", err)
	}
}
