package storage

import (
	"context"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

// Test runs the shared behaviour checks against a Users implementation. The
// implementation must start empty.
func Test(ctx context.Context, t *testing.T, s Users) {
	t.Run("testNonexistingGet", func(t *testing.T) { testNonexistingGet(ctx, t, s) })
	t.Run("testCreateGet", func(t *testing.T) { testCreateGet(ctx, t, s) })
	t.Run("testCreateConflict", func(t *testing.T) { testCreateConflict(ctx, t, s) })
	t.Run("testUpdate", func(t *testing.T) { testUpdate(ctx, t, s) })
	t.Run("testSetPrivileges", func(t *testing.T) { testSetPrivileges(ctx, t, s) })
	t.Run("testList", func(t *testing.T) { testList(ctx, t, s) })
}

func testNonexistingGet(ctx context.Context, t *testing.T, s Users) {
	if _, err := s.GetByUsername(ctx, "nobody"); !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}
	if _, err := s.GetByID(ctx, 424242); !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}
	if err := s.SetPrivileges(ctx, 424242, true, true); !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}
}

func testCreateGet(ctx context.Context, t *testing.T, s Users) {
	u, err := s.Create(ctx, "creator", Fields{FieldFirstName: "Cre", FieldLastName: "Ator", FieldEmail: "c@example.com"})
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if u.ID == 0 {
		t.Fatal("Want: assigned ID, got 0")
	}

	want := &User{
		ID:        u.ID,
		Username:  "creator",
		FirstName: "Cre",
		LastName:  "Ator",
		Email:     "c@example.com",
		IsActive:  true,
	}
	if diff := pretty.Compare(want, u); diff != "" {
		t.Errorf("created user diff: %s", diff)
	}

	byName, err := s.GetByUsername(ctx, "creator")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if diff := pretty.Compare(want, byName); diff != "" {
		t.Errorf("GetByUsername diff: %s", diff)
	}

	byID, err := s.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if diff := pretty.Compare(want, byID); diff != "" {
		t.Errorf("GetByID diff: %s", diff)
	}
}

func testCreateConflict(ctx context.Context, t *testing.T, s Users) {
	if _, err := s.Create(ctx, "dupe", nil); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if _, err := s.Create(ctx, "dupe", nil); !IsConflictErr(err) {
		t.Errorf("Want: conflict error, got %v", err)
	}
}

func testUpdate(ctx context.Context, t *testing.T, s Users) {
	u, err := s.Create(ctx, "updater", Fields{FieldEmail: "old@example.com"})
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if err := s.SetPrivileges(ctx, u.ID, true, false); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	u, err = s.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	if err := s.Update(ctx, u, Fields{FieldEmail: "new@example.com", FieldFirstName: "Up"}); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if u.Email != "new@example.com" {
		t.Errorf("Want: update applied to passed user, got email %q", u.Email)
	}

	got, err := s.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if got.Email != "new@example.com" || got.FirstName != "Up" {
		t.Errorf("Want: stored fields updated, got %+v", got)
	}
	if !got.IsStaff {
		t.Error("Want: update to leave privilege flags alone")
	}
}

func testSetPrivileges(ctx context.Context, t *testing.T, s Users) {
	u, err := s.Create(ctx, "promoted", nil)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if err := s.SetPrivileges(ctx, u.ID, true, true); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	got, err := s.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if !got.IsStaff || !got.IsSuperuser {
		t.Errorf("Want: staff and superuser, got %+v", got)
	}
}

func testList(ctx context.Context, t *testing.T, s Users) {
	users, err := s.List(ctx)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	// previous subtests created these
	want := []string{"creator", "dupe", "updater", "promoted"}
	if len(users) != len(want) {
		t.Fatalf("Want: %d users, got %d", len(want), len(users))
	}
	for i, u := range users {
		if u.Username != want[i] {
			t.Errorf("users[%d]: want %s, got %s", i, want[i], u.Username)
		}
		if i > 0 && users[i-1].ID >= u.ID {
			t.Errorf("Want: users ordered by ID, got %d before %d", users[i-1].ID, u.ID)
		}
	}
}
