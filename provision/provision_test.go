package provision

import (
	"context"
	"testing"

	"github.com/heroku/actas/internal/provider"
	"github.com/heroku/actas/storage"
	"github.com/heroku/actas/storage/memory"
	"github.com/kylelemons/godebug/pretty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
)

func newProvisioner(t *testing.T, users storage.Users, m Mapping) *Provisioner {
	t.Helper()
	logger, _ := test.NewNullLogger()
	p, err := New(users, m, logger)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProvisionCreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	users := memory.New()
	p := newProvisioner(t, users, Mapping{})

	u, err := p.Provision(ctx, provider.Profile{
		"username":   "jdoe",
		"first_name": "Jane",
		"last_name":  "Doe",
		"email":      "jane@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := &storage.User{
		ID:        u.ID,
		Username:  "jdoe",
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     "jane@example.com",
		IsActive:  true,
	}
	if diff := pretty.Compare(want, u); diff != "" {
		t.Errorf("created user diff: (-want +got)\n%s", diff)
	}

	// an administrator promotes the user, then they log in with a new email
	if err := users.SetPrivileges(ctx, u.ID, true, false); err != nil {
		t.Fatal(err)
	}
	u2, err := p.Provision(ctx, provider.Profile{
		"username":   "jdoe",
		"first_name": "Jane",
		"last_name":  "Doe",
		"email":      "jane@new.example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if u2.ID != u.ID {
		t.Errorf("want user updated in place, got new id %d", u2.ID)
	}

	got, err := users.GetByUsername(ctx, "jdoe")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "jane@new.example.com" {
		t.Errorf("want updated email, got %q", got.Email)
	}
	if !got.IsStaff {
		t.Error("want staff flag left alone by provisioning")
	}

	all, _ := users.List(ctx)
	if len(all) != 1 {
		t.Errorf("want 1 user, got %d", len(all))
	}
}

func TestProvisionCustomMapping(t *testing.T) {
	ctx := context.Background()
	users := memory.New()
	p := newProvisioner(t, users, Mapping{
		UsernameKey: "login",
		Fields: map[string]string{
			"given_name": storage.FieldFirstName,
			"mail":       storage.FieldEmail,
		},
	})

	u, err := p.Provision(ctx, provider.Profile{
		"login":      "bob",
		"given_name": "Bob",
		"last_name":  "ignored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != "bob" || u.FirstName != "Bob" || u.LastName != "" || u.Email != "" {
		t.Errorf("unexpected user %+v", u)
	}
}

func TestProvisionMappingErrors(t *testing.T) {
	users := memory.New()
	p := newProvisioner(t, users, Mapping{})

	for name, profile := range map[string]provider.Profile{
		"missing": {"email": "x@example.com"},
		"blank":   {"username": ""},
		"null":    {"username": nil},
	} {
		_, err := p.Provision(context.Background(), profile)
		if !IsMappingErr(err) {
			t.Errorf("%s: want mapping error, got %v", name, err)
		}
		if !IsMappingErr(errors.Wrap(err, "callback")) {
			t.Errorf("%s: want wrapped mapping error detected", name)
		}
	}

	if all, _ := users.List(context.Background()); len(all) != 0 {
		t.Errorf("want no users created, got %d", len(all))
	}
}

func TestValidate(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := New(memory.New(), Mapping{Fields: map[string]string{"admin": "is_superuser"}}, logger)
	if err == nil {
		t.Fatal("want privilege flag mapping rejected")
	}
	if err := DefaultMapping().Validate(); err != nil {
		t.Errorf("want default mapping valid, got %v", err)
	}
}

// racyUsers creates the user out from under the first Create call, the way a
// concurrent login would.
type racyUsers struct {
	storage.Users
	raced bool
}

func (r *racyUsers) Create(ctx context.Context, username string, fields storage.Fields) (*storage.User, error) {
	if !r.raced {
		r.raced = true
		if _, err := r.Users.Create(ctx, username, storage.Fields{}); err != nil {
			return nil, err
		}
	}
	return r.Users.Create(ctx, username, fields)
}

func TestProvisionRetriesConflict(t *testing.T) {
	ctx := context.Background()
	users := &racyUsers{Users: memory.New()}
	p := newProvisioner(t, users, Mapping{})

	u, err := p.Provision(ctx, provider.Profile{"username": "jdoe", "email": "jane@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if u.Email != "jane@example.com" {
		t.Errorf("want retried update to apply fields, got %+v", u)
	}
}
