package storage

import (
	"context"
	"time"
)

// Provider managed user fields. These are the only fields a Fields map may
// carry; privilege flags are administrator managed and never appear here.
const (
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldEmail     = "email"
)

// KnownFields lists the user fields that can be set from Fields.
var KnownFields = []string{FieldFirstName, FieldLastName, FieldEmail}

// User is a local user record.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`

	IsStaff     bool `json:"is_staff"`
	IsSuperuser bool `json:"is_superuser"`
	IsActive    bool `json:"is_active"`
}

// IsAuthenticated reports whether u is a real, persisted user. A nil user
// stands in for an anonymous visitor.
func (u *User) IsAuthenticated() bool {
	return u != nil && u.ID != 0
}

func (u *User) String() string {
	if u == nil {
		return "AnonymousUser"
	}
	return u.Username
}

// Fields holds provider managed attribute values, keyed by one of the Field*
// constants.
type Fields map[string]string

// Apply sets the known fields on u. Unknown keys are ignored.
func (f Fields) Apply(u *User) {
	for k, v := range f {
		switch k {
		case FieldFirstName:
			u.FirstName = v
		case FieldLastName:
			u.LastName = v
		case FieldEmail:
			u.Email = v
		}
	}
}

// IsKnownField reports whether name is a field Fields can carry.
func IsKnownField(name string) bool {
	for _, f := range KnownFields {
		if f == name {
			return true
		}
	}
	return false
}

// Users is the user directory the rest of the service works against.
type Users interface {
	// GetByUsername returns the user with the given username. If the user
	// doesn't exist, an IsNotFoundErr error will be returned.
	GetByUsername(ctx context.Context, username string) (*User, error)
	// GetByID returns the user with the given ID. If the user doesn't exist,
	// an IsNotFoundErr error will be returned.
	GetByID(ctx context.Context, id int64) (*User, error)
	// Create stores a new, active, unprivileged user. If the username is
	// already taken an IsConflictErr error will be returned.
	Create(ctx context.Context, username string, fields Fields) (*User, error)
	// Update applies fields to the stored user, and to u.
	Update(ctx context.Context, u *User, fields Fields) error
	// List returns all users ordered by ID.
	List(ctx context.Context) ([]*User, error)
	// SetPrivileges updates the administrator managed flags of a user.
	SetPrivileges(ctx context.Context, id int64, staff, superuser bool) error
}

// Impersonation audit record kinds.
const (
	AuditKindStarted = "impersonation_started"
	AuditKindEnded   = "impersonation_ended"
)

// AuditRecord is a persisted impersonation lifecycle event.
type AuditRecord struct {
	Kind           string    `json:"kind"`
	ImpersonatorID int64     `json:"impersonator_id"`
	ImpersonateeID int64     `json:"impersonatee_id"`
	At             time.Time `json:"at"`
}

// AuditLog stores impersonation records.
type AuditLog interface {
	RecordImpersonation(ctx context.Context, rec AuditRecord) error
}

type errNotFound interface {
	NotFoundErr()
}

// IsNotFoundErr checks to see if the passed error is because the item was not
// found, as opposed to an actual error state. Errors comply to this if they
// have an `NotFoundErr()` method.
func IsNotFoundErr(err error) bool {
	_, ok := cause(err).(errNotFound)
	return ok
}

type errConflict interface {
	ConflictErr()
}

// IsConflictErr checks to see if the passed error occured because the item
// already exists. Errors comply to this if they have a `ConflictErr()` method
func IsConflictErr(err error) bool {
	_, ok := cause(err).(errConflict)
	return ok
}

// cause unwraps errors wrapped with github.com/pkg/errors or fmt's %w.
func cause(err error) error {
	for err != nil {
		switch e := err.(type) {
		case errNotFound, errConflict:
			return err
		case interface{ Cause() error }:
			err = e.Cause()
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return err
		}
	}
	return nil
}

// NotFound returns an error satisfying IsNotFoundErr, for use by
// implementations outside this package.
func NotFound(err error) error {
	return &notFound{err}
}

// Conflict returns an error satisfying IsConflictErr.
func Conflict(err error) error {
	return &conflict{err}
}

type notFound struct {
	error
}

func (*notFound) NotFoundErr() {}

func (n *notFound) Unwrap() error { return n.error }

type conflict struct {
	error
}

func (*conflict) ConflictErr() {}

func (c *conflict) Unwrap() error { return c.error }
