// Package provision maps identity provider profiles onto local users.
package provision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/heroku/actas/internal/provider"
	"github.com/heroku/actas/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultUsernameKey is the profile key holding the username.
const DefaultUsernameKey = "username"

// Mapping says which profile keys populate which user fields.
type Mapping struct {
	// UsernameKey is the profile key the username is read from
	UsernameKey string `json:"usernameKey"`
	// Fields maps profile keys to storage.Field* names
	Fields map[string]string `json:"fields"`
}

// DefaultMapping reads first_name, last_name and email from profile keys of
// the same name.
func DefaultMapping() Mapping {
	return Mapping{
		UsernameKey: DefaultUsernameKey,
		Fields: map[string]string{
			storage.FieldFirstName: storage.FieldFirstName,
			storage.FieldLastName:  storage.FieldLastName,
			storage.FieldEmail:     storage.FieldEmail,
		},
	}
}

func (m Mapping) withDefaults() Mapping {
	d := DefaultMapping()
	if m.UsernameKey == "" {
		m.UsernameKey = d.UsernameKey
	}
	if m.Fields == nil {
		m.Fields = d.Fields
	}
	return m
}

// Validate checks every mapped user field is one provisioning may write.
func (m Mapping) Validate() error {
	var bad []string
	for pk, uf := range m.Fields {
		if !storage.IsKnownField(uf) {
			bad = append(bad, fmt.Sprintf("%s -> %s", pk, uf))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("profile mapping targets unknown user fields (%s), allowed fields are %s",
			strings.Join(bad, ", "), strings.Join(storage.KnownFields, ", "))
	}
	return nil
}

// Func turns a profile into a persisted local user.
type Func func(ctx context.Context, p provider.Profile) (*storage.User, error)

// MappingError is returned when a profile can't be mapped to a user.
type MappingError struct {
	Key string
}

func (m *MappingError) Error() string {
	return fmt.Sprintf("profile has no usable %q value for the username", m.Key)
}

// MappingErr marks this as a profile mapping error.
func (m *MappingError) MappingErr() {}

type errMapping interface {
	MappingErr()
}

// IsMappingErr checks to see if err is because the profile was malformed.
func IsMappingErr(err error) bool {
	_, ok := errors.Cause(err).(errMapping)
	return ok
}

// Provisioner creates or updates users from profiles.
type Provisioner struct {
	users   storage.Users
	mapping Mapping
	logger  logrus.FieldLogger
}

// New returns a Provisioner writing to users. Blank parts of mapping take the
// defaults.
func New(users storage.Users, mapping Mapping, logger logrus.FieldLogger) (*Provisioner, error) {
	mapping = mapping.withDefaults()
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	return &Provisioner{users: users, mapping: mapping, logger: logger}, nil
}

// Provision looks the user up by the profile's username. Existing users have
// their mapped fields overwritten, unknown usernames are created. Privilege
// flags are never touched.
func (p *Provisioner) Provision(ctx context.Context, profile provider.Profile) (*storage.User, error) {
	username, ok := profile.String(p.mapping.UsernameKey)
	if !ok || username == "" {
		return nil, &MappingError{Key: p.mapping.UsernameKey}
	}

	fields := storage.Fields{}
	for pk, uf := range p.mapping.Fields {
		// absent keys clear the field
		v, _ := profile.String(pk)
		fields[uf] = v
	}

	u, err := p.createOrUpdate(ctx, username, fields)
	if err != nil && storage.IsConflictErr(err) {
		// lost a race with a concurrent login creating the same user
		p.logger.WithField("username", username).Debug("User created concurrently, updating instead")
		u, err = p.createOrUpdate(ctx, username, fields)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *Provisioner) createOrUpdate(ctx context.Context, username string, fields storage.Fields) (*storage.User, error) {
	u, err := p.users.GetByUsername(ctx, username)
	switch {
	case err == nil:
		if err := p.users.Update(ctx, u, fields); err != nil {
			return nil, errors.Wrapf(err, "error updating user %q", username)
		}
		p.logger.WithField("username", username).Info("Updated user from profile")
		return u, nil
	case storage.IsNotFoundErr(err):
		u, err := p.users.Create(ctx, username, fields)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating user %q", username)
		}
		p.logger.WithField("username", username).Info("Created user from profile")
		return u, nil
	default:
		return nil, errors.Wrapf(err, "error looking up user %q", username)
	}
}
