package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/heroku/actas/storage"
)

var (
	_ storage.Users    = (*Storage)(nil)
	_ storage.AuditLog = (*Storage)(nil)
)

// Storage is an in-memory implementation of storage.Users and
// storage.AuditLog. It should only be used for testing or similar. All data
// will be lost when the process ends.
type Storage struct {
	sync.Mutex
	users   map[int64]*storage.User
	byName  map[string]int64
	lastID  int64
	records []storage.AuditRecord
}

func New() *Storage {
	return &Storage{
		users:  make(map[int64]*storage.User),
		byName: make(map[string]int64),
	}
}

func (s *Storage) GetByUsername(_ context.Context, username string) (*storage.User, error) {
	s.Lock()
	defer s.Unlock()

	id, ok := s.byName[username]
	if !ok {
		return nil, storage.NotFound(fmt.Errorf("user %q not found", username))
	}
	return s.copyOf(id), nil
}

func (s *Storage) GetByID(_ context.Context, id int64) (*storage.User, error) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.users[id]; !ok {
		return nil, storage.NotFound(fmt.Errorf("user %d not found", id))
	}
	return s.copyOf(id), nil
}

func (s *Storage) Create(_ context.Context, username string, fields storage.Fields) (*storage.User, error) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.byName[username]; ok {
		return nil, storage.Conflict(fmt.Errorf("username %q already exists", username))
	}

	s.lastID++
	u := &storage.User{ID: s.lastID, Username: username, IsActive: true}
	fields.Apply(u)
	s.users[u.ID] = u
	s.byName[username] = u.ID

	return s.copyOf(u.ID), nil
}

func (s *Storage) Update(_ context.Context, u *storage.User, fields storage.Fields) error {
	s.Lock()
	defer s.Unlock()

	stored, ok := s.users[u.ID]
	if !ok {
		return storage.NotFound(fmt.Errorf("user %d not found", u.ID))
	}
	fields.Apply(stored)
	fields.Apply(u)
	return nil
}

func (s *Storage) List(_ context.Context) ([]*storage.User, error) {
	s.Lock()
	defer s.Unlock()

	ret := make([]*storage.User, 0, len(s.users))
	for id := range s.users {
		ret = append(ret, s.copyOf(id))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (s *Storage) SetPrivileges(_ context.Context, id int64, staff, superuser bool) error {
	s.Lock()
	defer s.Unlock()

	u, ok := s.users[id]
	if !ok {
		return storage.NotFound(fmt.Errorf("user %d not found", id))
	}
	u.IsStaff = staff
	u.IsSuperuser = superuser
	return nil
}

func (s *Storage) RecordImpersonation(_ context.Context, rec storage.AuditRecord) error {
	s.Lock()
	defer s.Unlock()

	s.records = append(s.records, rec)
	return nil
}

// Records returns the audit records stored so far.
func (s *Storage) Records() []storage.AuditRecord {
	s.Lock()
	defer s.Unlock()

	return append([]storage.AuditRecord(nil), s.records...)
}

// copyOf must be called with the lock held
func (s *Storage) copyOf(id int64) *storage.User {
	u := *s.users[id]
	return &u
}
