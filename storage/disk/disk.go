package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
	bolt "go.etcd.io/bbolt"

	"github.com/heroku/actas/storage"
)

var (
	_ storage.Users    = (*Storage)(nil)
	_ storage.AuditLog = (*Storage)(nil)
)

var (
	bucketUsers     = []byte("users")
	bucketUsernames = []byte("usernames")
	bucketAudit     = []byte("impersonations")
)

var mh codec.MsgpackHandle

type record struct {
	Username    string
	FirstName   string
	LastName    string
	Email       string
	IsStaff     bool
	IsSuperuser bool
	IsActive    bool
}

func (r *record) encode() ([]byte, error) {
	var b []byte
	err := codec.NewEncoderBytes(&b, &mh).Encode(r)
	return b, err
}

func decodeRecord(data []byte) (*record, error) {
	r := new(record)
	err := codec.NewDecoderBytes(data, &mh).Decode(r)
	return r, err
}

func (r *record) user(id int64) *storage.User {
	return &storage.User{
		ID:          id,
		Username:    r.Username,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Email:       r.Email,
		IsStaff:     r.IsStaff,
		IsSuperuser: r.IsSuperuser,
		IsActive:    r.IsActive,
	}
}

// Storage is a storage.Users backed by a bbolt database file.
type Storage struct {
	db  *bolt.DB
	Now func() time.Time
}

func New(path string, mode os.FileMode) (*Storage, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "Error opening %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketUsernames, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "Error creating buckets")
	}
	return &Storage{db: db, Now: time.Now}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) GetByUsername(_ context.Context, username string) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bolt.Tx) error {
		idb := tx.Bucket(bucketUsernames).Get([]byte(username))
		if idb == nil {
			return storage.NotFound(fmt.Errorf("user %q not found", username))
		}
		var err error
		u, err = get(tx, int64(binary.BigEndian.Uint64(idb)))
		return err
	})
	return u, err
}

func (s *Storage) GetByID(_ context.Context, id int64) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = get(tx, id)
		return err
	})
	return u, err
}

func (s *Storage) Create(_ context.Context, username string, fields storage.Fields) (*storage.User, error) {
	var u *storage.User
	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(username)) != nil {
			return storage.Conflict(fmt.Errorf("username %q already exists", username))
		}

		users := tx.Bucket(bucketUsers)
		seq, err := users.NextSequence()
		if err != nil {
			return err
		}

		u = &storage.User{ID: int64(seq), Username: username, IsActive: true}
		fields.Apply(u)

		if err := put(tx, u); err != nil {
			return err
		}
		return names.Put([]byte(username), itob(u.ID))
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Storage) Update(_ context.Context, u *storage.User, fields storage.Fields) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get(tx, u.ID)
		if err != nil {
			return err
		}
		fields.Apply(stored)
		if err := put(tx, stored); err != nil {
			return err
		}
		fields.Apply(u)
		return nil
	})
}

func (s *Storage) List(_ context.Context) ([]*storage.User, error) {
	var users []*storage.User
	err := s.db.View(func(tx *bolt.Tx) error {
		// big endian keys iterate in ID order
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			users = append(users, r.user(int64(binary.BigEndian.Uint64(k))))
			return nil
		})
	})
	return users, err
}

func (s *Storage) SetPrivileges(_ context.Context, id int64, staff, superuser bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, err := get(tx, id)
		if err != nil {
			return err
		}
		u.IsStaff = staff
		u.IsSuperuser = superuser
		return put(tx, u)
	})
}

type auditEntry struct {
	Kind           string
	ImpersonatorID int64
	ImpersonateeID int64
	At             time.Time
}

func (s *Storage) RecordImpersonation(_ context.Context, rec storage.AuditRecord) error {
	if rec.At.IsZero() {
		rec.At = s.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var data []byte
		if err := codec.NewEncoderBytes(&data, &mh).Encode(auditEntry(rec)); err != nil {
			return err
		}
		return b.Put(itob(int64(seq)), data)
	})
}

// Records returns the stored audit records, oldest first.
func (s *Storage) Records() ([]storage.AuditRecord, error) {
	var recs []storage.AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			var e auditEntry
			if err := codec.NewDecoderBytes(v, &mh).Decode(&e); err != nil {
				return err
			}
			recs = append(recs, storage.AuditRecord(e))
			return nil
		})
	})
	return recs, err
}

func get(tx *bolt.Tx, id int64) (*storage.User, error) {
	o := tx.Bucket(bucketUsers).Get(itob(id))
	if o == nil {
		return nil, storage.NotFound(fmt.Errorf("user %d not found", id))
	}
	r, err := decodeRecord(o)
	if err != nil {
		return nil, errors.Wrapf(err, "Error decoding user %d", id)
	}
	return r.user(id), nil
}

func put(tx *bolt.Tx, u *storage.User) error {
	r := &record{
		Username:    u.Username,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Email:       u.Email,
		IsStaff:     u.IsStaff,
		IsSuperuser: u.IsSuperuser,
		IsActive:    u.IsActive,
	}
	rb, err := r.encode()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUsers).Put(itob(u.ID), rb)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
