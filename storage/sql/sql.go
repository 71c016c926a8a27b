package sql

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/heroku/actas/storage"
)

var (
	_ storage.Users    = (*Storage)(nil)
	_ storage.AuditLog = (*Storage)(nil)
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var userColumns = []string{
	"id", "username", "first_name", "last_name", "email",
	"is_staff", "is_superuser", "is_active",
}

// pqUniqueViolation is the postgres error code for unique_violation
const pqUniqueViolation = "23505"

// Storage is a postgres backed storage.Users.
type Storage struct {
	db *sql.DB
}

// New returns a Storage, applying any outstanding migrations.
func New(ctx context.Context, db *sql.DB) (*Storage, error) {
	s := &Storage{
		db: db,
	}

	if err := s.migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "Error migrating database")
	}

	return s, nil
}

// Ping checks the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(
		ctx,
		`create table if not exists migrations (
		idx int primary key not null,
		at timestamptz not null
		);`,
	); err != nil {
		return err
	}

	return s.execTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxIdx sql.NullInt64
		if err := tx.QueryRowContext(ctx, `select max(idx) from migrations;`).Scan(&maxIdx); err != nil {
			return err
		}

		i := 0
		if maxIdx.Valid {
			i = int(maxIdx.Int64) + 1
		}

		for ; i < len(migrations); i++ {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `insert into migrations (idx, at) values ($1, now());`, i); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Storage) GetByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.getOne(ctx, sq.Eq{"username": username}, fmt.Sprintf("user %q", username))
}

func (s *Storage) GetByID(ctx context.Context, id int64) (*storage.User, error) {
	return s.getOne(ctx, sq.Eq{"id": id}, fmt.Sprintf("user %d", id))
}

func (s *Storage) getOne(ctx context.Context, where sq.Eq, desc string) (*storage.User, error) {
	query, args, err := psq.Select(userColumns...).From("users").Where(where).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building user query")
	}

	u := new(storage.User)
	if err := scanUser(s.db.QueryRowContext(ctx, query, args...), u); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NotFound(fmt.Errorf("%s not found", desc))
		}
		return nil, errors.Wrapf(err, "fetching %s", desc)
	}
	return u, nil
}

func (s *Storage) Create(ctx context.Context, username string, fields storage.Fields) (*storage.User, error) {
	u := &storage.User{Username: username, IsActive: true}
	fields.Apply(u)

	query, args, err := psq.Insert("users").
		Columns("username", "first_name", "last_name", "email", "is_staff", "is_superuser", "is_active").
		Values(u.Username, u.FirstName, u.LastName, u.Email, u.IsStaff, u.IsSuperuser, u.IsActive).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building user insert")
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID); err != nil {
		var perr *pq.Error
		if errors.As(err, &perr) && perr.Code == pqUniqueViolation {
			return nil, storage.Conflict(fmt.Errorf("username %q already exists", username))
		}
		return nil, errors.Wrapf(err, "creating user %q", username)
	}
	return u, nil
}

func (s *Storage) Update(ctx context.Context, u *storage.User, fields storage.Fields) error {
	if len(fields) == 0 {
		return nil
	}

	set := map[string]interface{}{"updated_at": sq.Expr("now()")}
	for k, v := range fields {
		if storage.IsKnownField(k) {
			set[k] = v
		}
	}

	query, args, err := psq.Update("users").SetMap(set).Where(sq.Eq{"id": u.ID}).ToSql()
	if err != nil {
		return errors.Wrap(err, "building user update")
	}

	if err := s.execOne(ctx, query, args, fmt.Sprintf("user %d", u.ID)); err != nil {
		return err
	}
	fields.Apply(u)
	return nil
}

func (s *Storage) List(ctx context.Context) ([]*storage.User, error) {
	query, args, err := psq.Select(userColumns...).From("users").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building user list query")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing users")
	}
	defer func() { _ = rows.Close() }()

	var users []*storage.User
	for rows.Next() {
		u := new(storage.User)
		if err := scanUser(rows, u); err != nil {
			return nil, errors.Wrap(err, "scanning user row")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating user rows")
	}
	return users, nil
}

func (s *Storage) SetPrivileges(ctx context.Context, id int64, staff, superuser bool) error {
	query, args, err := psq.Update("users").
		Set("is_staff", staff).
		Set("is_superuser", superuser).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building privilege update")
	}
	return s.execOne(ctx, query, args, fmt.Sprintf("user %d", id))
}

func (s *Storage) RecordImpersonation(ctx context.Context, rec storage.AuditRecord) error {
	ins := psq.Insert("impersonation_events").Columns("kind", "impersonator_id", "impersonatee_id", "at")
	if rec.At.IsZero() {
		ins = ins.Values(rec.Kind, rec.ImpersonatorID, rec.ImpersonateeID, sq.Expr("now()"))
	} else {
		ins = ins.Values(rec.Kind, rec.ImpersonatorID, rec.ImpersonateeID, rec.At)
	}

	query, args, err := ins.ToSql()
	if err != nil {
		return errors.Wrap(err, "building impersonation insert")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "recording impersonation")
	}
	return nil
}

func (s *Storage) execOne(ctx context.Context, query string, args []interface{}, desc string) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "updating %s", desc)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return storage.NotFound(fmt.Errorf("%s not found", desc))
	}
	return nil
}

func (s *Storage) execTx(ctx context.Context, f func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := f(ctx, tx); err != nil {
		// Not much we can do about an error here, but at least the database will
		// eventually cancel it on its own if it fails
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner, u *storage.User) error {
	return row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &u.IsStaff, &u.IsSuperuser, &u.IsActive)
}

var migrations = []string{
	`create table users (
		id bigserial primary key,
		username text not null unique,
		first_name text not null default '',
		last_name text not null default '',
		email text not null default '',
		is_staff boolean not null default false,
		is_superuser boolean not null default false,
		is_active boolean not null default true,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	);`,
	`create table impersonation_events (
		id bigserial primary key,
		kind text not null,
		impersonator_id bigint not null,
		impersonatee_id bigint not null,
		at timestamptz not null
	);

	create index impersonation_events_at on impersonation_events (at);
	`,
}
