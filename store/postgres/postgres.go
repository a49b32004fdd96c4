// Package postgres implements [store.RecordStore] on PostgreSQL through
// database/sql and the pgx driver. The schema lives in migrations/ and is
// applied with [Migrate].
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrEthical07/mailauth/store"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DBTX is the subset of database/sql used by the store. Both *sql.DB and
// *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a PostgreSQL-backed record store.
type Store struct {
	db *sql.DB
}

var _ store.RecordStore = (*Store)(nil)

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const accountColumns = `id, username, username_view, address, password_hash,
	temp_password_hash, temp_password_created, temp_password_valid_after,
	two_factor, totp_secret, disabled_scopes, disabled, suspended,
	require_password_change, auth_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (store.Account, error) {
	var (
		a           store.Account
		tempHash    sql.NullString
		tempCreated sql.NullTime
		tempValid   sql.NullTime
		scopes      []byte
	)
	err := row.Scan(&a.ID, &a.Username, &a.UsernameView, &a.Address, &a.PasswordHash,
		&tempHash, &tempCreated, &tempValid,
		&a.TwoFactor, &a.TOTPSecret, &scopes, &a.Disabled, &a.Suspended,
		&a.RequirePasswordChange, &a.AuthVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Account{}, store.ErrNotFound
		}
		return store.Account{}, fmt.Errorf("db error: %w", err)
	}

	if tempHash.Valid && tempHash.String != "" {
		a.TempPassword = &store.TempPassword{
			Hash:       tempHash.String,
			Created:    tempCreated.Time,
			ValidAfter: tempValid.Time,
		}
	}
	if a.DisabledScopes, err = decodeList(scopes); err != nil {
		return store.Account{}, err
	}
	return a, nil
}

func (s *Store) FindAccountByID(ctx context.Context, id string) (store.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) FindAccountByUsernameView(ctx context.Context, view string) (store.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE username_view = $1`
	return scanAccount(s.db.QueryRowContext(ctx, query, view))
}

func (s *Store) UpdateAccountPassword(ctx context.Context, id, priorHash, newHash string) error {
	query :=
		`UPDATE accounts SET password_hash = $3
		 WHERE id = $1 AND password_hash = $2`

	res, err := s.db.ExecContext(ctx, query, id, priorHash, newHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return s.checkConditional(ctx, res, id)
}

func (s *Store) ConsumeTempPassword(ctx context.Context, id, priorTempHash string) error {
	query :=
		`UPDATE accounts SET
			password_hash = temp_password_hash,
			temp_password_hash = NULL,
			temp_password_created = NULL,
			temp_password_valid_after = NULL,
			require_password_change = TRUE,
			auth_version = auth_version + 1
		 WHERE id = $1 AND temp_password_hash = $2`

	res, err := s.db.ExecContext(ctx, query, id, priorTempHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return s.checkConditional(ctx, res, id)
}

// checkConditional maps a conditional update that touched no rows to
// ErrNotFound or ErrConflict.
func (s *Store) checkConditional(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (s *Store) SetTOTPSecret(ctx context.Context, id string, secret []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET totp_secret = $2 WHERE id = $1`, id, secret)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SetTwoFactor(ctx context.Context, id string, methods store.TwoFactorSet) error {
	query :=
		`UPDATE accounts SET two_factor = $2, auth_version = auth_version + 1
		 WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, store.NewTwoFactorSet(methods...))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

func (s *Store) FindAddress(ctx context.Context, view string) (store.Address, error) {
	var (
		a         store.Address
		accountID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, view, account_id FROM addresses WHERE view = $1`, view).
		Scan(&a.ID, &a.View, &accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Address{}, store.ErrNotFound
		}
		return store.Address{}, fmt.Errorf("db error: %w", err)
	}
	a.AccountID = accountID.String
	return a, nil
}

func (s *Store) FindAddressesByViews(ctx context.Context, views []string) ([]store.Address, error) {
	if len(views) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(views))
	args := make([]any, len(views))
	for i, v := range views {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = v
	}
	query := `SELECT id, view, account_id FROM addresses WHERE view IN (` + strings.Join(placeholders, ", ") + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := make([]store.Address, 0, len(views))
	for rows.Next() {
		var (
			a         store.Address
			accountID sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.View, &accountID); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		a.AccountID = accountID.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (s *Store) FindDomainAlias(ctx context.Context, domain string) (store.DomainAlias, error) {
	var a store.DomainAlias
	err := s.db.QueryRowContext(ctx, `SELECT alias, domain FROM domain_aliases WHERE alias = $1`, domain).
		Scan(&a.Alias, &a.Domain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.DomainAlias{}, store.ErrNotFound
		}
		return store.DomainAlias{}, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

func (s *Store) FindASPsByAccount(ctx context.Context, accountID string) ([]store.ASP, error) {
	query :=
		`SELECT id, account_id, description, hash, selector, scopes, created, expires, last_used
		 FROM asps WHERE account_id = $1
		 ORDER BY created`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []store.ASP
	for rows.Next() {
		var (
			a        store.ASP
			scopes   []byte
			expires  sql.NullTime
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Description, &a.Hash, &a.Selector,
			&scopes, &a.Created, &expires, &lastUsed); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if a.Scopes, err = decodeList(scopes); err != nil {
			return nil, err
		}
		a.Expires = expires.Time
		a.LastUsed = lastUsed.Time
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (s *Store) CreateASP(ctx context.Context, asp store.ASP) error {
	scopes, err := json.Marshal(asp.Scopes)
	if err != nil {
		return err
	}

	query :=
		`INSERT INTO asps (id, account_id, description, hash, selector, scopes, created, expires, last_used)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, query,
		asp.ID, asp.AccountID, asp.Description, asp.Hash, asp.Selector, string(scopes),
		asp.Created, nullTime(asp.Expires), nullTime(asp.LastUsed))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return store.ErrConflict
			case pgForeignKeyViolation:
				return store.ErrNotFound
			}
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeleteASP removes the password and advances the owner's AuthVersion in one
// transaction.
func (s *Store) DeleteASP(ctx context.Context, accountID, id string) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM asps WHERE id = $1 AND account_id = $2`, id, accountID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET auth_version = auth_version + 1 WHERE id = $1`, accountID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

func (s *Store) TouchASP(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE asps SET last_used = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

// UpsertAuditEvent locks the newest matching row inside the window and bumps
// it, or inserts the event when there is none.
func (s *Store) UpsertAuditEvent(ctx context.Context, upsert store.AuditUpsert) (string, bool, error) {
	ev := upsert.Event
	if ev.Events <= 0 {
		ev.Events = 1
	}

	var (
		id       string
		inserted bool
	)
	err := withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		query :=
			`SELECT id FROM auth_events
			 WHERE account_id = $1 AND key = $2 AND created >= $3
			 ORDER BY created DESC
			 LIMIT 1
			 FOR UPDATE`

		err := tx.QueryRowContext(ctx, query, ev.AccountID, ev.Key, upsert.Since).Scan(&id)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `UPDATE auth_events SET events = events + 1, last = $2 WHERE id = $1`, id, ev.Last)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("db error: %w", err)
		}

		insert :=
			`INSERT INTO auth_events (id, account_id, action, result, protocol, ip, session_id,
				target, reason, key, events, created, last, expires)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

		_, err = tx.ExecContext(ctx, insert,
			ev.ID, ev.AccountID, ev.Action, ev.Result, ev.Protocol, ev.IP, ev.SessionID,
			ev.Target, ev.Reason, ev.Key, ev.Events, ev.Created, ev.Last, nullTime(ev.Expires))
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		id, inserted = ev.ID, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, inserted, nil
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func decodeList(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("db error: invalid list column: %w", err)
	}
	return out, nil
}
