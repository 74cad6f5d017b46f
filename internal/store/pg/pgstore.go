// Package pg is the Postgres persistence layer. One Store serves the
// identity sub-stores, the audit trail, and a database-backed revocation
// registry for deployments without Redis.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"caseflow.io/internal/audit"
	"caseflow.io/internal/identity"
)

type Store struct {
	db *sql.DB
}

var _ identity.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle, mainly for tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users() identity.UserStore                 { return users{s.db} }
func (s *Store) Accounts() identity.AccountStore           { return accounts{s.db} }
func (s *Store) Memberships() identity.MembershipStore     { return memberships{s.db} }
func (s *Store) RefreshTokens() identity.RefreshTokenStore { return refreshTokens{s.db} }
func (s *Store) ResetTokens() identity.ResetTokenStore     { return resetTokens{s.db} }

// --- users ---

type users struct{ db *sql.DB }

func (s users) Create(ctx context.Context, u *identity.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, username, password_hash, status, is_admin, is_super_admin, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, u.ID, u.Email, u.Username, u.PasswordHash, u.Status, u.IsAdmin, u.IsSuperAdmin, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		// Concurrent registrations of one email race past the service's
		// existence check; the loser lands on the unique index instead.
		return fmt.Errorf("%w: email already registered", identity.ErrAlreadyExists)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `id, email, username, password_hash, status, is_admin, is_super_admin, last_login_at, created_at, updated_at`

func scanUser(row *sql.Row) (*identity.User, error) {
	var u identity.User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Status,
		&u.IsAdmin, &u.IsSuperAdmin, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (s users) Find(ctx context.Context, id string) (*identity.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s users) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email=$1`, email))
}

func (s users) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash=$2, updated_at=now() where id=$1
	`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s users) SetStatus(ctx context.Context, userID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set status=$2, updated_at=now() where id=$1
	`, userID, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s users) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set last_login_at=$2, updated_at=$2 where id=$1
	`, userID, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- accounts ---

type accounts struct{ db *sql.DB }

func (s accounts) Create(ctx context.Context, a *identity.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(id, name, created_at, updated_at) values ($1,$2,$3,$4)
	`, a.ID, a.Name, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s accounts) Find(ctx context.Context, id string) (*identity.Account, error) {
	var a identity.Account
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at, updated_at from accounts where id=$1
	`, id).Scan(&a.ID, &a.Name, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- memberships ---

type memberships struct{ db *sql.DB }

const membershipColumns = `user_id, account_id, role, is_primary, removed_at, created_at, updated_at`

func scanMembership(row *sql.Row) (*identity.AccountMembership, error) {
	var m identity.AccountMembership
	var removed sql.NullTime
	err := row.Scan(&m.UserID, &m.AccountID, &m.Role, &m.IsPrimary, &removed, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if removed.Valid {
		t := removed.Time
		m.RemovedAt = &t
	}
	return &m, nil
}

func (s memberships) Create(ctx context.Context, m *identity.AccountMembership) error {
	_, err := s.db.ExecContext(ctx, `
		insert into account_memberships(user_id, account_id, role, is_primary, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6)
	`, m.UserID, m.AccountID, m.Role, m.IsPrimary, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s memberships) Find(ctx context.Context, userID, accountID string) (*identity.AccountMembership, error) {
	return scanMembership(s.db.QueryRowContext(ctx, `
		select `+membershipColumns+` from account_memberships
		where user_id=$1 and account_id=$2 and removed_at is null
	`, userID, accountID))
}

func (s memberships) Primary(ctx context.Context, userID string) (*identity.AccountMembership, error) {
	return scanMembership(s.db.QueryRowContext(ctx, `
		select `+membershipColumns+` from account_memberships
		where user_id=$1 and is_primary and removed_at is null
	`, userID))
}

func (s memberships) ListForUser(ctx context.Context, userID string) ([]identity.AccountMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+membershipColumns+` from account_memberships
		where user_id=$1 and removed_at is null
		order by created_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []identity.AccountMembership
	for rows.Next() {
		var m identity.AccountMembership
		var removed sql.NullTime
		if err := rows.Scan(&m.UserID, &m.AccountID, &m.Role, &m.IsPrimary, &removed, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if removed.Valid {
			t := removed.Time
			m.RemovedAt = &t
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s memberships) SetRole(ctx context.Context, userID, accountID string, role identity.Role) error {
	res, err := s.db.ExecContext(ctx, `
		update account_memberships set role=$3, updated_at=now()
		where user_id=$1 and account_id=$2 and removed_at is null
	`, userID, accountID, role)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s memberships) SetPrimary(ctx context.Context, userID, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update account_memberships set is_primary=false, updated_at=now()
		where user_id=$1 and is_primary
	`, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update account_memberships set is_primary=true, updated_at=now()
		where user_id=$1 and account_id=$2 and removed_at is null
	`, userID, accountID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s memberships) Remove(ctx context.Context, userID, accountID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update account_memberships set removed_at=$3, is_primary=false, updated_at=$3
		where user_id=$1 and account_id=$2 and removed_at is null
	`, userID, accountID, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- refresh tokens ---

type refreshTokens struct{ db *sql.DB }

const refreshColumns = `id, user_id, access_token_jti, family_id, previous_token_id, token_hash,
		device_info, ip, expires_at, active, revoked_at, created_at, last_used_at`

func scanRefresh(scan func(dest ...any) error) (*identity.RefreshToken, error) {
	var t identity.RefreshToken
	var prev, device, ip sql.NullString
	var revoked, lastUsed sql.NullTime
	err := scan(&t.ID, &t.UserID, &t.AccessTokenJTI, &t.FamilyID, &prev, &t.TokenHash,
		&device, &ip, &t.ExpiresAt, &t.Active, &revoked, &t.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.PreviousTokenID = prev.String
	t.DeviceInfo = device.String
	t.IP = ip.String
	if revoked.Valid {
		v := revoked.Time
		t.RevokedAt = &v
	}
	if lastUsed.Valid {
		v := lastUsed.Time
		t.LastUsedAt = &v
	}
	return &t, nil
}

func (s refreshTokens) Create(ctx context.Context, t *identity.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, access_token_jti, family_id, previous_token_id, token_hash,
			device_info, ip, expires_at, active, created_at)
		values ($1,$2,$3,$4,nullif($5,''),$6,nullif($7,''),nullif($8,''),$9,$10,$11)
	`, t.ID, t.UserID, t.AccessTokenJTI, t.FamilyID, t.PreviousTokenID, t.TokenHash,
		t.DeviceInfo, t.IP, t.ExpiresAt, t.Active, t.CreatedAt)
	return err
}

func (s refreshTokens) Find(ctx context.Context, id string) (*identity.RefreshToken, error) {
	return scanRefresh(s.db.QueryRowContext(ctx, `
		select `+refreshColumns+` from refresh_tokens where id=$1
	`, id).Scan)
}

func (s refreshTokens) FindByHash(ctx context.Context, tokenHash string) (*identity.RefreshToken, error) {
	return scanRefresh(s.db.QueryRowContext(ctx, `
		select `+refreshColumns+` from refresh_tokens where token_hash=$1
	`, tokenHash).Scan)
}

func (s refreshTokens) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	// The `and active` guard makes this the single serialization point for
	// rotation races: exactly one caller observes one affected row.
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set active=false, revoked_at=$2 where id=$1 and active
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s refreshTokens) listActive(ctx context.Context, where string, arg any) ([]identity.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+refreshColumns+` from refresh_tokens where `+where+` and active
		order by created_at asc
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []identity.RefreshToken
	for rows.Next() {
		t, err := scanRefresh(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	return res, rows.Err()
}

func (s refreshTokens) ListActiveByUser(ctx context.Context, userID string) ([]identity.RefreshToken, error) {
	return s.listActive(ctx, `user_id=$1`, userID)
}

func (s refreshTokens) ListActiveByFamily(ctx context.Context, familyID string) ([]identity.RefreshToken, error) {
	return s.listActive(ctx, `family_id=$1`, familyID)
}

func (s refreshTokens) TouchUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set last_used_at=$2 where id=$1
	`, id, at)
	return err
}

func (s refreshTokens) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens where not active and revoked_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- password reset tokens ---

type resetTokens struct{ db *sql.DB }

func (s resetTokens) Create(ctx context.Context, t *identity.PasswordResetToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tokens(id, user_id, token_hash, expires_at, created_at)
		values ($1,$2,$3,$4,$5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s resetTokens) FindByHash(ctx context.Context, tokenHash string) (*identity.PasswordResetToken, error) {
	var t identity.PasswordResetToken
	var used sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, used_at, created_at
		from password_reset_tokens where token_hash=$1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &used, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if used.Valid {
		v := used.Time
		t.UsedAt = &v
	}
	return &t, nil
}

func (s resetTokens) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update password_reset_tokens set used_at=$2 where id=$1 and used_at is null
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s resetTokens) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from password_reset_tokens where expires_at < $1 or used_at is not null
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- audit trail ---

// AuditStore appends to the audit_log table.
type AuditStore struct{ db *sql.DB }

var _ audit.Store = (*AuditStore)(nil)

func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log(id, occurred_at, entity_type, entity_id, action,
			performed_by, account_id, details, is_sensitive, request_id)
		values ($1,$2,$3,$4,$5,nullif($6,''),nullif($7,''),$8,$9,nullif($10,''))
	`, e.ID, e.OccurredAt, e.EntityType, e.EntityID, e.Action,
		e.PerformedBy, e.AccountID, details, e.IsSensitive, e.RequestID)
	return err
}

// --- revocation registry ---

// Registry is the database-backed JTI blacklist for deployments without
// Redis. Natural expiry stays with the row so sweeps can reclaim it.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

var _ identity.RevocationRegistry = (*Registry)(nil)

func NewRegistry(db *sql.DB, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{db: db, now: now}
}

func (r *Registry) Blacklist(ctx context.Context, jti string, naturalExpiry time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		insert into revoked_tokens(jti, expires_at, revoked_at)
		values ($1,$2,$3)
		on conflict (jti) do nothing
	`, jti, naturalExpiry, r.now().UTC())
	return err
}

func (r *Registry) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		select 1 from revoked_tokens where jti=$1 and expires_at > $2
	`, jti, r.now().UTC()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		delete from revoked_tokens where expires_at <= $1
	`, r.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}
