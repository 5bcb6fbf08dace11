package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides typed access to the Postgres account store.
type Repository struct {
	pool   *pgxpool.Pool
	codec  TokenCodec
	logger *slog.Logger
}

// New opens a new connection pool to the database.
func New(ctx context.Context, databaseURL string, codec TokenCodec, logger *slog.Logger) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &Repository{
		pool:   pool,
		codec:  codec,
		logger: logger.With("component", "repo"),
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *Repository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

const accountColumns = `id, user_id, vk_user_id, vk_access_token, active, created_at, last_seen`

// GetByUserID returns the account for a Telegram user id.
func (r *Repository) GetByUserID(ctx context.Context, userID int64) (*Account, error) {
	const q = `
SELECT ` + accountColumns + `
FROM accounts
WHERE user_id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, userID)
	var a Account
	if err := row.Scan(&a.ID, &a.UserID, &a.VKUserID, &a.VKAccessToken, &a.Active, &a.CreatedAt, &a.LastSeen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// GetOrCreate returns the existing account or inserts a fresh unlinked row.
// The unique constraint on user_id makes concurrent calls for the same id
// converge on a single row.
func (r *Repository) GetOrCreate(ctx context.Context, userID int64) (*Account, error) {
	const q = `
INSERT INTO accounts (user_id)
VALUES ($1)
ON CONFLICT (user_id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, userID); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return r.GetByUserID(ctx, userID)
}

// UpdateLinkedAccount encodes the raw token and stores the linking fields in
// a single statement, so the row is either fully linked or untouched.
func (r *Repository) UpdateLinkedAccount(ctx context.Context, userID, vkUserID int64, rawToken string) error {
	encoded, err := r.codec.Encode(rawToken)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	const q = `
UPDATE accounts
SET vk_user_id = $2, vk_access_token = $3, last_seen = NOW()
WHERE user_id = $1;
`
	ct, err := r.pool.Exec(ctx, q, userID, vkUserID, encoded)
	if err != nil {
		return fmt.Errorf("update linked account: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetDecodedToken returns the decoded access token for a user. The second
// return value is false when the account, the stored token, or a successful
// decode is missing; the error covers persistence failures only.
func (r *Repository) GetDecodedToken(ctx context.Context, userID int64) (string, bool, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if account.VKAccessToken == nil {
		return "", false, nil
	}
	decoded, ok := r.codec.Decode(*account.VKAccessToken)
	if !ok {
		r.logger.Warn("stored token failed to decode", "user_id", userID)
		return "", false, nil
	}
	return decoded, true, nil
}
