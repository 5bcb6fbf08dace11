package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRepository provides the account store on a local SQLite database.
type SQLiteRepository struct {
	db     *sql.DB
	codec  TokenCodec
	logger *slog.Logger
}

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, codec TokenCodec, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	// Busy timeout and WAL mode are recommended for SQLite concurrency.
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		codec:  codec,
		logger: logger.With("component", "repo_sqlite"),
	}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the SQLite variants from the sqlite/ subdirectory.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, "sqlite")
	if err != nil {
		return fmt.Errorf("read sqlite migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		sqlBytes, err := fs.ReadFile(filesystem, "sqlite/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := r.db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// GetByUserID returns the account for a Telegram user id.
func (r *SQLiteRepository) GetByUserID(ctx context.Context, userID int64) (*Account, error) {
	const q = `
SELECT id, user_id, vk_user_id, vk_access_token, active, created_at, last_seen
FROM accounts
WHERE user_id = ?
LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, userID)
	var a Account
	if err := row.Scan(&a.ID, &a.UserID, &a.VKUserID, &a.VKAccessToken, &a.Active, &a.CreatedAt, &a.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// GetOrCreate returns the existing account or inserts a fresh unlinked row.
// SQLite does not generate UUIDs, so the row id is minted in Go; the unique
// user_id constraint still collapses concurrent inserts to one row.
func (r *SQLiteRepository) GetOrCreate(ctx context.Context, userID int64) (*Account, error) {
	const q = `
INSERT INTO accounts (id, user_id)
VALUES (?, ?)
ON CONFLICT (user_id) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, uuid.NewString(), userID); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return r.GetByUserID(ctx, userID)
}

// UpdateLinkedAccount encodes the raw token and stores the linking fields in
// a single statement.
func (r *SQLiteRepository) UpdateLinkedAccount(ctx context.Context, userID, vkUserID int64, rawToken string) error {
	encoded, err := r.codec.Encode(rawToken)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	const q = `
UPDATE accounts
SET vk_user_id = ?, vk_access_token = ?, last_seen = CURRENT_TIMESTAMP
WHERE user_id = ?;
`
	res, err := r.db.ExecContext(ctx, q, vkUserID, encoded, userID)
	if err != nil {
		return fmt.Errorf("update linked account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update linked account: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetDecodedToken returns the decoded access token for a user.
func (r *SQLiteRepository) GetDecodedToken(ctx context.Context, userID int64) (string, bool, error) {
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
