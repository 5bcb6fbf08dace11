package repo

import (
	"context"
	"errors"
	"io/fs"
)

// ErrAccountNotFound reports that no account row exists for the user.
var ErrAccountNotFound = errors.New("account not found")

// TokenCodec converts raw access tokens to and from their at-rest encoding.
type TokenCodec interface {
	Encode(plaintext string) (string, error)
	Decode(encoded string) (string, bool)
}

// Store defines the interface for account persistence.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Accounts
	GetByUserID(ctx context.Context, userID int64) (*Account, error)
	GetOrCreate(ctx context.Context, userID int64) (*Account, error)
	UpdateLinkedAccount(ctx context.Context, userID, vkUserID int64, rawToken string) error
	GetDecodedToken(ctx context.Context, userID int64) (string, bool, error)
}
