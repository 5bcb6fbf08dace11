package repo

import "time"

// Account represents the accounts table row: one per bot user.
type Account struct {
	ID            string
	UserID        int64
	VKUserID      *int64
	VKAccessToken *string
	Active        bool
	CreatedAt     time.Time
	LastSeen      time.Time
}

// Linked reports whether the account has completed the OAuth flow.
func (a *Account) Linked() bool {
	return a.VKUserID != nil && a.VKAccessToken != nil
}
