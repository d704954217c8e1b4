package models

import "time"

// SessionLock is a mutual-exclusion token, not a queue: a second acquire
// on a locked session fails immediately. At most one row exists per
// session_id, enforced by the primary key.
type SessionLock struct {
	SessionID string    `db:"session_id" json:"session_id"`
	OwnerRef  string    `db:"owner_ref"  json:"owner_ref"`
	LockedAt  time.Time `db:"locked_at"  json:"locked_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}
