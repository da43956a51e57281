// Package stepup holds risky actions behind a one-time code sent to the
// user's registered email address.
//
// At most one pending action exists per user. It carries the serialized
// request, the SHA-256 hash of the code (the code itself is never stored),
// and an expiry. A correct code before expiry releases the payload exactly
// once; a wrong code leaves the action in place; an expired action is
// discarded on the next attempt.
package stepup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrVerificationInProgress = errors.New("stepup: verification already in progress")
	ErrNoPendingAction        = errors.New("stepup: no pending action")
	ErrInvalidCode            = errors.New("stepup: invalid verification code")
	ErrCodeExpired            = errors.New("stepup: verification code expired")
)

// CodeDigits is the length of an issued code.
const CodeDigits = 6

// DefaultTTL is how long an issued code stays valid.
const DefaultTTL = 5 * time.Minute

// DefaultRetention is how long an expired action outlives its TTL before
// the purge timer reclaims it.
const DefaultRetention = 24 * time.Hour

// Kind says which operation is held.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindLogin       Kind = "login"
)

// PendingAction is an action awaiting out-of-band confirmation.
type PendingAction struct {
	UserID    string          `json:"userId"`
	Kind      Kind            `json:"kind"`
	CodeHash  string          `json:"-"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the action can no longer be confirmed at now.
func (p *PendingAction) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p *PendingAction) clone() *PendingAction {
	cp := *p
	cp.Payload = append(json.RawMessage(nil), p.Payload...)
	return &cp
}

// HashCode returns the hex SHA-256 digest stored in place of a code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Store persists pending actions, at most one per user.
type Store interface {
	// Get returns the user's action, expired or not.
	Get(ctx context.Context, userID string) (*PendingAction, error)

	// CreateIfAbsent inserts pa unless the user already has an unexpired
	// action at now, in which case it returns ErrVerificationInProgress.
	// An expired action is replaced. The check and insert are atomic.
	CreateIfAbsent(ctx context.Context, pa *PendingAction, now time.Time) error

	// Take atomically removes and returns the action when codeHash matches
	// and it has not expired at now. Otherwise it returns ErrNoPendingAction
	// and leaves the store unchanged.
	Take(ctx context.Context, userID, codeHash string, now time.Time) (*PendingAction, error)

	Delete(ctx context.Context, userID string) error

	// DeleteExpired removes the user's action only if it has expired at now,
	// so a fresh action written by another instance survives.
	DeleteExpired(ctx context.Context, userID string, now time.Time) error

	// PurgeExpired removes up to limit actions that expired before the given time.
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
