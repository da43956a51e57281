package stepup

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustbank/internal/idgen"
	"github.com/mbd888/trustbank/internal/metrics"
	"github.com/mbd888/trustbank/internal/syncutil"
)

// CodeSender delivers a verification code to an email address.
type CodeSender interface {
	SendCode(ctx context.Context, email, code string, expiresAt time.Time) error
}

// Challenge describes an issued code without revealing it.
type Challenge struct {
	Kind      Kind      `json:"kind"`
	ExpiresAt time.Time `json:"expiresAt"`
	CodeSent  bool      `json:"codeSent"`
}

// Status reports a live pending action to the UI.
type Status struct {
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Controller issues and confirms step-up codes. Operations for one user are
// serialized through a sharded lock; the store's atomic primitives keep them
// correct across processes.
type Controller struct {
	store     Store
	sender    CodeSender
	ttl       time.Duration
	retention time.Duration
	locks     *syncutil.KeyLock
	logger    *slog.Logger
	now       func() time.Time
	code      func() (string, error)
}

// NewController creates a controller. A non-positive ttl uses DefaultTTL.
func NewController(store Store, sender CodeSender, ttl time.Duration, logger *slog.Logger) *Controller {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     store,
		sender:    sender,
		ttl:       ttl,
		retention: DefaultRetention,
		locks:     syncutil.NewKeyLock(0),
		logger:    logger,
		now:       time.Now,
		code:      func() (string, error) { return idgen.Code(CodeDigits) },
	}
}

// WithRetention sets how long an expired action is kept before the purge
// removes it. A negative value is treated as zero.
func (c *Controller) WithRetention(d time.Duration) *Controller {
	c.retention = max(d, 0)
	return c
}

// WithClock overrides the time source (tests).
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// WithCodeSource overrides code generation (tests).
func (c *Controller) WithCodeSource(gen func() (string, error)) *Controller {
	c.code = gen
	return c
}

// TTL returns the lifetime of an issued code.
func (c *Controller) TTL() time.Duration {
	return c.ttl
}

// Begin holds payload behind a fresh code and sends it to email. It fails
// with ErrVerificationInProgress while an unexpired action exists. A failed
// delivery does not undo the hold; it is reported through CodeSent.
func (c *Controller) Begin(ctx context.Context, userID, email string, kind Kind, payload json.RawMessage) (*Challenge, error) {
	code, err := c.code()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	pa, err := c.hold(ctx, userID, kind, HashCode(code), payload)
	if err != nil {
		return nil, err
	}

	// Delivery runs unlocked; a slow mail server must not stall the shard.
	ch := &Challenge{Kind: kind, ExpiresAt: pa.ExpiresAt}
	switch {
	case c.sender == nil || email == "":
		c.logger.Warn("step-up code not sent: no delivery address", "user_id", userID)
	default:
		if err := c.sender.SendCode(ctx, email, code, pa.ExpiresAt); err != nil {
			c.logger.Error("failed to send step-up code", "user_id", userID, "error", err)
		} else {
			ch.CodeSent = true
		}
	}
	if !ch.CodeSent {
		metrics.StepUpTotal.WithLabelValues("undelivered").Inc()
	}
	return ch, nil
}

func (c *Controller) hold(ctx context.Context, userID string, kind Kind, codeHash string, payload json.RawMessage) (*PendingAction, error) {
	unlock, err := c.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := c.now()
	pa := &PendingAction{
		UserID:    userID,
		Kind:      kind,
		CodeHash:  codeHash,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.CreateIfAbsent(ctx, pa, now); err != nil {
		if errors.Is(err, ErrVerificationInProgress) {
			metrics.StepUpTotal.WithLabelValues("in_progress").Inc()
		}
		return nil, err
	}
	metrics.StepUpTotal.WithLabelValues("issued").Inc()
	return pa, nil
}

// Confirm releases the held action when code matches. A wrong code returns
// ErrInvalidCode and keeps the action; an expired action is deleted and
// ErrCodeExpired returned.
func (c *Controller) Confirm(ctx context.Context, userID, code string) (*PendingAction, error) {
	unlock, err := c.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pa, err := c.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoPendingAction) {
			metrics.StepUpTotal.WithLabelValues("missing").Inc()
		}
		return nil, err
	}

	now := c.now()
	if pa.Expired(now) {
		if err := c.store.DeleteExpired(ctx, userID, now); err != nil {
			c.logger.Warn("failed to delete expired pending action", "user_id", userID, "error", err)
		}
		metrics.StepUpTotal.WithLabelValues("expired").Inc()
		return nil, ErrCodeExpired
	}

	hash := HashCode(code)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(pa.CodeHash)) != 1 {
		metrics.StepUpTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCode
	}

	// Take is the single point of consumption; another process that already
	// consumed the action makes this one see nothing.
	taken, err := c.store.Take(ctx, userID, hash, now)
	if err != nil {
		if errors.Is(err, ErrNoPendingAction) {
			metrics.StepUpTotal.WithLabelValues("missing").Inc()
		}
		return nil, err
	}
	metrics.StepUpTotal.WithLabelValues("confirmed").Inc()
	return taken, nil
}

// Status returns the user's live pending action, or ErrNoPendingAction.
func (c *Controller) Status(ctx context.Context, userID string) (*Status, error) {
	pa, err := c.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pa.Expired(c.now()) {
		return nil, ErrNoPendingAction
	}
	return &Status{Kind: pa.Kind, CreatedAt: pa.CreatedAt, ExpiresAt: pa.ExpiresAt}, nil
}

// Cancel drops the user's pending action, if any.
func (c *Controller) Cancel(ctx context.Context, userID string) error {
	unlock, err := c.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	return c.store.Delete(ctx, userID)
}

// PurgeExpired removes up to limit actions that expired more than the
// retention window ago. Rows inside the window stay so that a late code
// still gets ErrCodeExpired rather than ErrNoPendingAction.
func (c *Controller) PurgeExpired(ctx context.Context, limit int) (int, error) {
	n, err := c.store.PurgeExpired(ctx, c.now().Add(-c.retention), limit)
	if n > 0 {
		metrics.StepUpTotal.WithLabelValues("purged").Add(float64(n))
	}
	return n, err
}
