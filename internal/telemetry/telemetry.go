// Package telemetry records the raw pointer movement a client streams while
// a page is open. The access engine reads a session's sample count to fill
// the pointer-activity signal when the client reports a session ID instead
// of a count.
//
// Retention is bounded: once the store holds the maximum number of
// sessions, the oldest session is evicted before a new one is written.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/trustbank/internal/metrics"
)

var (
	ErrInvalidBatch    = errors.New("telemetry: sessionId and at least one event are required")
	ErrRaggedStroke    = errors.New("telemetry: time_ms, x and y must have the same length")
	ErrBatchTooLarge   = errors.New("telemetry: too many samples in one batch")
	ErrSessionNotFound = errors.New("telemetry: session not found")
)

const (
	// DefaultMaxSessions bounds how many sessions are retained in total.
	DefaultMaxSessions = 100

	// MaxBatchSamples bounds the samples accepted in one request.
	MaxBatchSamples = 5000

	maxSessionIDLen = 64
)

// Stroke is one burst of pointer movement as parallel arrays: milliseconds
// since page load and the pointer position at each.
type Stroke struct {
	TimeMS []int64   `json:"time_ms"`
	X      []float64 `json:"x"`
	Y      []float64 `json:"y"`
}

// Len is the number of samples in the stroke.
func (s Stroke) Len() int {
	return len(s.TimeMS)
}

// Batch is one upload of strokes for a session.
type Batch struct {
	UserID    string
	SessionID string
	Strokes   []Stroke
	At        time.Time
}

// Store persists pointer strokes.
type Store interface {
	Append(ctx context.Context, b *Batch) error

	// Samples returns the total sample count of a session, or
	// ErrSessionNotFound.
	Samples(ctx context.Context, userID, sessionID string) (int, error)

	// Sessions counts the distinct sessions held.
	Sessions(ctx context.Context) (int, error)

	// EvictOldest removes every stroke of the session with the oldest
	// stroke and returns how many strokes went.
	EvictOldest(ctx context.Context) (int, error)

	DeleteUser(ctx context.Context, userID string) error
}

// Recorder validates uploads and enforces the session cap.
type Recorder struct {
	store       Store
	maxSessions int
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex // serializes the cap check with the write
}

// NewRecorder creates a recorder. A non-positive maxSessions uses
// DefaultMaxSessions.
func NewRecorder(store Store, maxSessions int, logger *slog.Logger) *Recorder {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, maxSessions: maxSessions, logger: logger, now: time.Now}
}

// WithClock overrides the time source (tests).
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record stores strokes for the user's session and returns the number of
// samples accepted.
func (r *Recorder) Record(ctx context.Context, userID, sessionID string, strokes []Stroke) (int, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || len(sessionID) > maxSessionIDLen || len(strokes) == 0 {
		return 0, ErrInvalidBatch
	}
	total := 0
	for _, s := range strokes {
		if len(s.X) != s.Len() || len(s.Y) != s.Len() {
			return 0, ErrRaggedStroke
		}
		total += s.Len()
	}
	if total > MaxBatchSamples {
		return 0, ErrBatchTooLarge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.Samples(ctx, userID, sessionID); errors.Is(err, ErrSessionNotFound) {
		if err := r.makeRoom(ctx); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	if err := r.store.Append(ctx, &Batch{
		UserID:    userID,
		SessionID: sessionID,
		Strokes:   strokes,
		At:        r.now().UTC(),
	}); err != nil {
		return 0, err
	}
	metrics.PointerSamplesTotal.WithLabelValues("recorded").Add(float64(total))
	return total, nil
}

func (r *Recorder) makeRoom(ctx context.Context) error {
	n, err := r.store.Sessions(ctx)
	if err != nil {
		return err
	}
	for ; n >= r.maxSessions; n-- {
		strokes, err := r.store.EvictOldest(ctx)
		if err != nil {
			return err
		}
		metrics.PointerSamplesTotal.WithLabelValues("evicted").Inc()
		r.logger.Debug("evicted oldest pointer session", "strokes", strokes, "cap", r.maxSessions)
	}
	return nil
}

// PointerSamples returns the number of samples recorded for a session.
func (r *Recorder) PointerSamples(ctx context.Context, userID, sessionID string) (int, error) {
	return r.store.Samples(ctx, userID, sessionID)
}

// Forget drops every session of a user.
func (r *Recorder) Forget(ctx context.Context, userID string) error {
	return r.store.DeleteUser(ctx, userID)
}
