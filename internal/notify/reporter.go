package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/trustbank/internal/metrics"
)

const alertTimeout = 30 * time.Second

// Reporter wraps a Notifier with logging and metrics.
//
// SendCode returns the delivery error so the caller can tell the user the
// code did not go out. Alerts never fail the caller: errors are logged and
// counted, and delivery outlives the request context.
type Reporter struct {
	n      Notifier
	logger *slog.Logger
}

// NewReporter wraps n. A nil n reports every message as undelivered: codes
// fail with ErrNoNotifier and alerts are dropped.
func NewReporter(n Notifier, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{n: n, logger: logger}
}

// SendCode delivers a verification code.
func (r *Reporter) SendCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	if r.n == nil {
		metrics.NotificationsTotal.WithLabelValues(KindCode, "skipped").Inc()
		return ErrNoNotifier
	}
	if err := r.n.SendCode(ctx, email, code, expiresAt); err != nil {
		metrics.NotificationsTotal.WithLabelValues(KindCode, "error").Inc()
		r.logger.Error("verification code delivery failed", "error", err)
		return err
	}
	metrics.NotificationsTotal.WithLabelValues(KindCode, "sent").Inc()
	return nil
}

// BlockedAlert reports a blocked transaction.
func (r *Reporter) BlockedAlert(ctx context.Context, email string, a Alert) {
	r.alert(ctx, KindBlocked, a, func(ctx context.Context) error {
		return r.n.SendBlockedAlert(ctx, email, a)
	})
}

// NewDeviceAlert reports a login from an untrusted device.
func (r *Reporter) NewDeviceAlert(ctx context.Context, email string, a Alert) {
	r.alert(ctx, KindNewDevice, a, func(ctx context.Context) error {
		return r.n.SendNewDeviceAlert(ctx, email, a)
	})
}

// AccountDeleted confirms a closed account to its former address.
func (r *Reporter) AccountDeleted(ctx context.Context, email, name string) {
	r.alert(ctx, KindDeleted, Alert{}, func(ctx context.Context) error {
		return r.n.SendAccountDeleted(ctx, email, name)
	})
}

func (r *Reporter) alert(ctx context.Context, kind string, a Alert, send func(context.Context) error) {
	if r == nil || r.n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	if err := send(ctx); err != nil {
		metrics.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		r.logger.Warn("security alert delivery failed", "kind", kind, "user_id", a.UserID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(kind, "sent").Inc()
}
