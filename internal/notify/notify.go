// Package notify delivers verification codes and security alerts.
//
// Codes go to the account's email address. Alerts (blocked attempts and
// logins from new devices) go to the address and, when configured, to a
// signed webhook consumed by a SIEM.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Notification kinds, used as metric labels.
const (
	KindCode      = "code"
	KindBlocked   = "blocked"
	KindNewDevice = "new_device"
	KindDeleted   = "account_deleted"
)

var (
	ErrInvalidAddress = errors.New("notify: invalid email address")
	ErrNoNotifier     = errors.New("notify: no notifier configured")
)

// Alert describes a security event for the account holder.
type Alert struct {
	UserID    string    `json:"userId"`
	IP        string    `json:"ip,omitempty"`
	Device    string    `json:"device,omitempty"`
	PlaceName string    `json:"placeName,omitempty"`
	Score     int       `json:"score"`
	Reason    string    `json:"reason,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier sends user-facing messages. Implementations block until the
// message is handed off or fails.
type Notifier interface {
	SendCode(ctx context.Context, email, code string, expiresAt time.Time) error
	SendBlockedAlert(ctx context.Context, email string, a Alert) error
	SendNewDeviceAlert(ctx context.Context, email string, a Alert) error
	SendAccountDeleted(ctx context.Context, email, name string) error
}

// LogNotifier writes messages to the log instead of sending them.
// Development only: it logs verification codes.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	n.logger.Info("verification code", "email", email, "code", code, "expires_at", expiresAt)
	return nil
}

func (n *LogNotifier) SendBlockedAlert(ctx context.Context, email string, a Alert) error {
	n.logger.Warn("blocked transaction alert", "email", email, "user_id", a.UserID,
		"score", a.Score, "amount", a.Amount, "ip", a.IP, "place", a.PlaceName)
	return nil
}

func (n *LogNotifier) SendNewDeviceAlert(ctx context.Context, email string, a Alert) error {
	n.logger.Warn("new device login alert", "email", email, "user_id", a.UserID,
		"device", a.Device, "ip", a.IP, "place", a.PlaceName)
	return nil
}

func (n *LogNotifier) SendAccountDeleted(ctx context.Context, email, name string) error {
	n.logger.Info("account deletion notice", "email", email, "name", name)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) SendCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendCode(ctx, email, code, expiresAt))
	}
	return errors.Join(errs...)
}

func (m Multi) SendBlockedAlert(ctx context.Context, email string, a Alert) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendBlockedAlert(ctx, email, a))
	}
	return errors.Join(errs...)
}

func (m Multi) SendNewDeviceAlert(ctx context.Context, email string, a Alert) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendNewDeviceAlert(ctx, email, a))
	}
	return errors.Join(errs...)
}

func (m Multi) SendAccountDeleted(ctx context.Context, email, name string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendAccountDeleted(ctx, email, name))
	}
	return errors.Join(errs...)
}
