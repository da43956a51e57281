package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// MailerConfig holds SMTP settings.
type MailerConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	ClientURL string // front-end origin for links in alerts
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends HTML mail over SMTP.
type Mailer struct {
	cfg  MailerConfig
	addr string
	auth smtp.Auth
	send sendFunc
}

// NewMailer creates a mailer. Auth is PLAIN when a username is set.
func NewMailer(cfg MailerConfig) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("notify: SMTP host required")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("notify: invalid from address %q: %w", cfg.From, err)
	}
	m := &Mailer{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		send: smtp.SendMail,
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m, nil
}

var (
	codeTmpl = template.Must(template.New("code").Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
<h2 style="color: #4CAF50;">Confirm your transaction</h2>
<p>Your verification code is:</p>
<p style="font-size: 32px; font-weight: bold; letter-spacing: 5px; color: #4CAF50;">{{.Code}}</p>
<p>Enter this code on the verification page to complete your transaction.</p>
<p>The code expires at {{.ExpiresAt}}.</p>
<p>If you did not start this transaction, contact us immediately.</p>
</body></html>`))

	blockedTmpl = template.Must(template.New("blocked").Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
<h2 style="color: #d32f2f;">{{if .Amount}}Transaction{{else}}Sign-in{{end}} blocked</h2>
<p>We blocked {{if .Amount}}a transaction of ₹{{.Amount}}{{else}}a sign-in{{end}} on your account because it came from an unusual context.</p>
<ul>
<li>Time: {{.At}}</li>
{{if .IP}}<li>IP address: {{.IP}}</li>{{end}}
{{if .PlaceName}}<li>Location: {{.PlaceName}}</li>{{end}}
</ul>
<p>If this was not you, <a href="{{.ResetURL}}">reset your password</a> now.</p>
</body></html>`))

	newDeviceTmpl = template.Must(template.New("new_device").Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
<h2 style="color: #f57c00;">New device sign-in</h2>
<p>Your account was accessed from a device we have not seen before.</p>
<ul>
<li>Time: {{.At}}</li>
{{if .Device}}<li>Device: {{.Device}}</li>{{end}}
{{if .IP}}<li>IP address: {{.IP}}</li>{{end}}
{{if .PlaceName}}<li>Location: {{.PlaceName}}</li>{{end}}
</ul>
<p>If this was you, no action is needed. Otherwise <a href="{{.ResetURL}}">reset your password</a>.</p>
</body></html>`))

	deletedTmpl = template.Must(template.New("account_deleted").Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
<h2 style="color: #4CAF50;">Account deleted</h2>
<p>Hello {{.Name}},</p>
<p>Your account has been deleted together with its trusted devices, locations and sign-in history.</p>
<p>If you did not request this, contact us immediately.</p>
</body></html>`))
)

type alertView struct {
	Alert
	ResetURL string
}

func (m *Mailer) SendCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	body, err := render(codeTmpl, struct {
		Code      string
		ExpiresAt string
	}{code, expiresAt.UTC().Format(time.RFC1123)})
	if err != nil {
		return err
	}
	return m.deliver(ctx, email, "Your verification code", body)
}

func (m *Mailer) SendBlockedAlert(ctx context.Context, email string, a Alert) error {
	body, err := render(blockedTmpl, alertView{Alert: a, ResetURL: m.resetURL()})
	if err != nil {
		return err
	}
	subject := "Security alert: transaction blocked"
	if a.Amount == "" {
		subject = "Security alert: sign-in blocked"
	}
	return m.deliver(ctx, email, subject, body)
}

func (m *Mailer) SendNewDeviceAlert(ctx context.Context, email string, a Alert) error {
	body, err := render(newDeviceTmpl, alertView{Alert: a, ResetURL: m.resetURL()})
	if err != nil {
		return err
	}
	return m.deliver(ctx, email, "Security alert: new device sign-in", body)
}

func (m *Mailer) SendAccountDeleted(ctx context.Context, email, name string) error {
	body, err := render(deletedTmpl, struct{ Name string }{name})
	if err != nil {
		return err
	}
	return m.deliver(ctx, email, "Account deletion confirmation", body)
}

func (m *Mailer) resetURL() string {
	return strings.TrimRight(m.cfg.ClientURL, "/") + "/forgot-password"
}

func (m *Mailer) deliver(ctx context.Context, to, subject string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to, "\r\n") {
		return ErrInvalidAddress
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", rcpt.Address)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.Write(body)

	from, _ := mail.ParseAddress(m.cfg.From)
	if err := m.send(m.addr, m.auth, from.Address, []string{rcpt.Address}, msg.Bytes()); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}

func render(t *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("notify: render %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}
