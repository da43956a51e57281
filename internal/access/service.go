// Package access is the authorization engine. It scores each login and
// transaction context against the user's trust profile and decides what
// happens next:
//
//	score >= block                        refuse, alert the user
//	step-up <= score < block, over value  hold behind an emailed code
//	otherwise                             commit to the ledger
//
// Every evaluation appends one observation to the profile, whatever the
// decision.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/trustbank/internal/ledger"
	"github.com/mbd888/trustbank/internal/metrics"
	"github.com/mbd888/trustbank/internal/money"
	"github.com/mbd888/trustbank/internal/notify"
	"github.com/mbd888/trustbank/internal/realtime"
	"github.com/mbd888/trustbank/internal/risk"
	"github.com/mbd888/trustbank/internal/stepup"
	"github.com/mbd888/trustbank/internal/traces"
	"github.com/mbd888/trustbank/internal/trust"
	"github.com/mbd888/trustbank/internal/users"
)

var (
	ErrNoPendingAction  = stepup.ErrNoPendingAction
	ErrInProgress       = stepup.ErrVerificationInProgress
	ErrNotFound         = errors.New("access: not found")
	ErrCorruptPending   = errors.New("access: pending action payload unreadable")
	ErrDeletionDisabled = errors.New("access: account deletion not configured")
)

// OutcomeKind names the result of an authorization or verification.
type OutcomeKind string

const (
	OutcomeAllowed        OutcomeKind = "allowed"
	OutcomeStepUpRequired OutcomeKind = "step_up_required"
	OutcomeBlocked        OutcomeKind = "blocked"
	OutcomeInvalid        OutcomeKind = "invalid"
	OutcomeExpired        OutcomeKind = "expired"
)

// Outcome is what a caller learns about an authorization attempt.
type Outcome struct {
	Kind      OutcomeKind          `json:"outcome"`
	Action    stepup.Kind          `json:"action,omitempty"`
	Record    *ledger.Record       `json:"transaction,omitempty"`
	ExpiresAt *time.Time           `json:"expiresAt,omitempty"`
	CodeSent  bool                 `json:"codeSent,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Score     int                  `json:"score"`
	Level     risk.Level           `json:"level,omitempty"`
	Signals   map[risk.Signal]bool `json:"signals,omitempty"`
	Failed    []risk.Signal        `json:"failedSignals,omitempty"`
}

// LoginResult is the advisory assessment of a login context.
type LoginResult struct {
	Score     int                  `json:"score"`
	Level     risk.Level           `json:"level"`
	Signals   map[risk.Signal]bool `json:"signals"`
	Failed    []risk.Signal        `json:"failedSignals"`
	NewDevice bool                 `json:"newDevice"`
	Blocked   bool                 `json:"blocked,omitempty"`
	StepUp    *stepup.Challenge    `json:"stepUp,omitempty"`
}

// Directory resolves the address codes and alerts are sent to.
type Directory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// Registrar creates accounts.
type Registrar interface {
	Register(ctx context.Context, email, name string) (*users.User, error)
}

// Alerter delivers security alerts. Delivery failures are the alerter's
// concern; these calls never fail the operation that raised them.
type Alerter interface {
	BlockedAlert(ctx context.Context, email string, a notify.Alert)
	NewDeviceAlert(ctx context.Context, email string, a notify.Alert)
	AccountDeleted(ctx context.Context, email, name string)
}

// Accounts removes user records.
type Accounts interface {
	Delete(ctx context.Context, id string) (*users.User, error)
}

// KeyRevoker removes every API key a user holds.
type KeyRevoker interface {
	DeleteUserKeys(ctx context.Context, userID string) (int, error)
}

// PointerSource reports uploaded pointer telemetry.
type PointerSource interface {
	PointerSamples(ctx context.Context, userID, sessionID string) (int, error)
	Forget(ctx context.Context, userID string) error
}

// Publisher streams security events to operators.
type Publisher interface {
	Publish(t realtime.EventType, data realtime.EventData)
}

// Service is the authorization engine.
type Service struct {
	profiles    trust.Store
	evaluator   *risk.Evaluator
	policy      risk.Policy
	updater     *trust.Updater
	stepup      *stepup.Controller
	ledger      *ledger.Coordinator
	directory   Directory
	alerts      Alerter
	events      Publisher
	accounts    Accounts
	keys        KeyRevoker
	pointer     PointerSource
	loginStepUp bool
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// NewService creates the engine. The updater must widen profiles only below
// policy.StepUp.
func NewService(
	profiles trust.Store,
	evaluator *risk.Evaluator,
	policy risk.Policy,
	updater *trust.Updater,
	controller *stepup.Controller,
	coordinator *ledger.Coordinator,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		profiles:  profiles,
		evaluator: evaluator,
		policy:    policy,
		updater:   updater,
		stepup:    controller,
		ledger:    coordinator,
		events:    nopPublisher{},
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithDirectory sets the email lookup used for codes and alerts.
func (s *Service) WithDirectory(d Directory) *Service {
	s.directory = d
	return s
}

// WithAlerts sets the security alert sink.
func (s *Service) WithAlerts(a Alerter) *Service {
	s.alerts = a
	return s
}

// WithEvents sets the operator event stream.
func (s *Service) WithEvents(p Publisher) *Service {
	if p != nil {
		s.events = p
	}
	return s
}

// WithAccounts enables account deletion.
func (s *Service) WithAccounts(a Accounts, k KeyRevoker) *Service {
	s.accounts = a
	s.keys = k
	return s
}

// WithPointerSource sets where a context's session ID is resolved to a
// pointer sample count.
func (s *Service) WithPointerSource(p PointerSource) *Service {
	s.pointer = p
	return s
}

// WithLoginStepUp makes medium risk logins wait for an emailed code and
// refuses high risk ones.
func (s *Service) WithLoginStepUp(enabled bool) *Service {
	s.loginStepUp = enabled
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDSource overrides transaction ID generation (tests).
func (s *Service) WithIDSource(gen func() string) *Service {
	s.newID = gen
	return s
}

// Policy returns the decision thresholds in force.
func (s *Service) Policy() risk.Policy {
	return s.policy
}

// Signup registers a user and seeds their trust profile with the signup
// context.
func (s *Service) Signup(ctx context.Context, reg Registrar, email, name string, cc *trust.ClientContext) (*users.User, *trust.Profile, error) {
	u, err := reg.Register(ctx, email, name)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.updater.Seed(ctx, u.ID, cc)
	if err != nil {
		s.logger.Error("failed to seed trust profile", "user_id", u.ID, "error", err)
		return nil, nil, fmt.Errorf("seed profile: %w", err)
	}
	return u, p, nil
}

// EvaluateLogin scores a login context. Login continues regardless of the
// score unless login step-up is enabled, in which case a medium score waits
// for a code and a high score is refused. An untrusted device raises an
// alert.
func (s *Service) EvaluateLogin(ctx context.Context, userID string, cc *trust.ClientContext) (_ *LoginResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "access.EvaluateLogin", traces.UserID(userID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	profile, err := s.profiles.FindProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	cc = s.withPointer(ctx, userID, cc)
	a := s.evaluator.Evaluate(cc, profile)
	level := s.policy.Level(a.Score)
	s.observeMetrics(trust.KindLogin, a.Score, level)
	span.SetAttributes(traces.RiskScore(a.Score))

	res := &LoginResult{
		Score:     a.Score,
		Level:     level,
		Signals:   a.Signals,
		Failed:    a.Failed,
		NewDevice: cc == nil || !profile.HasDevice(cc.Device),
	}

	place := s.record(ctx, profile, cc, a.Score, trust.KindLogin)

	email := s.email(ctx, userID)
	if res.NewDevice {
		s.alert(ctx, email, notify.KindNewDevice, s.newAlert(userID, cc, place, a.Score, "login from an unrecognized device", ""))
	}
	s.events.Publish(realtime.EventLoginEvaluated, realtime.EventData{
		UserID: userID,
		Score:  a.Score,
		Level:  string(level),
		Failed: signalNames(a.Failed),
	})

	if !s.loginStepUp {
		return res, nil
	}
	switch s.policy.Decide(a.Score, 0, false) {
	case risk.DecisionBlock:
		// A blocked login never reaches the step-up controller.
		res.Blocked = true
		reason := fmt.Sprintf("risk score %d is at or above the block threshold %d", a.Score, s.policy.Block)
		s.alert(ctx, email, notify.KindBlocked, s.newAlert(userID, cc, place, a.Score, reason, ""))
		s.events.Publish(realtime.EventBlocked, realtime.EventData{
			UserID:   userID,
			Score:    a.Score,
			Level:    string(level),
			Decision: string(risk.DecisionBlock),
			Failed:   signalNames(a.Failed),
		})
		s.logger.Warn("login blocked", "user_id", userID, "score", a.Score)

	case risk.DecisionStepUp:
		payload, err := json.Marshal(cc)
		if err != nil {
			return res, fmt.Errorf("encode pending login: %w", err)
		}
		ch, err := s.stepup.Begin(ctx, userID, email, stepup.KindLogin, payload)
		if err != nil {
			return res, err
		}
		res.StepUp = ch
		s.events.Publish(realtime.EventStepUpIssued, realtime.EventData{UserID: userID, Score: a.Score, Level: string(level)})
	}
	return res, nil
}

// AuthorizeTransaction applies the decision table to a transfer request.
//
// A blocked request makes no ledger call and creates no pending action. A
// held request stores the transaction behind a code; a second one while the
// first is live fails with ErrInProgress. An allowed request is committed.
// When the external ledger fails, the outcome carries the stored record and
// the error matches ledger.ErrChainFailed.
func (s *Service) AuthorizeTransaction(ctx context.Context, userID string, req TransactionRequest, cc *trust.ClientContext) (_ *Outcome, retErr error) {
	ctx, span := traces.StartSpan(ctx, "access.AuthorizeTransaction", traces.UserID(userID), traces.Amount(req.Amount))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	req = req.Normalize()
	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}
	paise, _ := money.Parse(req.Amount)

	profile, err := s.profiles.FindProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	cc = s.withPointer(ctx, userID, cc)
	a := s.evaluator.Evaluate(cc, profile)
	level := s.policy.Level(a.Score)
	decision := s.policy.Decide(a.Score, paise, true)
	s.observeMetrics(trust.KindTransaction, a.Score, level)
	span.SetAttributes(traces.RiskScore(a.Score), traces.Decision(string(decision)))

	place := s.record(ctx, profile, cc, a.Score, trust.KindTransaction)

	out := &Outcome{
		Action:  stepup.KindTransaction,
		Score:   a.Score,
		Level:   level,
		Signals: a.Signals,
		Failed:  a.Failed,
	}
	tx := req.transaction(s.newID(), userID, paise, s.now().UTC())

	switch decision {
	case risk.DecisionBlock:
		out.Kind = OutcomeBlocked
		out.Reason = fmt.Sprintf("risk score %d is at or above the block threshold %d", a.Score, s.policy.Block)
		s.alert(ctx, s.email(ctx, userID), notify.KindBlocked, s.newAlert(userID, cc, place, a.Score, out.Reason, tx.Amount))
		s.events.Publish(realtime.EventBlocked, realtime.EventData{
			UserID:      userID,
			Score:       a.Score,
			Level:       string(level),
			Decision:    string(decision),
			Failed:      signalNames(a.Failed),
			AmountPaise: paise,
		})
		s.logger.Warn("transaction blocked", "user_id", userID, "score", a.Score)

	case risk.DecisionStepUp:
		payload, err := json.Marshal(tx)
		if err != nil {
			return nil, fmt.Errorf("encode pending transaction: %w", err)
		}
		ch, err := s.stepup.Begin(ctx, userID, s.email(ctx, userID), stepup.KindTransaction, payload)
		if err != nil {
			metrics.DecisionsTotal.WithLabelValues("in_progress").Inc()
			return nil, err
		}
		out.Kind = OutcomeStepUpRequired
		out.ExpiresAt = &ch.ExpiresAt
		out.CodeSent = ch.CodeSent
		s.events.Publish(realtime.EventStepUpIssued, realtime.EventData{
			UserID:        userID,
			Score:         a.Score,
			Level:         string(level),
			Decision:      string(decision),
			TransactionID: tx.ID,
			AmountPaise:   paise,
		})

	default:
		out.Kind = OutcomeAllowed
		rec, err := s.commit(ctx, &tx)
		out.Record = rec
		if err != nil {
			metrics.DecisionsTotal.WithLabelValues(string(out.Kind)).Inc()
			if rec == nil {
				return nil, err
			}
			return out, err
		}
	}

	metrics.DecisionsTotal.WithLabelValues(string(out.Kind)).Inc()
	return out, nil
}

// ConfirmStepUp checks code against the user's pending action. A wrong code
// keeps the action (OutcomeInvalid); an expired one is discarded
// (OutcomeExpired). A correct code releases the action: a held transaction
// is committed exactly as it was requested.
func (s *Service) ConfirmStepUp(ctx context.Context, userID, code string) (_ *Outcome, retErr error) {
	ctx, span := traces.StartSpan(ctx, "access.ConfirmStepUp", traces.UserID(userID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	pa, err := s.stepup.Confirm(ctx, userID, code)
	switch {
	case errors.Is(err, stepup.ErrInvalidCode):
		s.resolved(userID, OutcomeInvalid, "")
		return &Outcome{Kind: OutcomeInvalid, Reason: "verification code does not match"}, nil
	case errors.Is(err, stepup.ErrCodeExpired):
		s.resolved(userID, OutcomeExpired, "")
		return &Outcome{Kind: OutcomeExpired, Reason: "verification code expired; start again"}, nil
	case err != nil:
		return nil, err
	}

	out := &Outcome{Kind: OutcomeAllowed, Action: pa.Kind}
	if pa.Kind != stepup.KindTransaction {
		s.resolved(userID, OutcomeAllowed, "")
		return out, nil
	}

	var tx ledger.Transaction
	if err := json.Unmarshal(pa.Payload, &tx); err != nil || tx.UserID != userID {
		s.logger.Error("unreadable pending transaction", "user_id", userID, "error", err)
		return nil, ErrCorruptPending
	}
	s.resolved(userID, OutcomeAllowed, tx.ID)

	rec, err := s.commit(ctx, &tx)
	out.Record = rec
	if err != nil {
		if rec == nil {
			return nil, err
		}
		return out, err
	}
	return out, nil
}

// PendingStatus reports the user's live pending action.
func (s *Service) PendingStatus(ctx context.Context, userID string) (*stepup.Status, error) {
	return s.stepup.Status(ctx, userID)
}

// CancelPending discards the user's pending action, if any.
func (s *Service) CancelPending(ctx context.Context, userID string) error {
	return s.stepup.Cancel(ctx, userID)
}

// DeleteAccount removes the user together with their trust profile,
// observation log, pending action, pointer telemetry and API keys, then
// emails a deletion notice. Ledger records are kept. Keys go last so a
// failed deletion can be retried with the same key.
func (s *Service) DeleteAccount(ctx context.Context, userID string) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "access.DeleteAccount", traces.UserID(userID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if s.accounts == nil || s.keys == nil {
		return ErrDeletionDisabled
	}
	if err := s.stepup.Cancel(ctx, userID); err != nil {
		return fmt.Errorf("cancel pending action: %w", err)
	}
	if s.pointer != nil {
		if err := s.pointer.Forget(ctx, userID); err != nil {
			return fmt.Errorf("delete pointer telemetry: %w", err)
		}
	}
	if err := s.profiles.DeleteProfile(ctx, userID); err != nil && !errors.Is(err, trust.ErrProfileNotFound) {
		return fmt.Errorf("delete profile: %w", err)
	}

	u, err := s.accounts.Delete(ctx, userID)
	if err != nil && !errors.Is(err, users.ErrUserNotFound) {
		return fmt.Errorf("delete user: %w", err)
	}
	if _, kerr := s.keys.DeleteUserKeys(ctx, userID); kerr != nil {
		return fmt.Errorf("delete api keys: %w", kerr)
	}
	if err != nil {
		return err
	}

	if s.alerts != nil {
		s.alerts.AccountDeleted(ctx, u.Email, u.Name)
	}
	metrics.AccountsDeletedTotal.Inc()
	s.logger.Info("account deleted", "user_id", userID)
	return nil
}

// ContextLog returns the user's most recent observations, oldest first.
func (s *Service) ContextLog(ctx context.Context, userID string, limit int) ([]trust.Observation, error) {
	return s.profiles.ListObservations(ctx, userID, limit)
}

// Transactions returns one page of the user's ledger records, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int, cursor string) ([]*ledger.Record, string, error) {
	return s.ledger.List(ctx, userID, limit, cursor)
}

// Transaction returns one of the user's ledger records.
func (s *Service) Transaction(ctx context.Context, userID, id string) (*ledger.Record, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Transaction.UserID != userID {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Reanchor retries anchoring one of the user's off-chain records.
func (s *Service) Reanchor(ctx context.Context, userID, id string) (*ledger.Record, error) {
	if _, err := s.Transaction(ctx, userID, id); err != nil {
		return nil, err
	}
	rec, err := s.ledger.Reanchor(ctx, id)
	if rec != nil {
		s.publishCommitted(rec)
	}
	return rec, err
}

// commit hands tx to the ledger and publishes the stored record.
func (s *Service) commit(ctx context.Context, tx *ledger.Transaction) (*ledger.Record, error) {
	rec, err := s.ledger.Commit(ctx, tx)
	if rec != nil {
		s.publishCommitted(rec)
	}
	if err != nil {
		s.logger.Error("ledger commit incomplete", "user_id", tx.UserID, "transaction_id", tx.ID, "error", err)
	}
	return rec, err
}

func (s *Service) publishCommitted(rec *ledger.Record) {
	s.events.Publish(realtime.EventLedgerCommitted, realtime.EventData{
		UserID:        rec.Transaction.UserID,
		TransactionID: rec.Transaction.ID,
		AmountPaise:   rec.Transaction.AmountPaise,
		ChainStatus:   string(rec.ChainStatus),
	})
}

func (s *Service) resolved(userID string, kind OutcomeKind, txID string) {
	s.events.Publish(realtime.EventStepUpResolved, realtime.EventData{
		UserID:        userID,
		Result:        string(kind),
		TransactionID: txID,
	})
}

// record appends the observation and returns its resolved place name. A
// failure here cannot undo the decision already taken, so it is logged and
// counted.
func (s *Service) record(ctx context.Context, p *trust.Profile, cc *trust.ClientContext, score int, kind trust.ObservationKind) string {
	next, err := s.updater.Update(ctx, p, cc, score, kind)
	if err != nil {
		metrics.ProfileUpdateFailuresTotal.Inc()
		s.logger.Error("failed to record observation", "user_id", p.UserID, "kind", kind, "error", err)
		return trust.UnknownPlace
	}
	return next.ContextLog[len(next.ContextLog)-1].PlaceName
}

func (s *Service) email(ctx context.Context, userID string) string {
	if s.directory == nil {
		return ""
	}
	addr, err := s.directory.Email(ctx, userID)
	if err != nil {
		s.logger.Warn("no email address for user", "user_id", userID, "error", err)
		return ""
	}
	return addr
}

func (s *Service) alert(ctx context.Context, email, kind string, a notify.Alert) {
	if s.alerts == nil {
		return
	}
	switch kind {
	case notify.KindBlocked:
		s.alerts.BlockedAlert(ctx, email, a)
	case notify.KindNewDevice:
		s.alerts.NewDeviceAlert(ctx, email, a)
	}
}

func (s *Service) newAlert(userID string, cc *trust.ClientContext, place string, score int, reason, amount string) notify.Alert {
	a := notify.Alert{
		UserID:    userID,
		PlaceName: place,
		Score:     score,
		Reason:    reason,
		Amount:    amount,
		At:        s.now().UTC(),
	}
	if cc != nil {
		a.IP = cc.IP
		a.Device = cc.Device
	}
	return a
}

// withPointer resolves the context's session ID to a sample count when the
// client sent the ID without a count. An unknown session leaves the signal
// absent.
func (s *Service) withPointer(ctx context.Context, userID string, cc *trust.ClientContext) *trust.ClientContext {
	if s.pointer == nil || cc == nil || cc.SessionID == "" || cc.PointerSamples != nil {
		return cc
	}
	n, err := s.pointer.PointerSamples(ctx, userID, cc.SessionID)
	if err != nil {
		return cc
	}
	cp := *cc
	cp.PointerSamples = &n
	return &cp
}

func (s *Service) observeMetrics(kind trust.ObservationKind, score int, level risk.Level) {
	metrics.RiskEvaluationsTotal.WithLabelValues(string(kind), string(level)).Inc()
	metrics.RiskScore.Observe(float64(score))
}

func signalNames(failed []risk.Signal) []string {
	out := make([]string, len(failed))
	for i, f := range failed {
		out[i] = string(f)
	}
	return out
}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.EventType, realtime.EventData) {}
