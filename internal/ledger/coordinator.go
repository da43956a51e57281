package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/trustbank/internal/metrics"
	"github.com/mbd888/trustbank/internal/retry"
	"github.com/mbd888/trustbank/internal/traces"
)

const (
	storeAttempts  = 3
	storeBaseDelay = 50 * time.Millisecond
	storeMaxDelay  = 200 * time.Millisecond
)

// Coordinator persists authorized transactions and anchors them on the
// bound external ledger.
type Coordinator struct {
	store   Store
	binding Binding
	logger  *slog.Logger
	now     func() time.Time
}

// NewCoordinator creates a coordinator over store with the given binding.
func NewCoordinator(store Store, binding Binding, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   store,
		binding: binding,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source (tests).
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Binding returns the external ledger binding.
func (c *Coordinator) Binding() Binding {
	return c.binding
}

// Commit records tx and, when a chain is bound, anchors it.
//
// Unbound: the record is stored as not_configured and the error is nil.
// Bound and anchored: the record is on_chain with its receipt.
// Bound and failed: the record stays off_chain with the partial receipt and
// failure reason, and the returned error is a *ChainError.
// Only a local store failure returns a nil record.
func (c *Coordinator) Commit(ctx context.Context, tx *Transaction) (_ *Record, retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Commit",
		traces.TransactionID(tx.ID), traces.UserID(tx.UserID), traces.Amount(tx.Amount))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	now := c.now()
	rec := &Record{
		Transaction: *tx,
		ChainStatus: OffChain,
		CommittedAt: now,
		UpdatedAt:   now,
	}
	if !c.binding.Configured() {
		rec.ChainStatus = NotConfigured
	}

	if err := c.withRetry(ctx, func() error { return c.store.Create(ctx, rec) }); err != nil {
		return nil, fmt.Errorf("failed to store ledger record: %w", err)
	}

	if !c.binding.Configured() {
		metrics.LedgerCommitsTotal.WithLabelValues(string(NotConfigured)).Inc()
		return rec, nil
	}

	return c.anchor(ctx, rec)
}

// Reanchor retries anchoring of an off_chain record. An on_chain record is
// returned unchanged.
func (c *Coordinator) Reanchor(ctx context.Context, id string) (*Record, error) {
	if !c.binding.Configured() {
		return nil, ErrNotConfigured
	}
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ChainStatus == OnChain {
		return rec, nil
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Reanchor", traces.TransactionID(id))
	defer span.End()
	return c.anchor(ctx, rec)
}

// Get returns a stored record.
func (c *Coordinator) Get(ctx context.Context, id string) (*Record, error) {
	return c.store.Get(ctx, id)
}

// List returns one page of a user's records, newest first.
func (c *Coordinator) List(ctx context.Context, userID string, limit int, cursor string) ([]*Record, string, error) {
	cur, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	records, err := c.store.ListByUser(ctx, userID, limit+1, cur)
	if err != nil {
		return nil, "", err
	}
	page, next := computePage(records, limit)
	return page, next, nil
}

// anchor submits and validates rec, then writes the outcome back.
func (c *Coordinator) anchor(ctx context.Context, rec *Record) (*Record, error) {
	chain := c.binding.Chain()
	tx := &rec.Transaction

	receipt, err := chain.Submit(ctx, tx)
	if err == nil && receipt == nil {
		err = errors.New("no receipt returned")
	}
	if err != nil {
		return c.fail(ctx, rec, receipt, &ChainError{Op: "submit", Err: err})
	}
	if receipt.Digest == "" {
		receipt.Digest = tx.DigestHex()
	}

	v, err := chain.Validate(ctx, receipt)
	if err != nil {
		if v != nil {
			receipt.ValidationLog = v.Log
		}
		return c.fail(ctx, rec, receipt, &ChainError{Op: "validate", TxHash: receipt.TxHash, Err: err})
	}
	if v == nil {
		v = &Validation{}
	}
	receipt.BlockNumber = v.BlockNumber
	receipt.GasUsed = v.GasUsed
	receipt.ValidationLog = v.Log

	anchoredAt := c.now()
	if err := c.withRetry(ctx, func() error {
		return c.store.UpdateChain(ctx, tx.ID, OnChain, receipt, "", &anchoredAt)
	}); err != nil {
		// The anchor exists externally; a later Reanchor finds it again.
		c.logger.Error("anchored transaction but failed to record receipt",
			"transaction_id", tx.ID, "tx_hash", receipt.TxHash, "error", err)
		return nil, fmt.Errorf("failed to record chain receipt: %w", err)
	}

	rec.ChainStatus = OnChain
	rec.Receipt = receipt
	rec.ChainError = ""
	rec.AnchoredAt = &anchoredAt
	metrics.LedgerCommitsTotal.WithLabelValues(string(OnChain)).Inc()
	c.logger.Info("transaction anchored", "transaction_id", tx.ID, "tx_hash", receipt.TxHash,
		"block", receipt.BlockNumber)
	return rec, nil
}

func (c *Coordinator) fail(ctx context.Context, rec *Record, receipt *Receipt, chainErr *ChainError) (*Record, error) {
	metrics.LedgerChainErrorsTotal.WithLabelValues(chainErr.Op).Inc()
	metrics.LedgerCommitsTotal.WithLabelValues(string(OffChain)).Inc()
	c.logger.Warn("external ledger failed; record kept off chain",
		"transaction_id", rec.Transaction.ID, "op", chainErr.Op, "error", chainErr.Err)

	if err := c.withRetry(ctx, func() error {
		return c.store.UpdateChain(ctx, rec.Transaction.ID, OffChain, receipt, chainErr.Error(), nil)
	}); err != nil {
		c.logger.Error("failed to record chain failure", "transaction_id", rec.Transaction.ID, "error", err)
	}

	rec.ChainStatus = OffChain
	rec.Receipt = receipt
	rec.ChainError = chainErr.Error()
	return rec, chainErr
}

// withRetry runs a store write under a small bounded retry budget.
// Not-found and duplicate errors are final.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retry.Policy{Attempts: storeAttempts, BaseDelay: storeBaseDelay, MaxDelay: storeMaxDelay}, func() error {
		err := fn()
		if errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrRecordNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}
