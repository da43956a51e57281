// Package ledger records authorized transactions and anchors them on an
// external ledger when one is bound.
//
// A record is always written locally before any network call, so a chain
// failure never loses an authorized transaction. The record's ChainStatus
// tells whether it is anchored (on_chain), waiting for a retry (off_chain),
// or kept locally because no external ledger is bound (not_configured).
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mbd888/trustbank/internal/money"
	"github.com/mbd888/trustbank/internal/pagination"
)

var (
	ErrRecordNotFound = errors.New("ledger: record not found")
	ErrDuplicateID    = errors.New("ledger: duplicate transaction id")
	ErrNotConfigured  = errors.New("ledger: external ledger not configured")
	ErrChainFailed    = errors.New("ledger: external ledger operation failed")
	ErrInvalidCursor  = pagination.ErrInvalidCursor
)

// ChainStatus is the anchoring state of a record.
type ChainStatus string

const (
	OnChain       ChainStatus = "on_chain"
	OffChain      ChainStatus = "off_chain"
	NotConfigured ChainStatus = "not_configured"
)

// Transaction is an authorized transfer as submitted by the user.
type Transaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Recipient     string    `json:"recipient"`
	AccountNumber string    `json:"accountNumber"`
	IFSC          string    `json:"ifsc"`
	Purpose       string    `json:"purpose,omitempty"`
	Note          string    `json:"note,omitempty"`
	AmountPaise   int64     `json:"amountPaise"`
	Amount        string    `json:"amount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Digest is a SHA-256 over the transaction's identifying fields. It is what
// gets anchored, so the external ledger never sees account details.
func (t *Transaction) Digest() [32]byte {
	h := sha256.New()
	for _, f := range []string{t.ID, t.UserID, t.Recipient, t.AccountNumber, t.IFSC, t.Purpose, t.Note} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], uint64(t.AmountPaise))
	h.Write(amt[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DigestHex returns Digest as lowercase hex.
func (t *Transaction) DigestHex() string {
	d := t.Digest()
	return hex.EncodeToString(d[:])
}

// Receipt is what the external ledger returned for a submission.
type Receipt struct {
	TxHash        string   `json:"txHash"`
	BlockNumber   uint64   `json:"blockNumber,omitempty"`
	GasUsed       uint64   `json:"gasUsed,omitempty"`
	Digest        string   `json:"digest"`
	ValidationLog []string `json:"validationLog,omitempty"`
}

// Validation is the outcome of waiting for a submitted receipt.
type Validation struct {
	BlockNumber uint64
	GasUsed     uint64
	Log         []string
}

// Record is the durable ledger entry for one authorized transaction.
type Record struct {
	Transaction Transaction `json:"transaction"`
	ChainStatus ChainStatus `json:"chainStatus"`
	Receipt     *Receipt    `json:"receipt,omitempty"`
	ChainError  string      `json:"chainError,omitempty"`
	CommittedAt time.Time   `json:"committedAt"`
	AnchoredAt  *time.Time  `json:"anchoredAt,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.Receipt != nil {
		rc := *r.Receipt
		rc.ValidationLog = slices.Clone(r.Receipt.ValidationLog)
		cp.Receipt = &rc
	}
	if r.AnchoredAt != nil {
		t := *r.AnchoredAt
		cp.AnchoredAt = &t
	}
	return &cp
}

// ChainError reports a failed external ledger step. The record it belongs
// to is already stored as off_chain and can be re-anchored.
type ChainError struct {
	Op     string // "submit" or "validate"
	TxHash string
	Err    error
}

func (e *ChainError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s %s: %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Is makes every ChainError match ErrChainFailed.
func (e *ChainError) Is(target error) bool { return target == ErrChainFailed }

// Chain is the external ledger capability.
type Chain interface {
	Submit(ctx context.Context, tx *Transaction) (*Receipt, error)
	Validate(ctx context.Context, r *Receipt) (*Validation, error)
}

// Binding is either Configured with a Chain or Unconfigured with a reason.
// It is decided once at startup.
type Binding struct {
	chain  Chain
	reason string
}

// Configured binds an external ledger.
func Configured(c Chain) Binding {
	if c == nil {
		return Unconfigured("no chain client")
	}
	return Binding{chain: c}
}

// Unconfigured records why no external ledger is bound.
func Unconfigured(reason string) Binding {
	return Binding{reason: reason}
}

// Configured reports whether a chain is bound.
func (b Binding) Configured() bool { return b.chain != nil }

// Chain returns the bound chain, or nil.
func (b Binding) Chain() Chain { return b.chain }

// Reason explains an unconfigured binding.
func (b Binding) Reason() string { return b.reason }

// Store persists ledger records.
type Store interface {
	// Create inserts rec. A second record with the same transaction ID
	// fails with ErrDuplicateID.
	Create(ctx context.Context, rec *Record) error
	UpdateChain(ctx context.Context, id string, status ChainStatus, receipt *Receipt, chainErr string, anchoredAt *time.Time) error
	Get(ctx context.Context, id string) (*Record, error)
	// ListByUser returns up to limit records newest first, strictly after
	// cursor when one is given.
	ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Record, error)
}

// NewTransaction builds a transaction and fills its display amount.
func NewTransaction(id, userID string, amountPaise int64) Transaction {
	return Transaction{
		ID:          id,
		UserID:      userID,
		AmountPaise: amountPaise,
		Amount:      money.Format(amountPaise),
	}
}

// recordKey is the pagination key of a record.
func recordKey(r *Record) (time.Time, string) {
	return r.CommittedAt, r.Transaction.ID
}

// computePage trims a limit+1 fetch to limit and returns the next cursor.
func computePage(records []*Record, limit int) ([]*Record, string) {
	return pagination.ComputePage(records, limit, recordKey)
}

func decodeCursor(s string) (*pagination.Cursor, error) {
	return pagination.Decode(s)
}
