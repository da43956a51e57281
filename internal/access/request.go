package access

import (
	"strings"
	"time"

	"github.com/mbd888/trustbank/internal/ledger"
	"github.com/mbd888/trustbank/internal/trust"
	"github.com/mbd888/trustbank/internal/validation"
)

const (
	maxNameLen    = 100
	maxPurposeLen = 100
	maxNoteLen    = 500
)

// TransactionRequest is a transfer as entered by the user. Amount is a
// rupee decimal string.
type TransactionRequest struct {
	Recipient     string `json:"recipient"`
	AccountNumber string `json:"accountNumber"`
	IFSC          string `json:"ifsc"`
	Purpose       string `json:"purpose,omitempty"`
	Note          string `json:"note,omitempty"`
	Amount        string `json:"amount"`
}

// Normalize trims free text and upper-cases the branch code.
func (r TransactionRequest) Normalize() TransactionRequest {
	r.Recipient = validation.SanitizeString(r.Recipient, validation.MaxStringLength)
	r.AccountNumber = strings.TrimSpace(r.AccountNumber)
	r.IFSC = validation.NormalizeIFSC(r.IFSC)
	r.Purpose = validation.SanitizeString(r.Purpose, validation.MaxStringLength)
	r.Note = validation.SanitizeString(r.Note, validation.MaxStringLength)
	r.Amount = strings.TrimSpace(r.Amount)
	return r
}

// Validate reports every malformed field.
func (r TransactionRequest) Validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("recipient", r.Recipient),
		validation.MaxLength("recipient", r.Recipient, maxNameLen),
		validation.Required("accountNumber", r.AccountNumber),
		validation.ValidAccountNumber("accountNumber", r.AccountNumber),
		validation.Required("ifsc", r.IFSC),
		validation.ValidIFSC("ifsc", r.IFSC),
		validation.MaxLength("purpose", r.Purpose, maxPurposeLen),
		validation.MaxLength("note", r.Note, maxNoteLen),
		validation.Required("amount", r.Amount),
		validation.ValidAmount("amount", r.Amount),
	)
}

func (r TransactionRequest) transaction(id, userID string, paise int64, now time.Time) ledger.Transaction {
	tx := ledger.NewTransaction(id, userID, paise)
	tx.Recipient = r.Recipient
	tx.AccountNumber = r.AccountNumber
	tx.IFSC = r.IFSC
	tx.Purpose = r.Purpose
	tx.Note = r.Note
	tx.CreatedAt = now
	return tx
}

// AuthorizeRequest is the body of POST /v1/transactions.
type AuthorizeRequest struct {
	TransactionRequest
	Context *trust.ClientContext `json:"context"`
}

// ConfirmRequest is the body of POST /v1/transactions/verify.
type ConfirmRequest struct {
	Code string `json:"code"`
}

// LoginRequest is the body of POST /v1/auth/login/evaluate.
type LoginRequest struct {
	Context *trust.ClientContext `json:"context"`
}

// SignupRequest is the body of POST /v1/auth/signup.
type SignupRequest struct {
	Email   string               `json:"email"`
	Name    string               `json:"name"`
	Context *trust.ClientContext `json:"context"`
}
