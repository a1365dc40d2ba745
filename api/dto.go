/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the HTTP surface, decoupled from the domain types.
  Amounts cross the wire as decimal strings in major units ("50.00");
  conversion to integer cents happens here, at the boundary, via
  shopspring/decimal - the ledger itself never sees a decimal.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients
*/
package api

import (
	"time"

	"github.com/festkit/cashless/ledger"
	"github.com/festkit/cashless/terminal"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type CreateAccountRequest struct {
	OwnerID    string `json:"owner_id"`
	FestivalID string `json:"festival_id"`
	Currency   string `json:"currency"`
}

type AccountDTO struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	FestivalID    string `json:"festival_id"`
	Currency      string `json:"currency"`
	Balance       string `json:"balance"`
	Status        string `json:"status"`
	MaxBalance    string `json:"max_balance"`
	AllowNegative bool   `json:"allow_negative"`
	Version       uint64 `json:"version"`
	CreatedAt     string `json:"created_at"`
}

func accountDTO(a *ledger.CashlessAccount) AccountDTO {
	return AccountDTO{
		ID:            string(a.ID),
		OwnerID:       a.OwnerID,
		FestivalID:    a.FestivalID,
		Currency:      a.Currency,
		Balance:       a.Balance.Decimal().StringFixed(2),
		Status:        string(a.Status),
		MaxBalance:    a.MaxBalance.Decimal().StringFixed(2),
		AllowNegative: a.AllowNegative,
		Version:       a.Version,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	}
}

type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
	AsOf      string `json:"as_of"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// ApplyTransactionRequest submits one mutation. Amount is a positive
// major-unit decimal string except corrections, which carry their sign.
type ApplyTransactionRequest struct {
	AccountID    string `json:"account_id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	TerminalID   string `json:"terminal_id,omitempty"`
	Counterparty string `json:"counterparty,omitempty"`
	ReferenceID  string `json:"reference_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
}

type TransactionDTO struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	TerminalID    string `json:"terminal_id,omitempty"`
	Counterparty  string `json:"counterparty,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	Origin        string `json:"origin"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func transactionDTO(tx *ledger.CashlessTransaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		AccountID:     string(tx.AccountID),
		Type:          string(tx.Type),
		Amount:        tx.Amount.Decimal().StringFixed(2),
		Currency:      tx.Amount.Currency,
		BalanceBefore: tx.BalanceBefore.Decimal().StringFixed(2),
		BalanceAfter:  tx.BalanceAfter.Decimal().StringFixed(2),
		TerminalID:    string(tx.TerminalID),
		Counterparty:  tx.Counterparty,
		ReferenceID:   string(tx.ReferenceID),
		Origin:        string(tx.Origin),
		Status:        string(tx.Status),
		Reason:        tx.Reason,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339Nano),
	}
}

type TransferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason,omitempty"`
}

type TransferResponse struct {
	Out TransactionDTO `json:"out"`
	In  TransactionDTO `json:"in"`
}

type RefundRequest struct {
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason,omitempty"`
}

type VerifyDTO struct {
	AccountID  string `json:"account_id"`
	Consistent bool   `json:"consistent"`
	Error      string `json:"error,omitempty"`
}

// =============================================================================
// TAGS
// =============================================================================

type BindTagRequest struct {
	TagID     string `json:"tag_id"`
	AccountID string `json:"account_id"`
}

type ResolveTagDTO struct {
	TagID     string `json:"tag_id"`
	AccountID string `json:"account_id"`
}

// =============================================================================
// TERMINALS
// =============================================================================

type RegisterTerminalRequest struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	VendorID string `json:"vendor_id"`
}

type TerminalDTO struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	AuthorizedVendorID string `json:"authorized_vendor_id"`
	LastSyncAt         string `json:"last_sync_at"`
	PendingIntents     int    `json:"pending_intents"`
}

func terminalDTO(t *terminal.Terminal) TerminalDTO {
	return TerminalDTO{
		ID:                 string(t.ID),
		Type:               string(t.Type),
		Status:             string(t.Status),
		AuthorizedVendorID: t.AuthorizedVendorID,
		LastSyncAt:         t.LastSyncAt.Format(time.RFC3339),
		PendingIntents:     t.PendingIntentCount(),
	}
}

type BufferIntentRequest struct {
	ApplyTransactionRequest
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ReconciliationReportDTO struct {
	TerminalID     string            `json:"terminal_id"`
	Reconciled     int               `json:"reconciled"`
	AlreadyApplied int               `json:"already_applied"`
	Conflicts      int               `json:"conflicts"`
	Retryable      int               `json:"retryable"`
	Rejected       int               `json:"rejected"`
	Results        []IntentResultDTO `json:"results"`
}

type IntentResultDTO struct {
	IntentID      string          `json:"intent_id"`
	Outcome       string          `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	StaleSnapshot bool            `json:"stale_snapshot,omitempty"`
	Transaction   *TransactionDTO `json:"transaction,omitempty"`
}

func reportDTO(r *terminal.ReconciliationReport) ReconciliationReportDTO {
	dto := ReconciliationReportDTO{
		TerminalID:     string(r.TerminalID),
		Reconciled:     r.Reconciled,
		AlreadyApplied: r.AlreadyApplied,
		Conflicts:      r.Conflicts,
		Retryable:      r.Retryable,
		Rejected:       r.Rejected,
	}
	for _, res := range r.Results {
		item := IntentResultDTO{
			IntentID:      res.IntentID,
			Outcome:       string(res.Outcome),
			StaleSnapshot: res.StaleSnapshot,
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		if res.Transaction != nil {
			tx := transactionDTO(res.Transaction)
			item.Transaction = &tx
		}
		dto.Results = append(dto.Results, item)
	}
	return dto
}
