/*
reconcile.go - Offline intent replay

PURPOSE:
  When a terminal reconnects, its buffered intents are replayed in strict
  local creation order through the same Ledger.Apply entry point used
  online - one authority for balance truth, no duplicated ledger logic.

CONFLICTS:
  An intent that fails with insufficient balance (other transactions
  consumed the money in the interim) is reported as a Conflict and never
  retried automatically. Whether the vendor absorbs the loss or pursues
  the attendee is a policy decision outside the ledger; the ledger's job
  is to never fabricate balance to make the replay succeed.
  Transient failures (account lock contention) are not judgments: those
  intents keep their buffer slot and replay on the next run.

ORDERING:
  Intents from a single terminal replay in local creation order. Across
  terminals touching the same account, application order is arrival order
  at the ledger, not causal order - an accepted weak-consistency trade-off
  of real offline payment systems.
*/
package terminal

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/festkit/cashless/ledger"
)

// =============================================================================
// REPORT TYPES
// =============================================================================

// Outcome classifies the replay result of one intent.
type Outcome string

const (
	// OutcomeReconciled: the intent applied cleanly.
	OutcomeReconciled Outcome = "reconciled"

	// OutcomeAlreadyApplied: the idempotency key already has an Applied
	// entry from a previous (partial) reconciliation run.
	OutcomeAlreadyApplied Outcome = "already_applied"

	// OutcomeConflict: insufficient balance at replay time. Not retried.
	OutcomeConflict Outcome = "conflict"

	// OutcomeRetry: a transient failure (account lock contention). The
	// intent stays buffered and replays on the next reconciliation run.
	OutcomeRetry Outcome = "retry"

	// OutcomeRejected: refused for another reason (account state, limits).
	OutcomeRejected Outcome = "rejected"
)

// IntentResult is the per-intent outcome within a report.
type IntentResult struct {
	IntentID    string
	Request     ledger.TransactionRequest
	Outcome     Outcome
	Transaction *ledger.CashlessTransaction // set for Reconciled/AlreadyApplied
	Err         error                       // set for Conflict/Rejected

	// StaleSnapshot flags intents authorized against a cached balance that
	// no longer matched reality at replay time.
	StaleSnapshot bool
}

// ReconciliationReport summarizes one terminal's replay.
type ReconciliationReport struct {
	TerminalID     ledger.TerminalID
	StartedAt      time.Time
	FinishedAt     time.Time
	Reconciled     int
	AlreadyApplied int
	Conflicts      int
	Retryable      int
	Rejected       int
	Results        []IntentResult
}

// =============================================================================
// RECONCILER
// =============================================================================

// Applier is the ledger surface the reconciler needs. *ledger.Ledger
// satisfies it.
type Applier interface {
	Apply(ctx context.Context, req ledger.TransactionRequest) (*ledger.CashlessTransaction, error)
	FindApplied(ctx context.Context, idempotencyKey string) (*ledger.CashlessTransaction, error)
	GetBalance(ctx context.Context, id ledger.AccountID) (ledger.Money, error)
	VerifyBalance(ctx context.Context, id ledger.AccountID) error
}

// Reconciler replays offline buffers against the live ledger.
type Reconciler struct {
	Manager *Manager
	Ledger  Applier
}

func NewReconciler(m *Manager, l Applier) *Reconciler {
	return &Reconciler{Manager: m, Ledger: l}
}

// Reconcile brings a terminal back online and replays its buffered
// intents. Each intent acquires and releases its own account lock inside
// Apply; no account lock is held across intents, and ctx cancellation
// stops this terminal's replay without affecting others.
func (r *Reconciler) Reconcile(ctx context.Context, terminalID ledger.TerminalID) (*ReconciliationReport, error) {
	intents, err := r.Manager.GoOnline(terminalID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Seq < intents[j].Seq })

	report := &ReconciliationReport{
		TerminalID: terminalID,
		StartedAt:  time.Now().UTC(),
	}
	var replayed []string
	touched := make(map[ledger.AccountID]bool)

	for _, intent := range intents {
		if err := ctx.Err(); err != nil {
			// Replayed intents stay cleared; the rest keep their keys and
			// replay safely on the next run.
			break
		}

		result := r.replay(ctx, intent)
		report.Results = append(report.Results, result)
		touched[intent.Request.AccountID] = true

		switch result.Outcome {
		case OutcomeReconciled:
			report.Reconciled++
		case OutcomeAlreadyApplied:
			report.AlreadyApplied++
		case OutcomeConflict:
			report.Conflicts++
		case OutcomeRetry:
			// Transient failure: the intent keeps its buffer slot and its
			// idempotency key, and replays on the next run.
			report.Retryable++
			continue
		case OutcomeRejected:
			report.Rejected++
		}
		// Conflicts and rejections are terminal outcomes too: the intent
		// was judged against live state and must not be replayed again.
		replayed = append(replayed, intent.ID)
	}

	if err := r.Manager.ClearReconciled(terminalID, replayed); err != nil {
		return report, err
	}

	// Consistency check over every account this replay touched.
	for accountID := range touched {
		if err := r.Ledger.VerifyBalance(ctx, accountID); err != nil {
			log.Printf("[reconcile] divergence on account %s after replay from %s: %v",
				accountID, terminalID, err)
			report.FinishedAt = time.Now().UTC()
			return report, err
		}
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// replay pushes one intent through the ledger and classifies the result.
func (r *Reconciler) replay(ctx context.Context, intent OfflineIntent) IntentResult {
	result := IntentResult{IntentID: intent.ID, Request: intent.Request}

	// A key with an Applied entry means a previous (partial) run already
	// committed this intent. Skip, never double-apply.
	if prior, err := r.Ledger.FindApplied(ctx, intent.Request.IdempotencyKey); err == nil && prior != nil {
		result.Outcome = OutcomeAlreadyApplied
		result.Transaction = prior
		return result
	}

	tx, err := r.Ledger.Apply(ctx, intent.Request)
	if err == nil {
		result.Transaction = tx
		result.Outcome = OutcomeReconciled
		return result
	}

	result.Err = err
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		result.Outcome = OutcomeConflict
		result.StaleSnapshot = r.snapshotWasStale(ctx, intent)
		return result
	}
	if ledger.IsRetryable(err) {
		result.Outcome = OutcomeRetry
		return result
	}
	result.Outcome = OutcomeRejected
	return result
}

// snapshotWasStale reports whether the live balance diverged from the
// terminal's cached snapshot. Diagnostic only.
func (r *Reconciler) snapshotWasStale(ctx context.Context, intent OfflineIntent) bool {
	if intent.Cached.TakenAt.IsZero() {
		return false
	}
	live, err := r.Ledger.GetBalance(ctx, intent.Request.AccountID)
	if err != nil {
		return false
	}
	return live.Cmp(intent.Cached.Balance) != 0
}
