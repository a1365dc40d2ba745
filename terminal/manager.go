/*
Package terminal tracks vendor terminals, their connectivity, and the
intents they buffer while offline.

PURPOSE:
  A terminal that loses connectivity keeps selling: it caches the last
  known balance per wristband it serves, appends unconfirmed intents to a
  local buffer, and replays them through the ledger when it reconnects.
  This package owns that buffer and its exposure caps; the ledger stays
  the single balance authority.

EXPOSURE CAPS:
  An offline terminal is a credit risk. Two caps bound it:
  - MaxOfflineTransactions: buffered intent count
  - OfflineBlockMinutes: how long the terminal may stay offline
  Exceeding either forces the terminal to Disabled for further debits
  (topups may still buffer) until it reconnects and reconciles.

LOCKING:
  The Manager locks per-terminal state only. It never takes an account
  lock - buffering an intent must not contend with live payments.

SEE ALSO:
  - reconcile.go: Replays the buffer through ledger.Apply
*/
package terminal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/festkit/cashless/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

type TerminalType string

const (
	TypePos    TerminalType = "pos"
	TypeTopup  TerminalType = "topup"
	TypeMulti  TerminalType = "multi"
	TypeMobile TerminalType = "mobile"
	TypeKiosk  TerminalType = "kiosk"
	TypeRefund TerminalType = "refund"
	TypeCheck  TerminalType = "check"
)

type TerminalStatus string

const (
	StatusOnline      TerminalStatus = "online"
	StatusOffline     TerminalStatus = "offline"
	StatusMaintenance TerminalStatus = "maintenance"
	StatusDisabled    TerminalStatus = "disabled"
	StatusError       TerminalStatus = "error"
)

// Terminal is the session state for one physical device.
type Terminal struct {
	ID                 ledger.TerminalID
	Type               TerminalType
	Status             TerminalStatus
	AuthorizedVendorID string
	LastSyncAt         time.Time
	WentOfflineAt      time.Time

	// Buffered offline work, owned exclusively by this terminal until
	// GoOnline hands it to the reconciler.
	pending   []OfflineIntent
	snapshots map[ledger.AccountID]BalanceSnapshot
}

// PendingIntentCount reports the buffered intent count.
func (t *Terminal) PendingIntentCount() int { return len(t.pending) }

// BalanceSnapshot is the balance a terminal last saw for an account before
// going offline, used for conflict detection on replay.
type BalanceSnapshot struct {
	Balance ledger.Money
	TakenAt time.Time
}

// OfflineIntent is an unconfirmed transaction produced while offline. It
// has the shape of a transaction request plus the cached balance the
// terminal authorized against. Balance before/after are unknown until
// replay.
type OfflineIntent struct {
	ID        string
	Request   ledger.TransactionRequest
	Cached    BalanceSnapshot
	CreatedAt time.Time
	Seq       int // local creation order, authoritative for replay
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrTerminalNotFound = errors.New("terminal not found")

	// ErrTerminalDisabled is returned when the terminal may not buffer
	// further debits (cap exceeded, or disabled by an operator).
	ErrTerminalDisabled = errors.New("terminal disabled for debits")

	// ErrTerminalOnline is returned when buffering is attempted while the
	// terminal is online; online requests go straight to the ledger.
	ErrTerminalOnline = errors.New("terminal is online")
)

// =============================================================================
// MANAGER
// =============================================================================

// Manager tracks all terminals for a festival. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	terminals map[ledger.TerminalID]*Terminal

	MaxOfflineTransactions int
	OfflineBlockMinutes    int

	now func() time.Time // test hook
}

// NewManager creates a Manager with caps taken from the festival limits.
func NewManager(limits ledger.Limits) *Manager {
	return &Manager{
		terminals:              make(map[ledger.TerminalID]*Terminal),
		MaxOfflineTransactions: limits.MaxOfflineTransactions,
		OfflineBlockMinutes:    limits.OfflineBlockMinutes,
		now:                    func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a terminal in Online state.
func (m *Manager) Register(id ledger.TerminalID, typ TerminalType, vendorID string) *Terminal {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Terminal{
		ID:                 id,
		Type:               typ,
		Status:             StatusOnline,
		AuthorizedVendorID: vendorID,
		LastSyncAt:         m.now(),
		snapshots:          make(map[ledger.AccountID]BalanceSnapshot),
	}
	m.terminals[id] = t
	return t
}

// Heartbeat refreshes the terminal's sync time and returns its status.
// A heartbeat does NOT flip Offline back to Online - reconnection must go
// through GoOnline so the buffered intents get reconciled first.
func (m *Manager) Heartbeat(id ledger.TerminalID) (TerminalStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return "", ErrTerminalNotFound
	}
	t.LastSyncAt = m.now()
	return t.Status, nil
}

// Get returns a copy of the terminal's public state.
func (m *Manager) Get(id ledger.TerminalID) (*Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	c := *t
	c.pending = append([]OfflineIntent(nil), t.pending...)
	c.snapshots = nil
	return &c, nil
}

// GoOffline marks the terminal offline and stamps the offline clock that
// the OfflineBlockMinutes cap counts against.
func (m *Manager) GoOffline(id ledger.TerminalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return ErrTerminalNotFound
	}
	if t.Status == StatusOffline {
		return nil
	}
	t.Status = StatusOffline
	t.WentOfflineAt = m.now()
	t.snapshots = make(map[ledger.AccountID]BalanceSnapshot)
	return nil
}

// SnapshotBalance caches the last known balance for an account the
// offline terminal is about to serve. First write wins: the snapshot
// records what the terminal knew when it lost connectivity.
func (m *Manager) SnapshotBalance(id ledger.TerminalID, accountID ledger.AccountID, balance ledger.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return ErrTerminalNotFound
	}
	if _, exists := t.snapshots[accountID]; exists {
		return nil
	}
	t.snapshots[accountID] = BalanceSnapshot{Balance: balance, TakenAt: m.now()}
	return nil
}

// BufferIntent appends an unconfirmed transaction to the terminal's local
// queue. Debits are refused once either exposure cap is exceeded; the
// terminal is then forced to Disabled until it reconciles.
func (m *Manager) BufferIntent(id ledger.TerminalID, req ledger.TransactionRequest) (*OfflineIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	if t.Status == StatusOnline {
		return nil, ErrTerminalOnline
	}

	isDebit := req.Type.IsDebit() || (req.Type == ledger.TxCorrection && req.Amount.IsNegative())
	if isDebit {
		if t.Status == StatusDisabled {
			return nil, ErrTerminalDisabled
		}
		if m.overExposed(t) {
			t.Status = StatusDisabled
			return nil, fmt.Errorf("offline exposure cap reached: %w", ErrTerminalDisabled)
		}
	}

	if req.IdempotencyKey == "" {
		// The key is minted at intent creation so a partially-synced
		// terminal that retries reconciliation never double-applies.
		req.IdempotencyKey = uuid.NewString()
	}
	req.TerminalID = id
	req.Origin = ledger.OriginOfflineReplay

	intent := OfflineIntent{
		ID:        uuid.NewString(),
		Request:   req,
		Cached:    t.snapshots[req.AccountID],
		CreatedAt: m.now(),
		Seq:       len(t.pending),
	}
	t.pending = append(t.pending, intent)
	return &intent, nil
}

// GoOnline marks the terminal online and hands back the buffered intents
// in local creation order. The buffer itself is cleared only by
// ClearReconciled once the reconciler has committed the replay.
func (m *Manager) GoOnline(id ledger.TerminalID) ([]OfflineIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	t.Status = StatusOnline
	t.LastSyncAt = m.now()
	t.WentOfflineAt = time.Time{}
	pending := append([]OfflineIntent(nil), t.pending...)
	return pending, nil
}

// ClearReconciled drops replayed intents from the buffer.
func (m *Manager) ClearReconciled(id ledger.TerminalID, intentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return ErrTerminalNotFound
	}
	done := make(map[string]bool, len(intentIDs))
	for _, iid := range intentIDs {
		done[iid] = true
	}
	kept := t.pending[:0]
	for _, intent := range t.pending {
		if !done[intent.ID] {
			kept = append(kept, intent)
		}
	}
	t.pending = kept
	return nil
}

// SetStatus is the operator override (maintenance, error, disabled).
func (m *Manager) SetStatus(id ledger.TerminalID, status TerminalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return ErrTerminalNotFound
	}
	t.Status = status
	return nil
}

// overExposed applies the two offline caps. Caller holds the lock.
func (m *Manager) overExposed(t *Terminal) bool {
	if m.MaxOfflineTransactions > 0 && len(t.pending) >= m.MaxOfflineTransactions {
		return true
	}
	if m.OfflineBlockMinutes > 0 && !t.WentOfflineAt.IsZero() {
		if m.now().Sub(t.WentOfflineAt) > time.Duration(m.OfflineBlockMinutes)*time.Minute {
			return true
		}
	}
	return false
}
