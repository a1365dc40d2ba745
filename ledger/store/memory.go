// Package store provides the in-memory ledger.Store implementation,
// used by tests and single-process deployments.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/festkit/cashless/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements ledger.Store with maps guarded by a RWMutex.
// WithTx is simulated with a snapshot restored on error.
type Memory struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]*ledger.CashlessAccount
	log      map[ledger.AccountID][]ledger.CashlessTransaction
	byID     map[ledger.TransactionID]*ledger.CashlessTransaction
	applied  map[string]*ledger.CashlessTransaction // idempotency key -> Applied entry
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]*ledger.CashlessAccount),
		log:      make(map[ledger.AccountID][]ledger.CashlessTransaction),
		byID:     make(map[ledger.TransactionID]*ledger.CashlessTransaction),
		applied:  make(map[string]*ledger.CashlessTransaction),
	}
}

func (m *Memory) CreateAccount(_ context.Context, account *ledger.CashlessAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; ok {
		return ledger.ErrConcurrentModification
	}
	c := *account
	m.accounts[account.ID] = &c
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.CashlessAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	c := *account
	return &c, nil
}

func (m *Memory) SaveAccount(_ context.Context, account *ledger.CashlessAccount, expectedVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAccountLocked(account, expectedVersion)
}

func (m *Memory) saveAccountLocked(account *ledger.CashlessAccount, expectedVersion uint64) error {
	current, ok := m.accounts[account.ID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if current.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	c := *account
	m.accounts[account.ID] = &c
	return nil
}

func (m *Memory) Append(_ context.Context, tx ledger.CashlessTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx ledger.CashlessTransaction) error {
	if tx.Status == ledger.StatusApplied && tx.IdempotencyKey != "" {
		if _, ok := m.applied[tx.IdempotencyKey]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	m.log[tx.AccountID] = append(m.log[tx.AccountID], tx)
	stored := &m.log[tx.AccountID][len(m.log[tx.AccountID])-1]
	m.byID[tx.ID] = stored
	if tx.Status == ledger.StatusApplied && tx.IdempotencyKey != "" {
		m.applied[tx.IdempotencyKey] = stored
	}
	return nil
}

func (m *Memory) Load(_ context.Context, id ledger.AccountID) ([]ledger.CashlessTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.CashlessTransaction, len(m.log[id]))
	copy(result, m.log[id])
	return result, nil
}

func (m *Memory) LoadRange(_ context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.CashlessTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.CashlessTransaction
	for _, tx := range m.log[id] {
		if !tx.CreatedAt.Before(from) && !tx.CreatedAt.After(to) {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (m *Memory) FindApplied(_ context.Context, idempotencyKey string) (*ledger.CashlessTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.applied[idempotencyKey]
	if !ok {
		return nil, nil
	}
	c := *entry
	return &c, nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.CashlessTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	c := *entry
	return &c, nil
}

// WithTx executes fn against a view of the store and restores the
// pre-transaction snapshot if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// =============================================================================
// SNAPSHOT / ROLLBACK
// =============================================================================

type memorySnapshot struct {
	accounts map[ledger.AccountID]*ledger.CashlessAccount
	log      map[ledger.AccountID][]ledger.CashlessTransaction
	applied  map[string]*ledger.CashlessTransaction
	byID     map[ledger.TransactionID]*ledger.CashlessTransaction
}

func (m *Memory) snapshot() memorySnapshot {
	accounts := make(map[ledger.AccountID]*ledger.CashlessAccount, len(m.accounts))
	for k, v := range m.accounts {
		c := *v
		accounts[k] = &c
	}
	log := make(map[ledger.AccountID][]ledger.CashlessTransaction, len(m.log))
	for k, v := range m.log {
		log[k] = append([]ledger.CashlessTransaction{}, v...)
	}
	applied := make(map[string]*ledger.CashlessTransaction, len(m.applied))
	for k, v := range m.applied {
		applied[k] = v
	}
	byID := make(map[ledger.TransactionID]*ledger.CashlessTransaction, len(m.byID))
	for k, v := range m.byID {
		byID[k] = v
	}
	return memorySnapshot{accounts: accounts, log: log, applied: applied, byID: byID}
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.log = s.log
	m.applied = s.applied
	m.byID = s.byID
}

// txView routes Store calls back to the already-locked parent.
type txView struct {
	parent *Memory
}

func (tv *txView) CreateAccount(_ context.Context, account *ledger.CashlessAccount) error {
	if _, ok := tv.parent.accounts[account.ID]; ok {
		return ledger.ErrConcurrentModification
	}
	c := *account
	tv.parent.accounts[account.ID] = &c
	return nil
}

func (tv *txView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.CashlessAccount, error) {
	account, ok := tv.parent.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	c := *account
	return &c, nil
}

func (tv *txView) SaveAccount(_ context.Context, account *ledger.CashlessAccount, expectedVersion uint64) error {
	return tv.parent.saveAccountLocked(account, expectedVersion)
}

func (tv *txView) Append(_ context.Context, tx ledger.CashlessTransaction) error {
	return tv.parent.appendLocked(tx)
}

func (tv *txView) Load(_ context.Context, id ledger.AccountID) ([]ledger.CashlessTransaction, error) {
	return tv.parent.log[id], nil
}

func (tv *txView) LoadRange(_ context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.CashlessTransaction, error) {
	var result []ledger.CashlessTransaction
	for _, tx := range tv.parent.log[id] {
		if !tx.CreatedAt.Before(from) && !tx.CreatedAt.After(to) {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (tv *txView) FindApplied(_ context.Context, idempotencyKey string) (*ledger.CashlessTransaction, error) {
	entry, ok := tv.parent.applied[idempotencyKey]
	if !ok {
		return nil, nil
	}
	c := *entry
	return &c, nil
}

func (tv *txView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.CashlessTransaction, error) {
	entry, ok := tv.parent.byID[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	c := *entry
	return &c, nil
}

func (tv *txView) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	// Already inside a transaction; nesting reuses the same view.
	return fn(tv)
}
