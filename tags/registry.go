/*
Package tags maps physical NFC wristband identifiers to cashless accounts.

PURPOSE:
  Every vendor tap starts with a tag UID. Resolve is the hot path: an O(1)
  read-locked map lookup with no side effects. Tag lifecycle is independent
  of account lifecycle - a lost wristband blocks the tag, not the account.

INVARIANTS:
  - A tag is bound to at most one account at a time
  - An account has at most one Active tag
  - Rebinding an Active tag requires an explicit Unbind first; implicit
    rebinding could silently redirect an attendee's funds
  - Binding changes never touch account balances or account locks; they
    are recorded in this package's own append-only binding history

SEE ALSO:
  - ../ledger: Balance authority; this package only maps identities
*/
package tags

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

// TagID is the physical UID burned into the NFC chip.
type TagID string

type TagStatus string

const (
	TagUnassigned  TagStatus = "unassigned"
	TagAssigned    TagStatus = "assigned" // bound, not yet seen at a terminal
	TagActive      TagStatus = "active"
	TagLost        TagStatus = "lost"
	TagDamaged     TagStatus = "damaged"
	TagBlocked     TagStatus = "blocked"
	TagReturned    TagStatus = "returned"
	TagDeactivated TagStatus = "deactivated"
)

// NfcTag is the registry record for one physical tag.
type NfcTag struct {
	TagID          TagID
	BoundAccountID ledger.AccountID // empty when unbound
	Status         TagStatus
	BoundAt        time.Time
	UpdatedAt      time.Time
}

// BindingEvent is one append-only audit record of a binding change.
type BindingEvent struct {
	ID        string
	TagID     TagID
	AccountID ledger.AccountID
	Action    string // "bind", "unbind", "status"
	Detail    string
	At        time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTagNotFound is returned for an unregistered tag UID.
	ErrTagNotFound = errors.New("tag not found")

	// ErrAlreadyBound is returned when binding a tag that is Active or
	// Assigned on another account. Unbind explicitly first.
	ErrAlreadyBound = errors.New("tag already bound")

	// ErrTagUnusable is returned when the tag status forbids binding
	// (blocked, damaged, deactivated).
	ErrTagUnusable = errors.New("tag not usable")

	// ErrAccountHasActiveTag is returned when the account already carries
	// an Active tag.
	ErrAccountHasActiveTag = errors.New("account already has an active tag")
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the in-process tag directory. Safe for concurrent use.
// It never takes ledger account locks.
type Registry struct {
	mu      sync.RWMutex
	tags    map[TagID]*NfcTag
	active  map[ledger.AccountID]TagID // account -> its Active/Assigned tag
	history []BindingEvent
}

func NewRegistry() *Registry {
	return &Registry{
		tags:   make(map[TagID]*NfcTag),
		active: make(map[ledger.AccountID]TagID),
	}
}

// Register adds a factory-fresh tag as Unassigned. Idempotent.
func (r *Registry) Register(tagID TagID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[tagID]; ok {
		return
	}
	r.tags[tagID] = &NfcTag{TagID: tagID, Status: TagUnassigned, UpdatedAt: time.Now().UTC()}
}

// Bind associates a tag with an account.
func (r *Registry) Bind(tagID TagID, accountID ledger.AccountID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag, ok := r.tags[tagID]
	if !ok {
		return ErrTagNotFound
	}
	switch tag.Status {
	case TagBlocked, TagDamaged, TagDeactivated:
		return fmt.Errorf("tag %s is %s: %w", tagID, tag.Status, ErrTagUnusable)
	case TagActive, TagAssigned:
		if tag.BoundAccountID == accountID {
			return nil // binding is idempotent for the same account
		}
		return fmt.Errorf("tag %s bound to another account: %w", tagID, ErrAlreadyBound)
	}
	if _, ok := r.active[accountID]; ok {
		return ErrAccountHasActiveTag
	}

	now := time.Now().UTC()
	tag.BoundAccountID = accountID
	tag.Status = TagActive
	tag.BoundAt = now
	tag.UpdatedAt = now
	r.active[accountID] = tagID
	r.record(tagID, accountID, "bind", "")
	return nil
}

// Unbind releases the tag from its account. The tag becomes Returned and
// may be rebound later.
func (r *Registry) Unbind(tagID TagID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag, ok := r.tags[tagID]
	if !ok {
		return ErrTagNotFound
	}
	accountID := tag.BoundAccountID
	if accountID == "" {
		return nil
	}
	delete(r.active, accountID)
	tag.BoundAccountID = ""
	tag.Status = TagReturned
	tag.UpdatedAt = time.Now().UTC()
	r.record(tagID, accountID, "unbind", "")
	return nil
}

// Resolve maps a tag UID to its account. Hot path: O(1), read lock only,
// no side effects.
func (r *Registry) Resolve(tagID TagID) (ledger.AccountID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tag, ok := r.tags[tagID]
	if !ok || tag.Status != TagActive || tag.BoundAccountID == "" {
		return "", false
	}
	return tag.BoundAccountID, true
}

// Get returns a copy of the tag record.
func (r *Registry) Get(tagID TagID) (*NfcTag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tag, ok := r.tags[tagID]
	if !ok {
		return nil, ErrTagNotFound
	}
	c := *tag
	return &c, nil
}

// MarkLost takes the tag out of service without touching the account.
// The binding is kept so a found wristband can be traced to its owner.
func (r *Registry) MarkLost(tagID TagID) error { return r.setStatus(tagID, TagLost) }

// MarkDamaged retires a physically broken tag.
func (r *Registry) MarkDamaged(tagID TagID) error { return r.setStatus(tagID, TagDamaged) }

// Block disables the tag for fraud or admin reasons.
func (r *Registry) Block(tagID TagID) error { return r.setStatus(tagID, TagBlocked) }

func (r *Registry) setStatus(tagID TagID, status TagStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag, ok := r.tags[tagID]
	if !ok {
		return ErrTagNotFound
	}
	prior := tag.Status
	tag.Status = status
	tag.UpdatedAt = time.Now().UTC()
	if tag.BoundAccountID != "" && (prior == TagActive || prior == TagAssigned) {
		// The account may receive a replacement wristband.
		delete(r.active, tag.BoundAccountID)
	}
	r.record(tagID, tag.BoundAccountID, "status", string(prior)+" -> "+string(status))
	return nil
}

// History returns the binding audit trail for a tag, oldest first.
func (r *Registry) History(tagID TagID) []BindingEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []BindingEvent
	for _, e := range r.history {
		if e.TagID == tagID {
			out = append(out, e)
		}
	}
	return out
}

// record appends to the audit trail. Caller holds the write lock.
func (r *Registry) record(tagID TagID, accountID ledger.AccountID, action, detail string) {
	r.history = append(r.history, BindingEvent{
		ID:        uuid.NewString(),
		TagID:     tagID,
		AccountID: accountID,
		Action:    action,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
}
