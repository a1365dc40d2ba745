package terminal

import "time"

// SetNow overrides the manager clock for tests.
func (m *Manager) SetNow(fn func() time.Time) { m.now = fn }
