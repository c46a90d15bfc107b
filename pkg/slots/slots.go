// Package slots enforces the per-user concurrency policy: at most N jobs
// running concurrently per user, with a strict FIFO queue for the rest.
package slots

import (
	"sync"

	"llmarena/pkg/security"
)

// Manager tracks a running counter and a FIFO wait queue per user. All
// mutations happen under one mutex so concurrent completions can never
// grant more slots than the limit.
type Manager struct {
	mu           sync.Mutex
	defaultLimit int
	users        map[string]*userSlots
}

type userSlots struct {
	limit   int
	running int
	queue   []string // job ids, FIFO by submission
}

// NewManager creates a Manager with the given default per-user limit.
func NewManager(defaultLimit int) *Manager {
	return &Manager{
		defaultLimit: security.ClampConcurrency(defaultLimit),
		users:        make(map[string]*userSlots),
	}
}

func (m *Manager) user(userID string) *userSlots {
	u, ok := m.users[userID]
	if !ok {
		u = &userSlots{limit: m.defaultLimit}
		m.users[userID] = u
	}
	return u
}

// Acquire requests a slot for jobID. It returns true if a slot was granted
// (the job may run now) or false if the job was appended to the user's
// wait queue.
func (m *Manager) Acquire(userID, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(userID)
	if u.running < u.limit {
		u.running++
		return true
	}
	u.queue = append(u.queue, jobID)
	return false
}

// Release frees one slot for the user and promotes queued jobs in FIFO
// order while capacity remains. The returned ids have already been granted
// slots; the caller must start them.
func (m *Manager) Release(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(userID)
	if u.running > 0 {
		u.running--
	}

	var promoted []string
	for u.running < u.limit && len(u.queue) > 0 {
		next := u.queue[0]
		u.queue = u.queue[1:]
		u.running++
		promoted = append(promoted, next)
	}
	return promoted
}

// RemoveQueued drops a job from the user's wait queue, for cancellation of
// a job that never held a slot. Returns false if the job was not queued.
func (m *Manager) RemoveQueued(userID, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(userID)
	for i, id := range u.queue {
		if id == jobID {
			u.queue = append(u.queue[:i], u.queue[i+1:]...)
			return true
		}
	}
	return false
}

// SetLimit changes a user's concurrency limit. Newly freed capacity is
// handed out on the next Release; the limit never revokes running jobs.
func (m *Manager) SetLimit(userID string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user(userID).limit = security.ClampConcurrency(limit)
}

// Running reports the user's current running count.
func (m *Manager) Running(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user(userID).running
}

// QueueDepth reports the user's current wait-queue length.
func (m *Manager) QueueDepth(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.user(userID).queue)
}
