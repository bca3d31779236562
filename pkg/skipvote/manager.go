// Package skipvote implements quorum-based track skipping. Votes are
// kept per session, expire on a wall-clock deadline, and are cleared on
// skip, manual track change, or session teardown.
package skipvote

import (
	"sync"
	"time"
)

// Policy maps a listener count to the number of votes required.
type Policy func(listenerCount int) int

// MajorityPolicy requires a strict majority with a floor of two votes.
func MajorityPolicy(listenerCount int) int {
	required := listenerCount/2 + 1
	if required < 2 {
		required = 2
	}
	return required
}

// DefaultExpiry is how long a vote stays open.
const DefaultExpiry = 30 * time.Second

// Vote is the state of one in-progress skip vote.
type Vote struct {
	voters    map[string]struct{}
	required  int
	expiresAt time.Time
}

// Status is a read-only view of a vote.
type Status struct {
	Count    int
	Required int
}

// Manager tracks skip votes across sessions.
type Manager struct {
	mu     sync.Mutex
	votes  map[string]*Vote
	policy Policy
	expiry time.Duration
}

// NewManager creates a vote manager. A nil policy selects MajorityPolicy.
func NewManager(policy Policy) *Manager {
	if policy == nil {
		policy = MajorityPolicy
	}
	return &Manager{
		votes:  make(map[string]*Vote),
		policy: policy,
		expiry: DefaultExpiry,
	}
}

// SetExpiry overrides the vote lifetime.
func (m *Manager) SetExpiry(expiry time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry = expiry
}

// Start opens a vote with the first voter counted. Starting while a vote
// is already active just adds the voter to it.
func (m *Manager) Start(sessionID, voterID string, listenerCount int) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	vote := m.activeLocked(sessionID)
	if vote == nil {
		vote = &Vote{
			voters:    make(map[string]struct{}),
			required:  m.policy(listenerCount),
			expiresAt: time.Now().Add(m.expiry),
		}
		m.votes[sessionID] = vote
	}
	vote.voters[voterID] = struct{}{}
	return Status{Count: len(vote.voters), Required: vote.required}
}

// AddVote records a vote. Returns (status, true) on success, or
// (zero, false) when no vote is active for the session.
func (m *Manager) AddVote(sessionID, voterID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vote := m.activeLocked(sessionID)
	if vote == nil {
		return Status{}, false
	}
	vote.voters[voterID] = struct{}{}
	return Status{Count: len(vote.voters), Required: vote.required}, true
}

// HasEnough reports whether the active vote reached its threshold.
func (m *Manager) HasEnough(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	vote := m.activeLocked(sessionID)
	return vote != nil && len(vote.voters) >= vote.required
}

// End clears the vote state for a session.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.votes, sessionID)
}

// SweepExpired drops every expired vote. Called from a periodic sweep; a
// few seconds of over-run past the deadline is acceptable.
func (m *Manager) SweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for sessionID, vote := range m.votes {
		if now.After(vote.expiresAt) {
			delete(m.votes, sessionID)
		}
	}
}

// activeLocked returns the live vote for a session, reaping it inline
// when it has already expired.
func (m *Manager) activeLocked(sessionID string) *Vote {
	vote, ok := m.votes[sessionID]
	if !ok {
		return nil
	}
	if time.Now().After(vote.expiresAt) {
		delete(m.votes, sessionID)
		return nil
	}
	return vote
}
