package handlers

import (
	"sync"
	"time"

	"github.com/rosa-flowers/checkout/internal/domain"
	"github.com/rosa-flowers/checkout/internal/services"
)

// snapshotCart is the per-session cart store, seeded from the session-create
// payload. The cart itself is owned by the UI; the session works on this
// snapshot and Clear marks it consumed.
type snapshotCart struct {
	mu    sync.Mutex
	lines []domain.CartLine
}

func newSnapshotCart(lines []domain.CartLine) *snapshotCart {
	copied := make([]domain.CartLine, len(lines))
	copy(copied, lines)
	return &snapshotCart{lines: copied}
}

// Lines implements services.CartStore.
func (c *snapshotCart) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// Clear implements services.CartStore.
func (c *snapshotCart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
}

// Empty reports whether the snapshot has been cleared or was seeded empty.
func (c *snapshotCart) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines) == 0
}

// snapshotUser is the per-session profile snapshot.
type snapshotUser struct {
	user domain.User
	ok   bool
}

// Current implements services.UserStore.
func (u *snapshotUser) Current() (domain.User, bool) {
	return u.user, u.ok
}

// sessionEntry ties a checkout session to its per-session collaborators.
type sessionEntry struct {
	id       string
	session  *services.CheckoutSession
	host     *webHost
	cart     *snapshotCart
	expireAt time.Time
}

// SessionRegistry holds live checkout sessions in memory. Entries expire
// after the TTL since last access; expired entries are closed so orphaned
// upstream responses are discarded.
type SessionRegistry struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	ttl     time.Duration
	clock   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewSessionRegistry constructs a registry with the given entry TTL.
func NewSessionRegistry(ttl time.Duration, clock func() time.Time) *SessionRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &SessionRegistry{
		entries: map[string]*sessionEntry{},
		ttl:     ttl,
		clock:   clock,
		done:    make(chan struct{}),
	}
}

// Put registers an entry under its id.
func (r *SessionRegistry) Put(entry *sessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.expireAt = r.clock().Add(r.ttl)
	r.entries[entry.id] = entry
}

// Get returns a live entry and refreshes its deadline.
func (r *SessionRegistry) Get(id string) (*sessionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	if r.clock().After(entry.expireAt) {
		delete(r.entries, id)
		entry.session.Close()
		return nil, false
	}
	entry.expireAt = r.clock().Add(r.ttl)
	return entry, true
}

// Delete closes and removes the entry; removing an unknown id is a no-op.
func (r *SessionRegistry) Delete(id string) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		entry.session.Close()
	}
}

// Len reports the number of live entries.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartSweeper launches the background expiry sweep. Stop it via Close.
func (r *SessionRegistry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *SessionRegistry) sweep() {
	now := r.clock()
	var expired []*sessionEntry
	r.mu.Lock()
	for id, entry := range r.entries {
		if now.After(entry.expireAt) {
			delete(r.entries, id)
			expired = append(expired, entry)
		}
	}
	r.mu.Unlock()
	for _, entry := range expired {
		entry.session.Close()
	}
}

// Close stops the sweeper and closes every live session.
func (r *SessionRegistry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.mu.Lock()
	entries := make([]*sessionEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		entries = append(entries, entry)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	for _, entry := range entries {
		entry.session.Close()
	}
}
