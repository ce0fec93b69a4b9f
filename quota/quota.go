// Package quota tracks how many messages each sending identity may still
// send in its current window.
package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExhausted is returned when an identity has no capacity left.
var ErrExhausted = errors.New("quota exhausted")

// Window is the persisted state of one identity's quota.
type Window struct {
	Key      string    `json:"key"`
	Count    int       `json:"count"`
	Reserved int       `json:"reserved"`
	Start    time.Time `json:"start"`
}

// Store persists windows. Implementations need not be safe for concurrent
// use; the Tracker serialises access.
type Store interface {
	Load(key string) (Window, bool, error)
	Save(w Window) error
}

// Tracker gates sends per identity with a fixed window.
//
// When now - Start exceeds the window duration the whole window resets. This
// is a fixed window, not a sliding log: an identity can send up to 2×limit
// across a window boundary.
//
// Capacity is reserved before a run and committed with the real sent count
// afterwards, so Count+Reserved never exceeds the limit. A reset clears both
// counters; reservations left behind by a crashed run die with their window.
type Tracker struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	store  Store
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithStore overrides the default in-memory store.
func WithStore(s Store) Option {
	return func(t *Tracker) {
		t.store = s
	}
}

// NewTracker returns a Tracker allowing limit sends per window.
func NewTracker(limit int, window time.Duration, opts ...Option) (*Tracker, error) {
	if limit < 1 {
		return nil, fmt.Errorf("quota: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("quota: window must be positive, got %v", window)
	}
	t := &Tracker{
		limit:  limit,
		window: window,
		now:    time.Now,
		store:  NewMemoryStore(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Limit returns the per-window limit.
func (t *Tracker) Limit() int {
	return t.limit
}

// Remaining returns how many more sends key may reserve right now.
func (t *Tracker) Remaining(key string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, err := t.current(key)
	if err != nil {
		return 0, err
	}
	return t.remaining(w), nil
}

// Usage returns a snapshot of key's active window.
func (t *Tracker) Usage(key string) (Window, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current(key)
}

// Reservation is capacity claimed by one run. It belongs to the window that
// was active when it was made.
type Reservation struct {
	Key     string
	Granted int
	Window  time.Time
}

// Reserve claims up to n sends for key. The grant is min(n, remaining); a
// zero grant returns ErrExhausted.
func (t *Tracker) Reserve(key string, n int) (Reservation, error) {
	if n <= 0 {
		return Reservation{Key: key}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w, err := t.current(key)
	if err != nil {
		return Reservation{}, err
	}
	granted := min(n, t.remaining(w))
	if granted == 0 {
		return Reservation{}, ErrExhausted
	}
	w.Reserved += granted
	if err := t.store.Save(w); err != nil {
		return Reservation{}, fmt.Errorf("quota: save %s: %w", key, err)
	}
	return Reservation{Key: key, Granted: granted, Window: w.Start}, nil
}

// Commit releases res and records sent as used. sent is clamped to the
// grant. A reservation whose window has since rolled over holds nothing any
// more; its sends are charged to the current window only as far as the
// limit allows.
func (t *Tracker) Commit(res Reservation, sent int) error {
	sent = max(0, min(sent, res.Granted))

	t.mu.Lock()
	defer t.mu.Unlock()

	w, err := t.current(res.Key)
	if err != nil {
		return err
	}
	if w.Start.Equal(res.Window) {
		w.Reserved = max(0, w.Reserved-res.Granted)
		w.Count += sent
	} else {
		w.Count = max(w.Count, min(w.Count+sent, t.limit-w.Reserved))
	}
	if err := t.store.Save(w); err != nil {
		return fmt.Errorf("quota: save %s: %w", res.Key, err)
	}
	return nil
}

// ResetIfExpired rolls key's window over when it has expired.
func (t *Tracker) ResetIfExpired(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.current(key)
	return err
}

// current loads key's window, resetting it lazily. Callers hold t.mu.
func (t *Tracker) current(key string) (Window, error) {
	now := t.now()
	w, ok, err := t.store.Load(key)
	if err != nil {
		return Window{}, fmt.Errorf("quota: load %s: %w", key, err)
	}
	if !ok {
		return Window{Key: key, Start: now}, nil
	}
	if now.Sub(w.Start) > t.window {
		// reservations are tied to the window they were made in; a run that
		// never committed cannot hold capacity past it
		w = Window{Key: key, Start: now}
		if err := t.store.Save(w); err != nil {
			return Window{}, fmt.Errorf("quota: save %s: %w", key, err)
		}
	}
	return w, nil
}

func (t *Tracker) remaining(w Window) int {
	return max(0, t.limit-w.Count-w.Reserved)
}

// MemoryStore keeps windows in a map.
type MemoryStore struct {
	windows map[string]Window
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]Window)}
}

// Load implements Store.
func (m *MemoryStore) Load(key string) (Window, bool, error) {
	w, ok := m.windows[key]
	return w, ok, nil
}

// Save implements Store.
func (m *MemoryStore) Save(w Window) error {
	m.windows[w.Key] = w
	return nil
}
