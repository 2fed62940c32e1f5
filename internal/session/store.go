// Package session implements the process-wide session store (spec.md
// §4.3): a concurrency-safe session_id -> Session map with per-session
// serialized updates and TTL-based eviction.
package session

import (
	"errors"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// ErrAlreadyExists is returned by Create when session_id is already live.
var ErrAlreadyExists = errors.New("session: already exists")

// ErrNotFound is returned when a session_id has never existed, or has
// already been swept/deleted.
var ErrNotFound = errors.New("session: not found")

// ErrExpired is returned by Get when a session_id exists but its TTL has
// elapsed; per spec.md §4.3, a session reported Expired must never
// subsequently be returned by Get (it is removed on the spot).
var ErrExpired = errors.New("session: expired")

// Session is the data held for one logical caller (spec.md §3). Program
// and Metadata are copied on every read and replace on every write; the
// store never interprets their contents.
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastAccess time.Time
	TTL        time.Duration
	Programs   map[string]any
	Metadata   map[string]any
}

func (s Session) expiredAt(now time.Time) bool {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.Sub(s.LastAccess) >= ttl
}

func (s Session) clone() Session {
	out := s
	out.Programs = make(map[string]any, len(s.Programs))
	for k, v := range s.Programs {
		out.Programs[k] = v
	}
	out.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// DefaultTTL is the default idle lifetime of a session (spec.md §3).
const DefaultTTL = 3600 * time.Second

// Options configures Create.
type Options struct {
	TTL      time.Duration
	Metadata map[string]any
}

// entry pairs a Session with the mutex that serializes Update calls
// against it, following the per-key-mutex-over-a-shared-map idiom the
// teacher uses for its health/connection maps (pkg/pyproc/pool.go's
// healthMu/connPool fields), generalized from one RWMutex for the whole
// pool to one mutex per session so unrelated sessions never contend.
type entry struct {
	mu   sync.Mutex
	data Session
}

// Store is the process-wide session table.
type Store struct {
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*entry

	// global is the session-less program table (spec.md §4.3's "Global
	// (session-less) program table"), backed by go-cache with a per-entry
	// TTL. Sessions themselves live in the sessions map above and expire
	// through lookup and sweepLoop, not through go-cache.
	global *cache.Cache

	sweptTotal uint64
	stopOnce   sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New builds a Store and starts its background sweeper at sweepInterval
// (default once a minute, per spec.md §4.3).
func New(sweepInterval time.Duration) *Store {
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	s := &Store{
		sweepInterval: sweepInterval,
		sessions:      make(map[string]*entry),
		global:        cache.New(cache.NoExpiration, time.Minute),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Create creates a new session, or returns ErrAlreadyExists if one is
// already live under id.
func (s *Store) Create(id string, opts Options) (Session, error) {
	now := time.Now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	meta := opts.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		existing.mu.Lock()
		expired := existing.data.expiredAt(now)
		existing.mu.Unlock()
		if !expired {
			s.mu.Unlock()
			return Session{}, ErrAlreadyExists
		}
		// Fall through: the prior session is expired and is being
		// replaced, exactly as if the sweeper had already run.
	}
	e := &entry{data: Session{
		ID:         id,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
		Programs:   map[string]any{},
		Metadata:   meta,
	}}
	s.sessions[id] = e
	s.mu.Unlock()

	return e.data.clone(), nil
}

// lookup returns the live entry for id, or nil if it does not exist or is
// expired (in which case it is removed as a side effect, matching
// spec.md's "expired sessions must be invisible to lookups").
func (s *Store) lookup(id string, now time.Time, touch bool) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	expired := e.data.expiredAt(now)
	if expired {
		e.mu.Unlock()
		s.remove(id)
		return nil, ErrExpired
	}
	if touch {
		e.data.LastAccess = now
	}
	e.mu.Unlock()
	return e, nil
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Get returns a copy of the session, refreshing its last-access time
// (spec.md §4.3: "A read refreshes last_access").
func (s *Store) Get(id string) (Session, error) {
	e, err := s.lookup(id, time.Now(), true)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.clone(), nil
}

// Exists reports whether id names a live, unexpired session.
func (s *Store) Exists(id string) bool {
	_, err := s.lookup(id, time.Now(), false)
	return err == nil
}

// Update runs f against the current session under the session's own
// lock and stores its result. Concurrent Update calls on the same
// session serialize; calls on distinct sessions proceed in parallel
// (spec.md §4.3's linearizability invariant).
func (s *Store) Update(id string, f func(Session) Session) (Session, error) {
	e, err := s.lookup(id, time.Now(), false)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := f(e.data.clone())
	next.ID = id
	next.CreatedAt = e.data.CreatedAt
	e.data = next
	return e.data.clone(), nil
}

// Delete removes a session unconditionally. It is not an error to delete
// an id that does not exist.
func (s *Store) Delete(id string) {
	s.remove(id)
}

// StoreProgram sets one program record under a session, creating the
// session's Programs map entry. Layered on Update, per spec.md §4.3.
func (s *Store) StoreProgram(sessionID, programID string, record any) error {
	_, err := s.Update(sessionID, func(sess Session) Session {
		sess.Programs[programID] = record
		return sess
	})
	return err
}

// GetProgram retrieves one program record from a session. It reads
// through Get, so it refreshes the session's last_access just as Get does.
func (s *Store) GetProgram(sessionID, programID string) (any, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	v, ok := sess.Programs[programID]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// UpdateProgram applies f to one program record within a session,
// creating the record if absent.
func (s *Store) UpdateProgram(sessionID, programID string, f func(any) any) error {
	_, err := s.Update(sessionID, func(sess Session) Session {
		sess.Programs[programID] = f(sess.Programs[programID])
		return sess
	})
	return err
}

// StoreGlobalProgram stores a program record outside any session, for
// requests that do not pin a session (spec.md §4.3's "Global
// (session-less) program table").
func (s *Store) StoreGlobalProgram(programID string, record any, ttl time.Duration) {
	s.global.Set(programID, record, ttl)
}

// GetGlobalProgram retrieves a session-less program record.
func (s *Store) GetGlobalProgram(programID string) (any, bool) {
	return s.global.Get(programID)
}

// DeleteGlobalProgram removes a session-less program record.
func (s *Store) DeleteGlobalProgram(programID string) {
	s.global.Delete(programID)
}

// SweptTotal returns the cumulative count of sessions removed by the
// background sweeper (not by explicit Delete or lazy expiry on lookup).
func (s *Store) SweptTotal() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sweptTotal
}

// Count returns the number of sessions currently tracked, live or
// (momentarily, before the next sweep) expired.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) sweepLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Store) sweepOnce() {
	now := time.Now()
	var stale []string

	s.mu.RLock()
	for id, e := range s.sessions {
		e.mu.Lock()
		expired := e.data.expiredAt(now)
		e.mu.Unlock()
		if expired {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range stale {
		delete(s.sessions, id)
	}
	s.sweptTotal += uint64(len(stale))
	s.mu.Unlock()
}
