package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
)

const defaultPinAttempts = 32

// Store is the single source of truth for live sessions. Sessions are
// ephemeral and in-memory; a process restart loses them all.
//
// Mutations on one session are serialized through a per-session lock;
// different sessions proceed fully in parallel.
type Store struct {
	clock       clockwork.Clock
	pinAttempts int
	newPin      func() (string, error)

	mu       sync.Mutex
	sessions map[string]*entry  // session ID -> entry
	byPin    map[string]string  // PIN -> session ID, live sessions only
	byRoom   map[string]string  // room ID -> session ID, at most one live session per room
}

type entry struct {
	mu   sync.Mutex
	dead bool
	s    *domain.Session
}

type StoreConfig struct {
	Clock       clockwork.Clock
	PinAttempts int
}

func NewStore(c StoreConfig) *Store {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PinAttempts <= 0 {
		c.PinAttempts = defaultPinAttempts
	}

	return &Store{
		clock:       c.Clock,
		pinAttempts: c.PinAttempts,
		newPin:      randomPin,
		sessions:    make(map[string]*entry),
		byPin:       make(map[string]string),
		byRoom:      make(map[string]string),
	}
}

// Create allocates a PIN, freezes the room snapshot into a new session and
// attaches the host member. If the room already has a live session it is
// replaced inside the same critical section, and the replaced session is
// returned so the caller can tear its members down.
func (st *Store) Create(room *domain.Room, host domain.Identity) (created, replaced *domain.Session, err error) {
	now := st.clock.Now()

	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("generate session ID: %w", err)
	}
	memberID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("generate member ID: %w", err)
	}

	s := &domain.Session{
		SessionID:    sessionID.String(),
		Room:         room,
		CreatedAt:    now,
		State:        domain.StateWaiting,
		ActivePage:   -1,
		LastActivity: now,
		Members: []*domain.Member{{
			MemberID:    memberID.String(),
			AccountID:   host.AccountID,
			DisplayName: host.DisplayName,
			AvatarURL:   host.AvatarURL,
			Role:        domain.RoleHost,
			JoinedAt:    now,
		}},
		Answers: make(map[domain.AnswerKey]domain.Answer),
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s.PIN, err = st.allocatePinLocked()
	if err != nil {
		return nil, nil, err
	}

	// Last writer wins at the room level. The removal and the insert happen
	// under the same store lock, so two hosts racing on one room cannot
	// leak a second live session.
	if oldID, ok := st.byRoom[room.RoomID]; ok {
		replaced = st.removeLocked(oldID)
	}

	st.sessions[s.SessionID] = &entry{s: s}
	st.byPin[s.PIN] = s.SessionID
	st.byRoom[room.RoomID] = s.SessionID

	return s, replaced, nil
}

func (st *Store) allocatePinLocked() (string, error) {
	for i := 0; i < st.pinAttempts; i++ {
		pin, err := st.newPin()
		if err != nil {
			return "", fmt.Errorf("generate PIN: %w", err)
		}

		if _, taken := st.byPin[pin]; !taken {
			return pin, nil
		}
	}

	slog.Error("session: PIN space exhausted",
		"attempts", st.pinAttempts,
		"live_sessions", len(st.sessions),
	)
	return "", errors.New(errors.CodeResourceExhausted,
		errors.WithMessagef("could not allocate a unique PIN after %d attempts", st.pinAttempts))
}

func randomPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}

	return strconv.FormatInt(100000+n.Int64(), 10), nil
}

// ResolvePIN maps a PIN to the live session holding it.
func (st *Store) ResolvePIN(pin string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	id, ok := st.byPin[pin]
	if !ok {
		return "", errors.New(errors.CodeNotFound, errors.WithMessagef("no live session with PIN %s", pin))
	}

	return id, nil
}

// Update runs fn with exclusive ownership of the session. Everything that
// mutates a session goes through here, which keeps the duplicate-answer
// check and the state-machine transitions atomic per session.
func (st *Store) Update(sessionID string, fn func(s *domain.Session) error) error {
	e, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session %s not found", sessionID))
	}

	if err := fn(e.s); err != nil {
		return err
	}

	e.s.LastActivity = st.clock.Now()
	return nil
}

// View runs fn with shared read access to the session. fn must not retain
// references past its return.
func (st *Store) View(sessionID string, fn func(s *domain.Session) error) error {
	e, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session %s not found", sessionID))
	}

	return fn(e.s)
}

func (st *Store) lookup(sessionID string) (*entry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.sessions[sessionID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session %s not found", sessionID))
	}

	return e, nil
}

// GetByID returns a point-in-time copy of the session.
func (st *Store) GetByID(sessionID string) (*domain.Session, error) {
	var snap *domain.Session
	err := st.View(sessionID, func(s *domain.Session) error {
		snap = snapshot(s)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// GetByPin returns a point-in-time copy of the session with the given PIN.
func (st *Store) GetByPin(pin string) (*domain.Session, error) {
	id, err := st.ResolvePIN(pin)
	if err != nil {
		return nil, err
	}

	return st.GetByID(id)
}

// Destroy removes the session and everything it owns. Idempotent.
func (st *Store) Destroy(sessionID string) {
	st.mu.Lock()
	e := st.removeEntryLocked(sessionID)
	st.mu.Unlock()

	if e == nil {
		return
	}

	e.mu.Lock()
	e.dead = true
	e.mu.Unlock()
}

func (st *Store) removeLocked(sessionID string) *domain.Session {
	e := st.removeEntryLocked(sessionID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	e.dead = true
	s := e.s
	e.mu.Unlock()
	return s
}

func (st *Store) removeEntryLocked(sessionID string) *entry {
	e, ok := st.sessions[sessionID]
	if !ok {
		return nil
	}

	delete(st.sessions, sessionID)
	delete(st.byPin, e.s.PIN)
	if st.byRoom[e.s.Room.RoomID] == sessionID {
		delete(st.byRoom, e.s.Room.RoomID)
	}

	return e
}

// ExpiredSessions lists the live sessions whose last activity is older
// than maxAge. Used by the janitor.
func (st *Store) ExpiredSessions(maxAge time.Duration) []string {
	cutoff := st.clock.Now().Add(-maxAge)

	st.mu.Lock()
	defer st.mu.Unlock()

	var ids []string
	for id, e := range st.sessions {
		e.mu.Lock()
		idle := !e.dead && e.s.LastActivity.Before(cutoff)
		e.mu.Unlock()

		if idle {
			ids = append(ids, id)
		}
	}

	return ids
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	return len(st.sessions)
}

func snapshot(s *domain.Session) *domain.Session {
	cp := *s
	cp.Members = make([]*domain.Member, len(s.Members))
	for i, m := range s.Members {
		mc := *m
		cp.Members[i] = &mc
	}
	cp.Answers = make(map[domain.AnswerKey]domain.Answer, len(s.Answers))
	for k, a := range s.Answers {
		cp.Answers[k] = a
	}

	// Room snapshots are immutable after creation, sharing is safe.
	return &cp
}
