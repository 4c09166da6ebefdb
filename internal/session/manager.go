package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("invalid session id")
)

type Session struct {
	ID             string    `json:"session_id"`
	WorkDir        string    `json:"work_dir"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	inflight int
}

// Manager owns the mapping from session id to a private working directory
// under root. It is the only component that creates or removes those
// directories.
type Manager struct {
	mu                sync.RWMutex
	root              string
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session, error)
}

func NewManager(root string, inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		root:              filepath.Clean(root),
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook registers a callback invoked for every session ended by the
// janitor, together with the directory removal error, if any.
func (m *Manager) SetExpireHook(hook func(*Session, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Root() string { return m.root }

// PathFor derives the working directory of a session id without touching the
// filesystem.
func (m *Manager) PathFor(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(m.root, id), nil
}

// Create starts a session with a fresh random id.
func (m *Manager) Create() (*Session, error) {
	return m.Start(uuid.NewString())
}

// Start registers id and creates its working directory. Calling Start for a
// live session refreshes its activity time and recreates the directory if it
// went missing.
func (m *Manager) Start(id string) (*Session, error) {
	dir, err := m.PathFor(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{
			ID:        id,
			WorkDir:   dir,
			Status:    StatusActive,
			StartedAt: now,
		}
		m.sessions[id] = s
	}
	s.LastActivityAt = now
	return clone(s), nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Dir returns the working directory of a live session and marks it active.
// A session whose directory has disappeared is reported as not found.
func (m *Manager) Dir(id string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.LastActivityAt = time.Now().UTC()
	}
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	info, err := os.Stat(s.WorkDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: working directory missing", ErrNotFound)
	}
	return s.WorkDir, nil
}

// Acquire is Dir for the length of a call. The janitor never expires a
// session with calls in flight, and release counts as activity.
func (m *Manager) Acquire(id string) (dir string, release func(), err error) {
	dir, err = m.Dir(id)
	if err != nil {
		return "", nil, err
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.inflight++
	}
	m.mu.Unlock()
	if !ok {
		return "", nil, ErrNotFound
	}

	var once sync.Once
	return dir, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			s.inflight--
			s.LastActivityAt = time.Now().UTC()
		})
	}, nil
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End unregisters the session and recursively removes its working directory.
// The session is unregistered even when removal fails; the removal error is
// returned so the caller can log it.
func (m *Manager) End(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
	return s, removeTree(s.WorkDir)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var idle []string

	m.mu.RLock()
	for id, s := range m.sessions {
		if s.inflight == 0 && now.Sub(s.LastActivityAt) >= m.inactivityTimeout {
			idle = append(idle, id)
		}
	}
	hook := m.onExpire
	m.mu.RUnlock()

	for _, id := range idle {
		s, err := m.End(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if hook != nil {
			hook(s, err)
		}
	}
}

// removeTree deletes dir and everything below it. A concurrent writer can
// drop a file into the tree between the walk and the final rmdir, so a few
// passes are made before giving up.
func removeTree(dir string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.RemoveAll(dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("remove session dir %s: %w", dir, err)
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return ErrInvalidID
	}
	if len(id) > 128 {
		return ErrInvalidID
	}
	return nil
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
