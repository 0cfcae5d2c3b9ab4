package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"plexus/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and local runs with
// databaseURL memory://.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]domain.User   // key: user ID
	threads map[string]domain.Thread // key: thread ID
	uploads map[string]domain.Upload // key: upload ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]domain.User),
		threads: make(map[string]domain.Thread),
		uploads: make(map[string]domain.Upload),
	}
}

func (m *MemoryStore) Close() error { return nil }

// CreateUser inserts a new user.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return fmt.Errorf("create user %s: %w", u.ID, ErrConflict)
	}
	if err := m.checkUniqueLocked(u); err != nil {
		return err
	}
	m.users[u.ID] = cloneUser(u)
	return nil
}

// SaveUser updates profile fields and keeps the stored session list.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok {
		return fmt.Errorf("save user %s: not found", u.ID)
	}
	if err := m.checkUniqueLocked(u); err != nil {
		return err
	}
	u.Sessions = existing.Sessions
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *MemoryStore) checkUniqueLocked(u domain.User) error {
	for id, other := range m.users {
		if id == u.ID {
			continue
		}
		switch {
		case other.Email == u.Email:
			return fmt.Errorf("email %s: %w", u.Email, ErrConflict)
		case u.GoogleID != "" && other.GoogleID == u.GoogleID:
			return fmt.Errorf("google id: %w", ErrConflict)
		case u.PhoneNumber != "" && other.PhoneNumber == u.PhoneNumber:
			return fmt.Errorf("phone %s: %w", u.PhoneNumber, ErrConflict)
		}
	}
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return cloneUser(u), ok, nil
}

func (m *MemoryStore) GetUserByGoogleID(_ context.Context, googleID string) (domain.User, bool, error) {
	return m.findUser(func(u domain.User) bool { return googleID != "" && u.GoogleID == googleID })
}

func (m *MemoryStore) GetUserByPhone(_ context.Context, phone string) (domain.User, bool, error) {
	return m.findUser(func(u domain.User) bool { return phone != "" && u.PhoneNumber == phone })
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	return m.findUser(func(u domain.User) bool { return email != "" && u.Email == email })
}

func (m *MemoryStore) GetUserBySessionToken(_ context.Context, token string, now time.Time) (domain.User, bool, error) {
	return m.findUser(func(u domain.User) bool {
		for _, s := range u.Sessions {
			if s.Token == token && s.ExpiresAt.After(now) {
				return true
			}
		}
		return false
	})
}

func (m *MemoryStore) findUser(match func(domain.User) bool) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			return cloneUser(u), true, nil
		}
	}
	return domain.User{}, false, nil
}

// AppendSession adds a session to the user's list.
func (m *MemoryStore) AppendSession(_ context.Context, userID string, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("append session: user %s not found", userID)
	}
	for _, other := range m.users {
		for _, existing := range other.Sessions {
			if existing.Token == s.Token {
				return fmt.Errorf("session token: %w", ErrConflict)
			}
		}
	}
	u.Sessions = append(u.Sessions, s)
	m.users[userID] = u
	return nil
}

// PruneExpiredSessions drops sessions whose expiry is not after now.
func (m *MemoryStore) PruneExpiredSessions(_ context.Context, userID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, nil
	}
	kept := activeSessions(u.Sessions, now)
	removed := len(u.Sessions) - len(kept)
	u.Sessions = kept
	m.users[userID] = u
	return removed, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

// threads

func (m *MemoryStore) CreateThread(_ context.Context, t domain.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[t.ThreadID]; exists {
		return fmt.Errorf("thread %s: %w", t.ThreadID, ErrConflict)
	}
	t.Messages = append([]domain.Message(nil), t.Messages...)
	m.threads[t.ThreadID] = t
	return nil
}

func (m *MemoryStore) ListThreads(_ context.Context, ownerID string) ([]domain.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Thread, 0)
	for _, t := range m.threads {
		if t.UserID != ownerID {
			continue
		}
		t.Messages = nil
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}

func (m *MemoryStore) GetThread(_ context.Context, ownerID, threadID string) (domain.Thread, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[threadID]
	if !ok || t.UserID != ownerID {
		return domain.Thread{}, false, nil
	}
	t.Messages = append([]domain.Message(nil), t.Messages...)
	return t, true, nil
}

func (m *MemoryStore) AppendMessages(_ context.Context, ownerID, threadID string, updatedAt time.Time, msgs ...domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.UserID != ownerID {
		return fmt.Errorf("append messages: thread %s not found", threadID)
	}
	t.Messages = append(t.Messages, msgs...)
	t.UpdatedAt = updatedAt
	m.threads[threadID] = t
	return nil
}

func (m *MemoryStore) DeleteThread(_ context.Context, ownerID, threadID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.UserID != ownerID {
		return false, nil
	}
	delete(m.threads, threadID)
	return true, nil
}

// uploads

func (m *MemoryStore) SaveUpload(_ context.Context, u domain.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.uploads {
		if id != u.ID && other.Filename == u.Filename {
			return fmt.Errorf("upload filename: %w", ErrConflict)
		}
	}
	m.uploads[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUpload(_ context.Context, id string) (domain.Upload, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.uploads[id]
	return u, ok, nil
}

func (m *MemoryStore) ListUploadsByIDs(_ context.Context, ids []string) ([]domain.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Upload, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.uploads[id]; ok {
			res = append(res, u)
		}
	}
	return res, nil
}

func (m *MemoryStore) ListThreadUploads(_ context.Context, ownerID, threadID string) ([]domain.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Upload, 0)
	for _, u := range m.uploads {
		if u.ThreadID == threadID && u.UserID == ownerID {
			res = append(res, u)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UploadedAt.After(res[j].UploadedAt) })
	return res, nil
}

func (m *MemoryStore) DeleteUpload(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, id)
	return nil
}

func cloneUser(u domain.User) domain.User {
	u.Sessions = append([]domain.Session(nil), u.Sessions...)
	u.LoginHistory = append([]domain.LoginEvent(nil), u.LoginHistory...)
	return u
}
