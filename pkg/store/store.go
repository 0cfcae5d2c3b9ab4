package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"plexus/pkg/domain"
)

// ErrConflict is returned when a write violates a uniqueness constraint
// (email, Google id, phone number, session token, thread id).
var ErrConflict = errors.New("store: unique constraint violated")

// UserStore persists users and their sessions.
// Lookups return ok=false on miss, never an error.
type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByGoogleID(ctx context.Context, googleID string) (domain.User, bool, error)
	GetUserByPhone(ctx context.Context, phone string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	// GetUserBySessionToken only matches sessions that are still valid at now.
	GetUserBySessionToken(ctx context.Context, token string, now time.Time) (domain.User, bool, error)
	AppendSession(ctx context.Context, userID string, s domain.Session) error
	PruneExpiredSessions(ctx context.Context, userID string, now time.Time) (int, error)
	DeleteUser(ctx context.Context, id string) error
}

// ThreadStore persists chat threads. ownerID "" addresses the anonymous
// partition; the partitions never overlap.
type ThreadStore interface {
	CreateThread(ctx context.Context, t domain.Thread) error
	ListThreads(ctx context.Context, ownerID string) ([]domain.Thread, error)
	GetThread(ctx context.Context, ownerID, threadID string) (domain.Thread, bool, error)
	AppendMessages(ctx context.Context, ownerID, threadID string, updatedAt time.Time, msgs ...domain.Message) error
	DeleteThread(ctx context.Context, ownerID, threadID string) (bool, error)
}

// UploadStore persists upload metadata and extracted text. File content
// lives in object storage under Upload.StorageKey.
type UploadStore interface {
	SaveUpload(ctx context.Context, u domain.Upload) error
	GetUpload(ctx context.Context, id string) (domain.Upload, bool, error)
	ListUploadsByIDs(ctx context.Context, ids []string) ([]domain.Upload, error)
	ListThreadUploads(ctx context.Context, ownerID, threadID string) ([]domain.Upload, error)
	DeleteUpload(ctx context.Context, id string) error
}

// Store is the full persistence surface used by the API.
type Store interface {
	UserStore
	ThreadStore
	UploadStore
	Close() error
}

// Open selects a backend from the URL scheme: postgres://, mongodb:// or memory://.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return nil, errors.New("database URL required")
	case strings.HasPrefix(url, "memory://"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "mongodb://"), strings.HasPrefix(url, "mongodb+srv://"):
		return NewMongoStore(ctx, url)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"), strings.Contains(url, "host="):
		return NewGormStore(url)
	default:
		return nil, fmt.Errorf("unsupported database URL scheme: %q", url)
	}
}

func activeSessions(sessions []domain.Session, now time.Time) []domain.Session {
	out := make([]domain.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	return out
}
