package store

import (
	"os"
	"testing"
)

// PLEXUS_TEST_POSTGRES_DSN must point at a throwaway database; every subtest
// truncates the store tables.
func TestGormStore(t *testing.T) {
	dsn := os.Getenv("PLEXUS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PLEXUS_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewGormStore(dsn)
		if err != nil {
			t.Fatalf("open gorm store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		if err := s.db.Exec("TRUNCATE session_models, message_models, user_models, thread_models, upload_models CASCADE").Error; err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
