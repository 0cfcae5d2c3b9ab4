package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"plexus/pkg/domain"
)

// runStoreSuite checks the Store contract. open must return an empty store.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, Store)
	}{
		{"PrunesExpiredSessions", testPrunesExpiredSessions},
		{"RejectsDuplicateIdentity", testRejectsDuplicateIdentity},
		{"SaveUserKeepsSessions", testSaveUserKeepsSessions},
		{"ThreadPartitions", testThreadPartitions},
		{"ListThreadUploadsNewestFirst", testListThreadUploadsNewestFirst},
		{"DeleteUserDropsSessions", testDeleteUserDropsSessions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func testPrunesExpiredSessions(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	user := domain.User{ID: "u1", Email: "a@example.com", Name: "a", AuthMethod: domain.AuthMethodMobile, CreatedAt: base}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	old := domain.Session{Token: "old", CreatedAt: base, ExpiresAt: base.Add(7 * 24 * time.Hour)}
	fresh := domain.Session{Token: "fresh", CreatedAt: base.Add(5 * 24 * time.Hour), ExpiresAt: base.Add(12 * 24 * time.Hour)}
	for _, sess := range []domain.Session{old, fresh} {
		if err := s.AppendSession(ctx, "u1", sess); err != nil {
			t.Fatalf("append session: %v", err)
		}
	}

	now := base.Add(8 * 24 * time.Hour)
	if _, ok, _ := s.GetUserBySessionToken(ctx, "old", now); ok {
		t.Fatalf("expired session must not resolve")
	}
	if _, ok, _ := s.GetUserBySessionToken(ctx, "fresh", now); !ok {
		t.Fatalf("live session should resolve")
	}

	removed, err := s.PruneExpiredSessions(ctx, "u1", now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned session, got %d", removed)
	}
	got, _, _ := s.GetUserByID(ctx, "u1")
	if len(got.Sessions) != 1 || got.Sessions[0].Token != "fresh" {
		t.Fatalf("unexpected sessions after prune: %+v", got.Sessions)
	}
}

func testRejectsDuplicateIdentity(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.CreateUser(ctx, domain.User{ID: "u1", Email: "a@example.com", PhoneNumber: "+14155550100"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	err := s.CreateUser(ctx, domain.User{ID: "u2", Email: "a@example.com"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	err = s.CreateUser(ctx, domain.User{ID: "u3", Email: "b@example.com", PhoneNumber: "+14155550100"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected phone conflict, got %v", err)
	}
	if err := s.CreateUser(ctx, domain.User{ID: "u4", Email: "c@example.com"}); err != nil {
		t.Fatalf("users without phone should not collide: %v", err)
	}
	if err := s.CreateUser(ctx, domain.User{ID: "u5", Email: "d@example.com"}); err != nil {
		t.Fatalf("users without sessions should not collide: %v", err)
	}

	sess := domain.Session{Token: "shared", CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour)}
	if err := s.AppendSession(ctx, "u1", sess); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := s.AppendSession(ctx, "u4", sess); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected session token conflict, got %v", err)
	}
}

func testSaveUserKeepsSessions(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.CreateUser(ctx, domain.User{ID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.AppendSession(ctx, "u1", domain.Session{Token: "t1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	user, _, _ := s.GetUserByID(ctx, "u1")
	user.Name = "renamed"
	user.Sessions = nil
	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatalf("save user: %v", err)
	}
	got, _, _ := s.GetUserByID(ctx, "u1")
	if got.Name != "renamed" || len(got.Sessions) != 1 {
		t.Fatalf("unexpected user after save: %+v", got)
	}
}

func testThreadPartitions(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := s.CreateThread(ctx, domain.Thread{ThreadID: "t-anon", Title: "anon", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create anon thread: %v", err)
	}
	if err := s.CreateThread(ctx, domain.Thread{ThreadID: "t-user", UserID: "u1", Title: "mine", CreatedAt: now, UpdatedAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("create user thread: %v", err)
	}
	if err := s.CreateThread(ctx, domain.Thread{ThreadID: "t-user", UserID: "u2"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected thread id conflict, got %v", err)
	}

	anon, _ := s.ListThreads(ctx, "")
	if len(anon) != 1 || anon[0].ThreadID != "t-anon" {
		t.Fatalf("anonymous partition leaked: %+v", anon)
	}
	if _, ok, _ := s.GetThread(ctx, "", "t-user"); ok {
		t.Fatalf("anonymous caller must not see user thread")
	}
	if _, ok, _ := s.GetThread(ctx, "u1", "t-anon"); ok {
		t.Fatalf("user must not see anonymous thread")
	}
	if deleted, _ := s.DeleteThread(ctx, "u2", "t-user"); deleted {
		t.Fatalf("other user must not delete thread")
	}

	later := now.Add(time.Minute)
	msg := domain.Message{Role: domain.RoleUser, Content: "hi", Timestamp: later}
	if err := s.AppendMessages(ctx, "u1", "t-user", later, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, ok, _ := s.GetThread(ctx, "u1", "t-user")
	if !ok || len(got.Messages) != 1 || !got.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected thread: %+v", got)
	}
	if err := s.AppendMessages(ctx, "", "t-user", later, msg); err == nil {
		t.Fatalf("append across partitions should fail")
	}
}

func testListThreadUploadsNewestFirst(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	uploads := []domain.Upload{
		{ID: "a", UserID: "u1", ThreadID: "t", Filename: "a", UploadedAt: now},
		{ID: "b", UserID: "u1", ThreadID: "t", Filename: "b", UploadedAt: now.Add(time.Minute)},
		{ID: "c", ThreadID: "t", Filename: "c", UploadedAt: now},
	}
	for _, u := range uploads {
		if err := s.SaveUpload(ctx, u); err != nil {
			t.Fatalf("save upload: %v", err)
		}
	}
	got, err := s.ListThreadUploads(ctx, "u1", "t")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("unexpected uploads: %+v", got)
	}
}

func testDeleteUserDropsSessions(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateUser(ctx, domain.User{ID: "u1", Email: "a@example.com", PhoneNumber: "+14155550100"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.AppendSession(ctx, "u1", domain.Session{Token: "t1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, ok, _ := s.GetUserBySessionToken(ctx, "t1", now); ok {
		t.Fatal("session must not resolve after delete")
	}
	if err := s.CreateUser(ctx, domain.User{ID: "u2", Email: "a@example.com", PhoneNumber: "+14155550100"}); err != nil {
		t.Fatalf("email and phone should be free after delete: %v", err)
	}
}
