package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"plexus/pkg/domain"
)

const migrateLockID int64 = 51877311

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &SessionModel{}, &ThreadModel{}, &MessageModel{}, &UploadModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'session_models'
					AND constraint_name = 'session_models_user_id_fkey'
				) THEN
					ALTER TABLE session_models
					ADD CONSTRAINT session_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_thread_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_thread_id_fkey
					FOREIGN KEY (thread_id) REFERENCES thread_models(thread_id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// CreateUser inserts a new user row.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return translate(err)
		}
		for _, sess := range u.Sessions {
			row := sessionToModel(u.ID, sess)
			if err := tx.Create(&row).Error; err != nil {
				return translate(err)
			}
		}
		return nil
	})
}

// SaveUser updates profile and security fields. Sessions are managed separately.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	res := s.db.WithContext(ctx).Model(&UserModel{ID: u.ID}).
		Select("google_id", "phone_number", "email", "email_verified", "phone_verified", "name", "image",
			"auth_method", "last_login", "login_history", "failed_attempts", "locked_until", "updated_at").
		Updates(&model)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save user %s: not found", u.ID)
	}
	return nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *GormStore) GetUserByGoogleID(ctx context.Context, googleID string) (domain.User, bool, error) {
	return s.getUser(ctx, "google_id = ?", googleID)
}

func (s *GormStore) GetUserByPhone(ctx context.Context, phone string) (domain.User, bool, error) {
	return s.getUser(ctx, "phone_number = ?", phone)
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.getUser(ctx, "email = ?", email)
}

// GetUserBySessionToken resolves a user through a non-expired session.
func (s *GormStore) GetUserBySessionToken(ctx context.Context, token string, now time.Time) (domain.User, bool, error) {
	var sess SessionModel
	err := s.db.WithContext(ctx).Where("token = ? AND expires_at > ?", token, now.UTC()).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return s.GetUserByID(ctx, sess.UserID)
}

func (s *GormStore) getUser(ctx context.Context, query string, arg any) (domain.User, bool, error) {
	var model UserModel
	db := s.db.WithContext(ctx)
	if err := db.Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	var sessions []SessionModel
	if err := db.Where("user_id = ?", model.ID).Order("created_at ASC").Find(&sessions).Error; err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model, sessions), true, nil
}

// AppendSession stores a new session row for the user.
func (s *GormStore) AppendSession(ctx context.Context, userID string, sess domain.Session) error {
	row := sessionToModel(userID, sess)
	return translate(s.db.WithContext(ctx).Create(&row).Error)
}

// PruneExpiredSessions deletes sessions with expiry <= now.
func (s *GormStore) PruneExpiredSessions(ctx context.Context, userID string, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("user_id = ? AND expires_at <= ?", userID, now.UTC()).Delete(&SessionModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// DeleteUser removes the user and its sessions. Threads and uploads stay.
func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SessionModel{}, "user_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&UserModel{}, "id = ?", id).Error
	})
}

// threads

func ownerScope(ownerID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if ownerID == "" {
			return db.Where("user_id IS NULL")
		}
		return db.Where("user_id = ?", ownerID)
	}
}

// CreateThread inserts a thread together with its initial messages.
func (s *GormStore) CreateThread(ctx context.Context, t domain.Thread) error {
	model := threadToModel(t)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return translate(err)
		}
		return insertMessages(tx, t.ThreadID, t.Messages)
	})
}

func (s *GormStore) ListThreads(ctx context.Context, ownerID string) ([]domain.Thread, error) {
	var models []ThreadModel
	if err := s.db.WithContext(ctx).Scopes(ownerScope(ownerID)).Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Thread, 0, len(models))
	for _, m := range models {
		res = append(res, threadFromModel(m, nil))
	}
	return res, nil
}

func (s *GormStore) GetThread(ctx context.Context, ownerID, threadID string) (domain.Thread, bool, error) {
	var model ThreadModel
	db := s.db.WithContext(ctx)
	if err := db.Scopes(ownerScope(ownerID)).Where("thread_id = ?", threadID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	var messages []MessageModel
	if err := db.Where("thread_id = ?", threadID).Order("id ASC").Find(&messages).Error; err != nil {
		return domain.Thread{}, false, err
	}
	return threadFromModel(model, messages), true, nil
}

// AppendMessages adds messages and bumps updated_at within the owner partition.
func (s *GormStore) AppendMessages(ctx context.Context, ownerID, threadID string, updatedAt time.Time, msgs ...domain.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ThreadModel{}).Scopes(ownerScope(ownerID)).
			Where("thread_id = ?", threadID).
			Update("updated_at", updatedAt.UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("append messages: thread %s not found", threadID)
		}
		return insertMessages(tx, threadID, msgs)
	})
}

func insertMessages(tx *gorm.DB, threadID string, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([]MessageModel, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, MessageModel{
			ThreadID:  threadID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.Timestamp.UTC(),
		})
	}
	return tx.Create(&rows).Error
}

func (s *GormStore) DeleteThread(ctx context.Context, ownerID, threadID string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Scopes(ownerScope(ownerID)).Where("thread_id = ?", threadID).Delete(&ThreadModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		return tx.Delete(&MessageModel{}, "thread_id = ?", threadID).Error
	})
	return deleted, err
}

// uploads

// SaveUpload inserts or replaces upload metadata.
func (s *GormStore) SaveUpload(ctx context.Context, u domain.Upload) error {
	model := uploadToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"metadata", "extracted_text", "storage_key"}),
	}).Create(&model).Error
	return translate(err)
}

func (s *GormStore) GetUpload(ctx context.Context, id string) (domain.Upload, bool, error) {
	var model UploadModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Upload{}, false, nil
		}
		return domain.Upload{}, false, err
	}
	return uploadFromModel(model), true, nil
}

func (s *GormStore) ListUploadsByIDs(ctx context.Context, ids []string) ([]domain.Upload, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []UploadModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("uploaded_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Upload, 0, len(models))
	for _, m := range models {
		res = append(res, uploadFromModel(m))
	}
	return res, nil
}

func (s *GormStore) ListThreadUploads(ctx context.Context, ownerID, threadID string) ([]domain.Upload, error) {
	var models []UploadModel
	if err := s.db.WithContext(ctx).Scopes(ownerScope(ownerID)).
		Where("thread_id = ?", threadID).
		Order("uploaded_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Upload, 0, len(models))
	for _, m := range models {
		res = append(res, uploadFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteUpload(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&UploadModel{}, "id = ?", id).Error
}

// mapping helpers

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func userToModel(u domain.User) UserModel {
	history, _ := json.Marshal(u.LoginHistory)
	return UserModel{
		ID:             u.ID,
		GoogleID:       optional(u.GoogleID),
		PhoneNumber:    optional(u.PhoneNumber),
		Email:          u.Email,
		EmailVerified:  u.EmailVerified,
		PhoneVerified:  u.PhoneVerified,
		Name:           u.Name,
		Image:          u.Image,
		AuthMethod:     string(u.AuthMethod),
		LastLogin:      u.LastLogin,
		LoginHistory:   history,
		FailedAttempts: u.FailedAttempts,
		LockedUntil:    u.LockedUntil,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func userFromModel(m UserModel, sessions []SessionModel) domain.User {
	var history []domain.LoginEvent
	if len(m.LoginHistory) > 0 {
		_ = json.Unmarshal(m.LoginHistory, &history)
	}
	out := domain.User{
		ID:             m.ID,
		GoogleID:       deref(m.GoogleID),
		PhoneNumber:    deref(m.PhoneNumber),
		Email:          m.Email,
		EmailVerified:  m.EmailVerified,
		PhoneVerified:  m.PhoneVerified,
		Name:           m.Name,
		Image:          m.Image,
		AuthMethod:     domain.AuthMethod(m.AuthMethod),
		LastLogin:      m.LastLogin,
		LoginHistory:   history,
		FailedAttempts: m.FailedAttempts,
		LockedUntil:    m.LockedUntil,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, domain.Session{Token: s.Token, ExpiresAt: s.ExpiresAt, CreatedAt: s.CreatedAt})
	}
	return out
}

func sessionToModel(userID string, s domain.Session) SessionModel {
	return SessionModel{
		Token:     s.Token,
		UserID:    userID,
		ExpiresAt: s.ExpiresAt.UTC(),
		CreatedAt: s.CreatedAt.UTC(),
	}
}

func threadToModel(t domain.Thread) ThreadModel {
	return ThreadModel{
		ThreadID:  t.ThreadID,
		UserID:    optional(t.UserID),
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func threadFromModel(m ThreadModel, messages []MessageModel) domain.Thread {
	out := domain.Thread{
		ThreadID:  m.ThreadID,
		UserID:    deref(m.UserID),
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	for _, msg := range messages {
		out.Messages = append(out.Messages, domain.Message{Role: msg.Role, Content: msg.Content, Timestamp: msg.CreatedAt})
	}
	return out
}

func uploadToModel(u domain.Upload) UploadModel {
	meta, _ := json.Marshal(u.Metadata)
	return UploadModel{
		ID:            u.ID,
		UserID:        optional(u.UserID),
		ThreadID:      u.ThreadID,
		Filename:      u.Filename,
		OriginalName:  u.OriginalName,
		MIMEType:      u.MIMEType,
		Size:          u.Size,
		StorageKey:    u.StorageKey,
		Metadata:      meta,
		ExtractedText: u.ExtractedText,
		UploadedAt:    u.UploadedAt,
	}
}

func uploadFromModel(m UploadModel) domain.Upload {
	var meta domain.FileMetadata
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Upload{
		ID:            m.ID,
		UserID:        deref(m.UserID),
		ThreadID:      m.ThreadID,
		Filename:      m.Filename,
		OriginalName:  m.OriginalName,
		MIMEType:      m.MIMEType,
		Size:          m.Size,
		StorageKey:    m.StorageKey,
		Metadata:      meta,
		ExtractedText: m.ExtractedText,
		UploadedAt:    m.UploadedAt,
	}
}
