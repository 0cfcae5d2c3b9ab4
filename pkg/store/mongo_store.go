package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"plexus/pkg/domain"
)

const defaultMongoDatabase = "plexus"

// MongoStore implements Store on MongoDB. Sessions and messages are embedded
// in their parent documents.
type MongoStore struct {
	client  *mongo.Client
	users   *mongo.Collection
	threads *mongo.Collection
	uploads *mongo.Collection
}

// NewMongoStore connects, pings and ensures indexes. The database is taken
// from the URI path, "plexus" when absent.
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	return newMongoStore(ctx, uri, mongoDatabase(uri))
}

// mongoDatabase extracts the database name from a mongodb:// URI.
func mongoDatabase(uri string) string {
	_, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return defaultMongoDatabase
	}
	_, path, ok := strings.Cut(rest, "/")
	if !ok {
		return defaultMongoDatabase
	}
	path, _, _ = strings.Cut(path, "?")
	if path = strings.TrimSpace(path); path == "" {
		return defaultMongoDatabase
	}
	return path
}

func newMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	s := &MongoStore{
		client:  client,
		users:   db.Collection("users"),
		threads: db.Collection("threads"),
		uploads: db.Collection("uploads"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// userIndexes enforces uniqueness of email, Google id, phone and session
// token. Users without sessions are left out of the session token index.
func userIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "googleId", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "phoneNumber", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{
			Keys: bson.D{{Key: "sessions.sessionToken", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"sessions.sessionToken": bson.M{"$exists": true}}),
		},
	}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.users: userIndexes(),
		s.threads: {
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "updatedAt", Value: -1}}},
		},
		s.uploads: {
			{Keys: bson.D{{Key: "filename", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "threadId", Value: 1}, {Key: "userId", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func mongoErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type userDoc struct {
	ID             string       `bson:"_id"`
	GoogleID       string       `bson:"googleId,omitempty"`
	PhoneNumber    string       `bson:"phoneNumber,omitempty"`
	Email          string       `bson:"email"`
	EmailVerified  bool         `bson:"emailVerified"`
	PhoneVerified  bool         `bson:"phoneVerified"`
	Name           string       `bson:"name"`
	Image          string       `bson:"image,omitempty"`
	AuthMethod     string       `bson:"authMethod"`
	Sessions       []sessionDoc `bson:"sessions"`
	LastLogin      time.Time    `bson:"lastLogin"`
	LoginHistory   []loginDoc   `bson:"loginHistory"`
	FailedAttempts int          `bson:"failedAttempts"`
	LockedUntil    *time.Time   `bson:"lockedUntil,omitempty"`
	CreatedAt      time.Time    `bson:"createdAt"`
	UpdatedAt      time.Time    `bson:"updatedAt"`
}

type sessionDoc struct {
	Token     string    `bson:"sessionToken"`
	ExpiresAt time.Time `bson:"expires"`
	CreatedAt time.Time `bson:"createdAt"`
}

type loginDoc struct {
	IP        string    `bson:"ip"`
	UserAgent string    `bson:"userAgent"`
	At        time.Time `bson:"timestamp"`
}

func (s *MongoStore) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.users.InsertOne(ctx, userToDoc(u))
	return mongoErr(err)
}

// SaveUser rewrites every field except sessions. Optional identifiers are
// unset rather than stored empty so the sparse unique indexes stay valid.
func (s *MongoStore) SaveUser(ctx context.Context, u domain.User) error {
	doc := userToDoc(u)
	set := bson.M{
		"email":          doc.Email,
		"emailVerified":  doc.EmailVerified,
		"phoneVerified":  doc.PhoneVerified,
		"name":           doc.Name,
		"image":          doc.Image,
		"authMethod":     doc.AuthMethod,
		"lastLogin":      doc.LastLogin,
		"loginHistory":   doc.LoginHistory,
		"failedAttempts": doc.FailedAttempts,
		"updatedAt":      doc.UpdatedAt,
	}
	unset := bson.M{}
	optionalField := func(key, value string) {
		if value == "" {
			unset[key] = ""
			return
		}
		set[key] = value
	}
	optionalField("googleId", doc.GoogleID)
	optionalField("phoneNumber", doc.PhoneNumber)
	if doc.LockedUntil != nil {
		set["lockedUntil"] = *doc.LockedUntil
	} else {
		unset["lockedUntil"] = ""
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": u.ID}, update)
	if err != nil {
		return mongoErr(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("save user %s: not found", u.ID)
	}
	return nil
}

func (s *MongoStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetUserByGoogleID(ctx context.Context, googleID string) (domain.User, bool, error) {
	return s.findUser(ctx, bson.M{"googleId": googleID})
}

func (s *MongoStore) GetUserByPhone(ctx context.Context, phone string) (domain.User, bool, error) {
	return s.findUser(ctx, bson.M{"phoneNumber": phone})
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

func (s *MongoStore) GetUserBySessionToken(ctx context.Context, token string, now time.Time) (domain.User, bool, error) {
	return s.findUser(ctx, bson.M{"sessions": bson.M{"$elemMatch": bson.M{
		"sessionToken": token,
		"expires":      bson.M{"$gt": now.UTC()},
	}}})
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M) (domain.User, bool, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromDoc(doc), true, nil
}

func (s *MongoStore) AppendSession(ctx context.Context, userID string, sess domain.Session) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$push": bson.M{"sessions": sessionDoc{Token: sess.Token, ExpiresAt: sess.ExpiresAt.UTC(), CreatedAt: sess.CreatedAt.UTC()}},
	})
	if err != nil {
		return mongoErr(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("append session: user %s not found", userID)
	}
	return nil
}

func (s *MongoStore) PruneExpiredSessions(ctx context.Context, userID string, now time.Time) (int, error) {
	user, ok, err := s.GetUserByID(ctx, userID)
	if err != nil || !ok {
		return 0, err
	}
	expired := len(user.Sessions) - len(activeSessions(user.Sessions, now))
	if expired == 0 {
		return 0, nil
	}
	_, err = s.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$pull": bson.M{"sessions": bson.M{"expires": bson.M{"$lte": now.UTC()}}},
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (s *MongoStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.users.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// threads

type threadDoc struct {
	ThreadID  string       `bson:"_id"`
	UserID    string       `bson:"userId,omitempty"`
	Title     string       `bson:"title"`
	Messages  []messageDoc `bson:"messages"`
	CreatedAt time.Time    `bson:"createdAt"`
	UpdatedAt time.Time    `bson:"updatedAt"`
}

type messageDoc struct {
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	Timestamp time.Time `bson:"timestamp"`
}

func ownerFilter(ownerID string) bson.M {
	if ownerID == "" {
		return bson.M{"userId": bson.M{"$exists": false}}
	}
	return bson.M{"userId": ownerID}
}

func (s *MongoStore) CreateThread(ctx context.Context, t domain.Thread) error {
	doc := threadDoc{
		ThreadID:  t.ThreadID,
		UserID:    t.UserID,
		Title:     t.Title,
		Messages:  messagesToDocs(t.Messages),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	_, err := s.threads.InsertOne(ctx, doc)
	return mongoErr(err)
}

func (s *MongoStore) ListThreads(ctx context.Context, ownerID string) ([]domain.Thread, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetProjection(bson.M{"messages": 0})
	cur, err := s.threads.Find(ctx, ownerFilter(ownerID), opts)
	if err != nil {
		return nil, err
	}
	var docs []threadDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]domain.Thread, 0, len(docs))
	for _, d := range docs {
		res = append(res, threadFromDoc(d))
	}
	return res, nil
}

func (s *MongoStore) GetThread(ctx context.Context, ownerID, threadID string) (domain.Thread, bool, error) {
	filter := ownerFilter(ownerID)
	filter["_id"] = threadID
	var doc threadDoc
	if err := s.threads.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return threadFromDoc(doc), true, nil
}

func (s *MongoStore) AppendMessages(ctx context.Context, ownerID, threadID string, updatedAt time.Time, msgs ...domain.Message) error {
	filter := ownerFilter(ownerID)
	filter["_id"] = threadID
	res, err := s.threads.UpdateOne(ctx, filter, bson.M{
		"$push": bson.M{"messages": bson.M{"$each": messagesToDocs(msgs)}},
		"$set":  bson.M{"updatedAt": updatedAt.UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("append messages: thread %s not found", threadID)
	}
	return nil
}

func (s *MongoStore) DeleteThread(ctx context.Context, ownerID, threadID string) (bool, error) {
	filter := ownerFilter(ownerID)
	filter["_id"] = threadID
	res, err := s.threads.DeleteOne(ctx, filter)
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// uploads

type uploadDoc struct {
	ID            string              `bson:"_id"`
	UserID        string              `bson:"userId,omitempty"`
	ThreadID      string              `bson:"threadId"`
	Filename      string              `bson:"filename"`
	OriginalName  string              `bson:"originalName"`
	MIMEType      string              `bson:"mimeType"`
	Size          int64               `bson:"size"`
	StorageKey    string              `bson:"storageKey"`
	Metadata      domain.FileMetadata `bson:"metadata"`
	ExtractedText string              `bson:"extractedText"`
	UploadedAt    time.Time           `bson:"uploadedAt"`
}

func (s *MongoStore) SaveUpload(ctx context.Context, u domain.Upload) error {
	doc := uploadDoc(u)
	_, err := s.uploads.ReplaceOne(ctx, bson.M{"_id": u.ID}, doc, options.Replace().SetUpsert(true))
	return mongoErr(err)
}

func (s *MongoStore) GetUpload(ctx context.Context, id string) (domain.Upload, bool, error) {
	var doc uploadDoc
	if err := s.uploads.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Upload{}, false, nil
		}
		return domain.Upload{}, false, err
	}
	return domain.Upload(doc), true, nil
}

func (s *MongoStore) ListUploadsByIDs(ctx context.Context, ids []string) ([]domain.Upload, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.listUploads(ctx, bson.M{"_id": bson.M{"$in": ids}}, 1)
}

func (s *MongoStore) ListThreadUploads(ctx context.Context, ownerID, threadID string) ([]domain.Upload, error) {
	filter := ownerFilter(ownerID)
	filter["threadId"] = threadID
	return s.listUploads(ctx, filter, -1)
}

func (s *MongoStore) listUploads(ctx context.Context, filter bson.M, order int) ([]domain.Upload, error) {
	cur, err := s.uploads.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "uploadedAt", Value: order}}))
	if err != nil {
		return nil, err
	}
	var docs []uploadDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]domain.Upload, 0, len(docs))
	for _, d := range docs {
		res = append(res, domain.Upload(d))
	}
	return res, nil
}

func (s *MongoStore) DeleteUpload(ctx context.Context, id string) error {
	_, err := s.uploads.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func userToDoc(u domain.User) userDoc {
	doc := userDoc{
		ID:             u.ID,
		GoogleID:       u.GoogleID,
		PhoneNumber:    u.PhoneNumber,
		Email:          u.Email,
		EmailVerified:  u.EmailVerified,
		PhoneVerified:  u.PhoneVerified,
		Name:           u.Name,
		Image:          u.Image,
		AuthMethod:     string(u.AuthMethod),
		Sessions:       []sessionDoc{},
		LastLogin:      u.LastLogin,
		LoginHistory:   []loginDoc{},
		FailedAttempts: u.FailedAttempts,
		LockedUntil:    u.LockedUntil,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
	for _, s := range u.Sessions {
		doc.Sessions = append(doc.Sessions, sessionDoc{Token: s.Token, ExpiresAt: s.ExpiresAt, CreatedAt: s.CreatedAt})
	}
	for _, ev := range u.LoginHistory {
		doc.LoginHistory = append(doc.LoginHistory, loginDoc(ev))
	}
	return doc
}

func userFromDoc(d userDoc) domain.User {
	u := domain.User{
		ID:             d.ID,
		GoogleID:       d.GoogleID,
		PhoneNumber:    d.PhoneNumber,
		Email:          d.Email,
		EmailVerified:  d.EmailVerified,
		PhoneVerified:  d.PhoneVerified,
		Name:           d.Name,
		Image:          d.Image,
		AuthMethod:     domain.AuthMethod(d.AuthMethod),
		LastLogin:      d.LastLogin,
		FailedAttempts: d.FailedAttempts,
		LockedUntil:    d.LockedUntil,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	for _, s := range d.Sessions {
		u.Sessions = append(u.Sessions, domain.Session{Token: s.Token, ExpiresAt: s.ExpiresAt, CreatedAt: s.CreatedAt})
	}
	for _, ev := range d.LoginHistory {
		u.LoginHistory = append(u.LoginHistory, domain.LoginEvent(ev))
	}
	return u
}

func messagesToDocs(msgs []domain.Message) []messageDoc {
	out := make([]messageDoc, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageDoc(m))
	}
	return out
}

func threadFromDoc(d threadDoc) domain.Thread {
	t := domain.Thread{
		ThreadID:  d.ThreadID,
		UserID:    d.UserID,
		Title:     d.Title,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, m := range d.Messages {
		t.Messages = append(t.Messages, domain.Message(m))
	}
	return t
}
