package domain

import "time"

type AuthMethod string

const (
	AuthMethodGoogle AuthMethod = "google"
	AuthMethodMobile AuthMethod = "mobile"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxLoginHistory bounds the login history kept on a user record.
const MaxLoginHistory = 20

type User struct {
	ID             string       `json:"id"`
	GoogleID       string       `json:"googleId,omitempty"`
	PhoneNumber    string       `json:"phoneNumber,omitempty"`
	Email          string       `json:"email"`
	EmailVerified  bool         `json:"emailVerified"`
	PhoneVerified  bool         `json:"phoneVerified"`
	Name           string       `json:"name"`
	Image          string       `json:"image,omitempty"`
	AuthMethod     AuthMethod   `json:"authMethod"`
	Sessions       []Session    `json:"-"`
	LastLogin      time.Time    `json:"lastLogin"`
	LoginHistory   []LoginEvent `json:"-"`
	FailedAttempts int          `json:"-"`
	LockedUntil    *time.Time   `json:"-"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Locked reports whether the account is inside a lockout window at now.
func (u User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// RecordLogin stamps the login time and appends a bounded history entry.
func (u *User) RecordLogin(ev LoginEvent) {
	u.LastLogin = ev.At
	u.LoginHistory = append(u.LoginHistory, ev)
	if n := len(u.LoginHistory); n > MaxLoginHistory {
		u.LoginHistory = append([]LoginEvent(nil), u.LoginHistory[n-MaxLoginHistory:]...)
	}
}

type Session struct {
	Token     string    `json:"sessionToken"`
	ExpiresAt time.Time `json:"expires"`
	CreatedAt time.Time `json:"createdAt"`
}

type LoginEvent struct {
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent"`
	At        time.Time `json:"timestamp"`
}

type OTPRecord struct {
	Phone      string     `json:"phoneNumber"`
	CodeHash   string     `json:"codeHash"`
	Email      string     `json:"email"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Attempts   int        `json:"attempts"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
	IP         string     `json:"ip"`
	UserAgent  string     `json:"userAgent"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type Thread struct {
	ThreadID  string    `json:"threadId"`
	UserID    string    `json:"userId,omitempty"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Upload struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId,omitempty"`
	ThreadID      string       `json:"threadId"`
	Filename      string       `json:"filename"`
	OriginalName  string       `json:"originalName"`
	MIMEType      string       `json:"mimeType"`
	Size          int64        `json:"size"`
	StorageKey    string       `json:"-"`
	Metadata      FileMetadata `json:"metadata"`
	ExtractedText string       `json:"extractedText,omitempty"`
	UploadedAt    time.Time    `json:"uploadedAt"`
}

// IsImage reports whether the upload can be sent to a vision model.
func (u Upload) IsImage() bool {
	return len(u.MIMEType) > 6 && u.MIMEType[:6] == "image/"
}

// FileMetadata is the result of file processing. Only the fields relevant to
// Kind are populated.
type FileMetadata struct {
	Kind       string     `json:"kind,omitempty"`
	Width      int        `json:"width,omitempty"`
	Height     int        `json:"height,omitempty"`
	Format     string     `json:"format,omitempty"`
	HasAlpha   bool       `json:"hasAlpha,omitempty"`
	Pages      int        `json:"pages,omitempty"`
	Lines      int        `json:"lines,omitempty"`
	Characters int        `json:"characters,omitempty"`
	Rows       int        `json:"rows,omitempty"`
	Columns    int        `json:"columns,omitempty"`
	Headers    []string   `json:"headers,omitempty"`
	Preview    [][]string `json:"preview,omitempty"`
	Error      string     `json:"error,omitempty"`
}
