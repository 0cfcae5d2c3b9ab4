package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"plexus/internal/security"
	"plexus/pkg/ai"
	"plexus/pkg/mail"
	"plexus/pkg/otp"
	"plexus/pkg/storage"
	"plexus/pkg/store"
	"plexus/pkg/token"
	"plexus/services/api/internal/app"
	"plexus/services/api/internal/oauth"
)

const testFrontend = "http://frontend.test"

type stubGenerator struct{}

func (stubGenerator) Chat(_ context.Context, req ai.ChatRequest) (string, error) {
	return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
}

type stubGoogle struct{}

func (stubGoogle) AuthURL(context.Context) (string, error) {
	return "https://accounts.example.com/o/oauth2/auth?state=s1", nil
}

func (stubGoogle) Exchange(_ context.Context, state, _ string) (oauth.Profile, error) {
	if state != "s1" {
		return oauth.Profile{}, oauth.ErrInvalidState
	}
	return oauth.Profile{ID: "g-1", Email: "g@example.com", VerifiedEmail: true, Name: "Gee"}, nil
}

type testServer struct {
	*httptest.Server
	redis *miniredis.Miniredis
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger, err := otp.NewLedger(client, otp.Options{KeyPrefix: "test"})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	priv, pub := writeRSAKeyPair(t)
	issuer, err := token.NewBearerIssuerFromPEM(priv, pub, "k1", nil, token.Options{})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	a, err := app.New(app.Config{
		Store:         store.NewMemoryStore(),
		Ledger:        ledger,
		Tokens:        issuer,
		Google:        stubGoogle{},
		Objects:       storage.NewMemoryStore(),
		Generator:     stubGenerator{},
		Mail:          mail.LogSender{},
		DefaultRegion: "US",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{
		App:         a,
		Redis:       client,
		KeyPrefix:   "test",
		Alerter:     security.NewAuditAlerter(client, "test"),
		FrontendURL: testFrontend + "/",
		AuthRate:    RateRule{Limit: 100, Window: time.Minute},
		APIRate:     RateRule{Limit: 100, Window: time.Minute},
		UploadRate:  RateRule{Limit: 100, Window: time.Minute},
		StrictRate:  RateRule{Limit: 100, Window: time.Minute},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, redis: mr}
}

func writeRSAKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return ts.send(t, req, bearer)
}

func (ts *testServer) send(t *testing.T, req *http.Request, bearer string) (*http.Response, map[string]any) {
	t.Helper()
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

// login runs the OTP flow and returns the bearer and session tokens.
func (ts *testServer) login(t *testing.T, phone, email string) (string, string) {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/auth/send-otp", "", map[string]string{
		"phoneNumber": phone,
		"email":       email,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send-otp status = %d body=%v", resp.StatusCode, body)
	}
	code, _ := body["otp"].(string)
	if len(code) != 6 {
		t.Fatalf("expected otp in non-production response, got %v", body)
	}
	resp, body = ts.do(t, http.MethodPost, "/api/auth/verify-otp", "", map[string]string{
		"phoneNumber": phone,
		"otp":         code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify-otp status = %d body=%v", resp.StatusCode, body)
	}
	bearer, _ := body["token"].(string)
	session, _ := body["sessionToken"].(string)
	if bearer == "" || session == "" {
		t.Fatalf("expected token and sessionToken, got %v", body)
	}
	return bearer, session
}

func TestNewRequiresRedis(t *testing.T) {
	if _, err := New(Config{App: &app.App{}}); err == nil {
		t.Fatal("expected error without redis")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
}

func TestOTPLoginSetsCookiesAndAuthenticates(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/api/auth/send-otp", "", map[string]string{
		"phoneNumber": "+15551234567",
		"email":       "alice@example.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send-otp status = %d body=%v", resp.StatusCode, body)
	}
	if body["email"] != "a***e@example.com" {
		t.Fatalf("masked email = %v", body["email"])
	}
	if body["expiresIn"] != float64(600) || body["canResendAfter"] != float64(60) {
		t.Fatalf("unexpected timings: %v", body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/auth/verify-otp", "", map[string]string{
		"phoneNumber": "+15551234567",
		"otp":         body["otp"].(string),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify-otp status = %d body=%v", resp.StatusCode, body)
	}
	var tokenCookieSeen *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == tokenCookie {
			tokenCookieSeen = c
		}
	}
	if tokenCookieSeen == nil || !tokenCookieSeen.HttpOnly || tokenCookieSeen.Value == "" {
		t.Fatalf("expected HttpOnly token cookie, got %+v", tokenCookieSeen)
	}
	user := body["user"].(map[string]any)
	if user["phoneNumber"] != "+15551234567" || user["email"] != "alice@example.com" {
		t.Fatalf("unexpected user: %v", user)
	}

	bearer := body["token"].(string)
	resp, body = ts.do(t, http.MethodGet, "/api/auth/user", bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("user status = %d body=%v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/auth/status", bearer, nil)
	if resp.StatusCode != http.StatusOK || body["authenticated"] != true {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/auth/status", "", nil)
	if resp.StatusCode != http.StatusOK || body["authenticated"] != false {
		t.Fatalf("anonymous status = %d %v", resp.StatusCode, body)
	}
}

func TestAuthErrorsCarryCodes(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/api/auth/send-otp", "", map[string]string{"phoneNumber": "12"})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INVALID_PHONE" {
		t.Fatalf("invalid phone = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodPost, "/api/auth/send-otp", "", map[string]string{"phoneNumber": "+15551234567"})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "EMAIL_REQUIRED" {
		t.Fatalf("missing email = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodPost, "/api/auth/verify-otp", "", map[string]string{
		"phoneNumber": "+15551234567",
		"otp":         "12ab",
	})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "VALIDATION_ERROR" || body["field"] != "otp" {
		t.Fatalf("malformed otp = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodPost, "/api/auth/verify-otp", "", map[string]string{
		"phoneNumber": "+15559876543",
		"otp":         "123456",
	})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "OTP_NOT_FOUND" {
		t.Fatalf("no record = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/auth/user", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "INVALID_TOKEN" {
		t.Fatalf("bad token = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/auth/user", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("no token = %d %v", resp.StatusCode, body)
	}
}

func TestWrongCodeReportsAttemptsRemaining(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodPost, "/api/auth/send-otp", "", map[string]string{
		"phoneNumber": "+15551234567",
		"email":       "alice@example.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send-otp status = %d", resp.StatusCode)
	}
	wrong := "000000"
	if body["otp"] == wrong {
		wrong = "111111"
	}
	resp, body = ts.do(t, http.MethodPost, "/api/auth/verify-otp", "", map[string]string{
		"phoneNumber": "+15551234567",
		"otp":         wrong,
	})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INVALID_OTP" || body["attemptsRemaining"] != float64(2) {
		t.Fatalf("wrong code = %d %v", resp.StatusCode, body)
	}
}

func TestAuthRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.AuthRate = RateRule{Limit: 2, Window: time.Minute}
	})
	req := map[string]string{"phoneNumber": "+15551234567", "email": "alice@example.com"}
	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/auth/send-otp", "", req)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, resp.StatusCode)
		}
	}
	resp, body := ts.do(t, http.MethodPost, "/api/auth/send-otp", "", req)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if ra, _ := body["retryAfter"].(float64); ra < 1 {
		t.Fatalf("expected retryAfter in body, got %v", body)
	}
}

func TestFreshCodeVerifiesAfterExhaustion(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.AuthRate = RateRule{Limit: 5, Window: 15 * time.Minute}
	})
	const phone = "+15551234567"
	send := func(path string) string {
		t.Helper()
		resp, body := ts.do(t, http.MethodPost, path, "", map[string]string{
			"phoneNumber": phone,
			"email":       "alice@example.com",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s = %d %v", path, resp.StatusCode, body)
		}
		code, _ := body["otp"].(string)
		return code
	}

	code := send("/api/auth/send-otp")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i, want := range []string{"INVALID_OTP", "INVALID_OTP", "OTP_EXHAUSTED"} {
		resp, body := ts.do(t, http.MethodPost, "/api/auth/verify-otp", "", map[string]string{"phoneNumber": phone, "otp": wrong})
		if resp.StatusCode != http.StatusBadRequest || body["code"] != want {
			t.Fatalf("attempt %d = %d %v, want %s", i+1, resp.StatusCode, body, want)
		}
	}

	fresh := send("/api/auth/resend-otp")
	resp, body := ts.do(t, http.MethodPost, "/api/auth/verify-otp", "", map[string]string{"phoneNumber": phone, "otp": fresh})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("verify fresh code = %d %v", resp.StatusCode, body)
	}
}

func TestAppErrorRetryAfterHeader(t *testing.T) {
	s := &Server{}
	r := httptest.NewRequest(http.MethodPost, "/api/auth/verify-otp", nil)

	w := httptest.NewRecorder()
	s.writeAppError(w, r, &app.Error{
		Status:     http.StatusTooManyRequests,
		Code:       app.ErrAccountLocked.Code,
		Message:    app.ErrAccountLocked.Message,
		Details:    map[string]any{"retryAfter": 91},
		RetryAfter: 90*time.Second + 200*time.Millisecond,
	})
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "91" {
		t.Fatalf("locked = %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}
	if !strings.Contains(w.Body.String(), `"retryAfter":91`) {
		t.Fatalf("body = %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	s.writeAppError(w, r, app.ErrInvalidOTP)
	if w.Header().Get("Retry-After") != "" {
		t.Fatalf("unexpected Retry-After on %d", w.Code)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	ts := newTestServer(t, nil)
	bearer, session := ts.login(t, "+15551234567", "alice@example.com")

	resp, body := ts.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"sessionToken": session})
	if resp.StatusCode != http.StatusOK || body["token"] == "" {
		t.Fatalf("refresh = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"sessionToken": "bogus"})
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "INVALID_SESSION" {
		t.Fatalf("bogus refresh = %d %v", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/auth/logout", bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	cleared := false
	for _, c := range resp.Cookies() {
		if c.Name == tokenCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("expected token cookie to be cleared")
	}
}

func TestDeleteAccount(t *testing.T) {
	ts := newTestServer(t, nil)
	bearer, _ := ts.login(t, "+15551234567", "alice@example.com")

	resp, _ := ts.do(t, http.MethodDelete, "/api/auth/account", bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, body := ts.do(t, http.MethodGet, "/api/auth/user", bearer, nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "USER_NOT_FOUND" {
		t.Fatalf("after delete = %d %v", resp.StatusCode, body)
	}
}

func TestGoogleRedirects(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.do(t, http.MethodGet, "/api/auth/google", "", nil)
	if resp.StatusCode != http.StatusFound || !strings.HasPrefix(resp.Header.Get("Location"), "https://accounts.example.com/") {
		t.Fatalf("google start = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/auth/google/callback?state=s1&code=c", "", nil)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != testFrontend+"?auth=success" {
		t.Fatalf("callback = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/auth/google/callback?state=nope&code=c", "", nil)
	if got := resp.Header.Get("Location"); got != testFrontend+"/login?error=invalid_state" {
		t.Fatalf("bad state location = %q", got)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/auth/google/callback?error=access_denied", "", nil)
	if got := resp.Header.Get("Location"); got != testFrontend+"/login?error=access_denied" {
		t.Fatalf("denied location = %q", got)
	}
}

func TestJWKS(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/api/auth/jwks", "/.well-known/jwks.json"} {
		resp, body := ts.do(t, http.MethodGet, path, "", nil)
		keys, _ := body["keys"].([]any)
		if resp.StatusCode != http.StatusOK || len(keys) != 1 {
			t.Fatalf("%s = %d %v", path, resp.StatusCode, body)
		}
	}
}

func TestThreadsArePartitionedByCaller(t *testing.T) {
	ts := newTestServer(t, nil)
	bearer, _ := ts.login(t, "+15551234567", "alice@example.com")

	resp, body := ts.do(t, http.MethodPost, "/api/thread", "", map[string]string{"threadId": "anon-1", "title": "Guest"})
	if resp.StatusCode != http.StatusCreated || body["threadId"] != "anon-1" {
		t.Fatalf("create anonymous thread = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodPost, "/api/chat", bearer, map[string]any{"threadId": "mine-1", "message": "hi"})
	if resp.StatusCode != http.StatusOK || body["reply"] != "echo: hi" || body["threadId"] != "mine-1" {
		t.Fatalf("chat = %d %v", resp.StatusCode, body)
	}

	threads := listThreads(t, ts, bearer)
	if len(threads) != 1 || threads[0]["threadId"] != "mine-1" {
		t.Fatalf("user threads = %v", threads)
	}
	threads = listThreads(t, ts, "")
	if len(threads) != 1 || threads[0]["threadId"] != "anon-1" {
		t.Fatalf("anonymous threads = %v", threads)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/thread/anon-1", bearer, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-partition read = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodDelete, "/api/thread/mine-1", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-partition delete = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPost, "/api/thread", bearer, map[string]string{"threadId": "anon-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate thread id = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodDelete, "/api/thread/mine-1", bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete own thread = %d", resp.StatusCode)
	}
}

func listThreads(t *testing.T, ts *testServer, bearer string) []map[string]any {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/thread", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	defer resp.Body.Close()
	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode threads: %v", err)
	}
	return out
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodPost, "/api/chat", "", map[string]string{"threadId": "t1"})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("missing message = %d %v", resp.StatusCode, body)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/chat", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/chat = %d", resp.StatusCode)
	}
}

type testFile struct {
	name        string
	contentType string
	data        []byte
}

func (ts *testServer) upload(t *testing.T, bearer, threadID string, files ...testFile) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if threadID != "" {
		_ = mw.WriteField("threadId", threadID)
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, f.name))
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(f.data)
	}
	_ = mw.Close()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/upload", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return ts.send(t, req, bearer)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	ts := newTestServer(t, nil)
	big := bytes.Repeat([]byte("a"), 12<<20)
	resp, body := ts.upload(t, "", "t1", testFile{name: "big.txt", contentType: "text/plain", data: big})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "FILE_TOO_LARGE" || body["message"] != "File too large" {
		t.Fatalf("oversized upload = %d %v", resp.StatusCode, body)
	}
}

func TestUploadRejectsTypeMismatch(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.upload(t, "", "t1", testFile{name: "notes.txt", contentType: "image/png", data: []byte("hello")})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "TYPE_MISMATCH" {
		t.Fatalf("mismatched upload = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.upload(t, "", "t1", testFile{name: "run.exe", contentType: "application/x-msdownload", data: []byte("MZ")})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "UNSUPPORTED_TYPE" {
		t.Fatalf("unsupported upload = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.upload(t, "", "")
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "THREAD_ID_REQUIRED" {
		t.Fatalf("missing thread = %d %v", resp.StatusCode, body)
	}
}

func TestUploadLifecycleAndOwnership(t *testing.T) {
	ts := newTestServer(t, nil)
	owner, _ := ts.login(t, "+15551234567", "alice@example.com")
	other, _ := ts.login(t, "+15557654321", "bob@example.com")

	resp, body := ts.upload(t, owner, "t1", testFile{name: "notes.txt", contentType: "text/plain", data: []byte("line one\nline two\n")})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload = %d %v", resp.StatusCode, body)
	}
	files := body["files"].([]any)
	id := files[0].(map[string]any)["id"].(string)

	resp, body = ts.do(t, http.MethodGet, "/api/upload/"+id, owner, nil)
	if resp.StatusCode != http.StatusOK || body["extractedText"] != "line one\nline two\n" {
		t.Fatalf("owner get = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/upload/"+id, other, nil)
	if resp.StatusCode != http.StatusForbidden || body["code"] != "ACCESS_DENIED" {
		t.Fatalf("other get = %d %v", resp.StatusCode, body)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/upload/"+id, "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("anonymous get = %d", resp.StatusCode)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/upload/not-an-id", owner, nil)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INVALID_FILE_ID" {
		t.Fatalf("invalid id = %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/upload/"+id+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+owner)
	dl, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	content, _ := io.ReadAll(dl.Body)
	_ = dl.Body.Close()
	if dl.StatusCode != http.StatusOK || string(content) != "line one\nline two\n" {
		t.Fatalf("download = %d %q", dl.StatusCode, content)
	}
	if !strings.Contains(dl.Header.Get("Content-Disposition"), "notes.txt") {
		t.Fatalf("content disposition = %q", dl.Header.Get("Content-Disposition"))
	}

	resp, body = ts.do(t, http.MethodGet, "/api/upload/"+id+"/test-extraction", owner, nil)
	if resp.StatusCode != http.StatusOK || body["hasText"] != true {
		t.Fatalf("test extraction = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/upload/"+id+"/base64", owner, nil)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "NOT_IMAGE" {
		t.Fatalf("base64 of text = %d %v", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/upload/thread/t1", owner, nil)
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("thread uploads = %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/upload/thread/t1", other, nil)
	if resp.StatusCode != http.StatusOK || body["count"] != float64(0) {
		t.Fatalf("other thread uploads = %d %v", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/upload/"+id, other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other delete = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodDelete, "/api/upload/"+id, owner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/upload/"+id, owner, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("after delete = %d", resp.StatusCode)
	}
}

func TestAnonymousUploadIsReadableByID(t *testing.T) {
	ts := newTestServer(t, nil)
	bearer, _ := ts.login(t, "+15551234567", "alice@example.com")

	resp, body := ts.upload(t, "", "guest", testFile{name: "a.csv", contentType: "text/csv", data: []byte("x,y\n1,2\n")})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload = %d %v", resp.StatusCode, body)
	}
	id := body["files"].([]any)[0].(map[string]any)["id"].(string)
	resp, body = ts.do(t, http.MethodGet, "/api/upload/"+id, bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated read of anonymous upload = %d %v", resp.StatusCode, body)
	}
	meta := body["metadata"].(map[string]any)
	if meta["rows"] != float64(1) || meta["columns"] != float64(2) {
		t.Fatalf("csv metadata = %v", meta)
	}
}
