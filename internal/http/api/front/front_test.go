package front

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/messsiii/behindmemo-sub001/internal/config"
	"github.com/messsiii/behindmemo-sub001/internal/generation"
	"github.com/messsiii/behindmemo-sub001/internal/kv"
	"github.com/messsiii/behindmemo-sub001/internal/lockout"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"github.com/messsiii/behindmemo-sub001/internal/quota"
	"github.com/messsiii/behindmemo-sub001/internal/ratelimit"
	"gorm.io/gorm"
)

// stubProvider returns canned content without leaving the process.
type stubProvider struct {
	content string
	err     error
}

func (p *stubProvider) GenerateLetter(ctx context.Context, prompt string, params []byte) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.content, nil
}

type frontFixture struct {
	router *gin.Engine
	db     *gorm.DB
	store  *kv.MemoryStore
}

func newFrontFixture(t *testing.T, limits config.LimitsConfig) *frontFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:front_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errSQL := db.DB()
	if errSQL != nil {
		t.Fatalf("sql db: %v", errSQL)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := db.AutoMigrate(&models.User{}, &models.CreditTransaction{}, &models.Generation{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	store := kv.NewMemoryStore()
	coordinator := quota.NewCoordinator(db, store)
	genStore := generation.NewStore(db)
	worker := generation.NewWorker(genStore, coordinator, &stubProvider{content: "Dear you"}, time.Second)

	if limits.LoginPerHour == 0 {
		limits.LoginPerHour = 5
	}
	if limits.GeneratePerHour == 0 {
		limits.GeneratePerHour = 20
	}
	if limits.LockoutThreshold == 0 {
		limits.LockoutThreshold = 5
	}

	router := gin.New()
	RegisterFrontRoutes(router, Deps{
		DB:          db,
		JWT:         config.JWTConfig{Secret: "test-secret", ExpiryHours: 1},
		Limits:      limits,
		Limiter:     ratelimit.NewLimiter(store),
		Guard:       lockout.NewGuard(store, int64(limits.LockoutThreshold), 30*time.Minute),
		Coordinator: coordinator,
		Generations: genStore,
		Worker:      worker,
	})

	return &frontFixture{router: router, db: db, store: store}
}

func (f *frontFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if errEncode := json.NewEncoder(&buf).Encode(body); errEncode != nil {
			t.Fatalf("encode body: %v", errEncode)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), errDecode)
	}
	return out
}

func (f *frontFixture) register(t *testing.T, email, password string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"email":    email,
		"password": password,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body.String())
	}
}

func (f *frontFixture) login(t *testing.T, email, password string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login response missing token: %v", body)
	}
	return token
}

func (f *frontFixture) setCredits(t *testing.T, email string, credits int64) {
	t.Helper()
	if err := f.db.Model(&models.User{}).Where("email = ?", email).
		UpdateColumn("credits", credits).Error; err != nil {
		t.Fatalf("set credits: %v", err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{})

	f.register(t, "user@example.com", "hunter2hunter2")

	if w := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"email":    "User@Example.com",
		"password": "hunter2hunter2",
	}); w.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d", w.Code)
	}

	token := f.login(t, "user@example.com", "hunter2hunter2")

	w := f.do(t, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["email"] != "user@example.com" {
		t.Fatalf("me email = %v", body["email"])
	}
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{})
	f.register(t, "user@example.com", "hunter2hunter2")

	w := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "user@example.com",
		"password": "wrong-password",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("login status = %d", w.Code)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{LockoutThreshold: 3, LoginPerHour: 100})
	f.register(t, "user@example.com", "hunter2hunter2")

	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
			"email":    "user@example.com",
			"password": "wrong-password",
		})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, w.Code)
		}
	}

	// Correct password no longer helps until the lock expires.
	w := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "user@example.com",
		"password": "hunter2hunter2",
	})
	if w.Code != http.StatusLocked {
		t.Fatalf("locked login status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if _, ok := body["retry_after"]; !ok {
		t.Fatalf("locked response missing retry_after: %v", body)
	}
}

func TestLoginRateLimited(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{LoginPerHour: 2})
	f.register(t, "user@example.com", "hunter2hunter2")

	for i := 0; i < 2; i++ {
		if w := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
			"email":    "user@example.com",
			"password": "hunter2hunter2",
		}); w.Code != http.StatusOK {
			t.Fatalf("attempt %d status = %d", i, w.Code)
		}
	}

	w := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "user@example.com",
		"password": "hunter2hunter2",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("rate limited status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if _, ok := body["retry_after"]; !ok {
		t.Fatalf("rate limited response missing retry_after: %v", body)
	}
}

func TestGenerationRequiresAuth(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{})

	w := f.do(t, http.MethodPost, "/api/generations", "", map[string]any{"prompt": "hello"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGenerationLifecycle(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{})
	f.register(t, "user@example.com", "hunter2hunter2")
	f.setCredits(t, "user@example.com", 1)
	token := f.login(t, "user@example.com", "hunter2hunter2")

	w := f.do(t, http.MethodPost, "/api/generations", token, map[string]any{
		"prompt":     "write a letter",
		"request_id": "req-1",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create response missing id: %v", created)
	}

	// The worker runs in a background goroutine; poll until it settles.
	var final map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = f.do(t, http.MethodGet, "/api/generations/"+id, token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get status = %d", w.Code)
		}
		final = decodeBody(t, w)
		if final["status"] == string(models.GenerationCompleted) || final["status"] == string(models.GenerationFailed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("generation did not settle: %v", final)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final["status"] != string(models.GenerationCompleted) {
		t.Fatalf("status = %v", final["status"])
	}
	if final["content"] != "Dear you" {
		t.Fatalf("content = %v", final["content"])
	}

	// Replaying the same request ID returns the finished record without
	// debiting again.
	w = f.do(t, http.MethodPost, "/api/generations", token, map[string]any{
		"prompt":     "write a letter",
		"request_id": "req-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d, body %s", w.Code, w.Body.String())
	}

	// The single credit is spent; a fresh request is refused.
	w = f.do(t, http.MethodPost, "/api/generations", token, map[string]any{
		"prompt":     "another letter",
		"request_id": "req-2",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("exhausted status = %d, body %s", w.Code, w.Body.String())
	}

	var user models.User
	if err := f.db.Where("email = ?", "user@example.com").First(&user).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.Credits != 0 || user.TotalUsage != 1 {
		t.Fatalf("credits = %d, total usage = %d", user.Credits, user.TotalUsage)
	}
}

func TestGenerationListAndTransactions(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{})
	f.register(t, "user@example.com", "hunter2hunter2")
	f.setCredits(t, "user@example.com", 2)
	token := f.login(t, "user@example.com", "hunter2hunter2")

	for _, requestID := range []string{"req-a", "req-b"} {
		w := f.do(t, http.MethodPost, "/api/generations", token, map[string]any{
			"prompt":     "letter",
			"request_id": requestID,
		})
		if w.Code != http.StatusAccepted {
			t.Fatalf("create %s status = %d", requestID, w.Code)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var count int64
		if err := f.db.Model(&models.CreditTransaction{}).Count(&count).Error; err != nil {
			t.Fatalf("count transactions: %v", err)
		}
		if count == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transactions = %d, want 2", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	w := f.do(t, http.MethodGet, "/api/generations", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	list := decodeBody(t, w)
	generations, _ := list["generations"].([]any)
	if len(generations) != 2 {
		t.Fatalf("generations = %d, want 2", len(generations))
	}

	w = f.do(t, http.MethodGet, "/api/credits/transactions", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transactions status = %d", w.Code)
	}
	tx := decodeBody(t, w)
	transactions, _ := tx["transactions"].([]any)
	if len(transactions) != 2 {
		t.Fatalf("transactions = %d, want 2", len(transactions))
	}
}

func TestGenerationOwnershipIsEnforced(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{})
	f.register(t, "owner@example.com", "hunter2hunter2")
	f.register(t, "other@example.com", "hunter2hunter2")
	f.setCredits(t, "owner@example.com", 1)
	ownerToken := f.login(t, "owner@example.com", "hunter2hunter2")
	otherToken := f.login(t, "other@example.com", "hunter2hunter2")

	w := f.do(t, http.MethodPost, "/api/generations", ownerToken, map[string]any{
		"prompt":     "letter",
		"request_id": "req-owner",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("create status = %d", w.Code)
	}
	id, _ := decodeBody(t, w)["id"].(string)

	if w := f.do(t, http.MethodGet, "/api/generations/"+id, otherToken, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", w.Code)
	}
}

func TestGenerationRequestIDIsScopedPerUser(t *testing.T) {
	f := newFrontFixture(t, config.LimitsConfig{})
	f.register(t, "first@example.com", "hunter2hunter2")
	f.register(t, "second@example.com", "hunter2hunter2")
	f.setCredits(t, "first@example.com", 1)
	f.setCredits(t, "second@example.com", 1)
	firstToken := f.login(t, "first@example.com", "hunter2hunter2")
	secondToken := f.login(t, "second@example.com", "hunter2hunter2")

	w := f.do(t, http.MethodPost, "/api/generations", firstToken, map[string]any{
		"prompt":     "a private letter",
		"request_id": "shared-req",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("first create status = %d, body %s", w.Code, w.Body.String())
	}
	firstID, _ := decodeBody(t, w)["id"].(string)

	// Wait until the first user's generation holds content.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = f.do(t, http.MethodGet, "/api/generations/"+firstID, firstToken, nil)
		if decodeBody(t, w)["status"] == string(models.GenerationCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first generation did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A second user reusing the same request ID must start their own
	// generation, never receive the first user's record or content.
	w = f.do(t, http.MethodPost, "/api/generations", secondToken, map[string]any{
		"prompt":     "a different letter",
		"request_id": "shared-req",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("second create status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	secondID, _ := body["id"].(string)
	if secondID == "" || secondID == firstID {
		t.Fatalf("second user's id = %q, want a fresh record (first was %q)", secondID, firstID)
	}
	if _, leaked := body["content"]; leaked {
		t.Fatalf("create response leaked content: %v", body)
	}
}
