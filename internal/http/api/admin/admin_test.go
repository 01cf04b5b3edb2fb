package admin

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
	"github.com/messsiii/behindmemo-sub001/internal/billing"
	"github.com/messsiii/behindmemo-sub001/internal/config"
	"github.com/messsiii/behindmemo-sub001/internal/kv"
	"github.com/messsiii/behindmemo-sub001/internal/lockout"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"github.com/messsiii/behindmemo-sub001/internal/ratelimit"
	"github.com/messsiii/behindmemo-sub001/internal/security"
	"gorm.io/gorm"
)

type adminFixture struct {
	router *gin.Engine
	db     *gorm.DB
	guard  *lockout.Guard
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:admin_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errSQL := db.DB()
	if errSQL != nil {
		t.Fatalf("sql db: %v", errSQL)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := db.AutoMigrate(&models.User{}, &models.Admin{}, &models.CreditTransaction{}, &models.WebhookEvent{}, &models.Subscription{}, &models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	store := kv.NewMemoryStore()
	guard := lockout.NewGuard(store, 3, 30*time.Minute)

	router := gin.New()
	RegisterAdminRoutes(router, Deps{
		DB:       db,
		JWT:      config.JWTConfig{Secret: "test-secret", ExpiryHours: 1},
		Guard:    guard,
		Limiter:  ratelimit.NewLimiter(store),
		Ingestor: billing.NewIngestor(db, map[string]int64{"price_basic": 100}),
	})

	return &adminFixture{router: router, db: db, guard: guard}
}

func (f *adminFixture) createAdmin(t *testing.T, username, password string) {
	t.Helper()
	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		t.Fatalf("hash password: %v", errHash)
	}
	admin := models.Admin{Username: username, Password: hash, Active: true}
	if err := f.db.Create(&admin).Error; err != nil {
		t.Fatalf("create admin: %v", err)
	}
}

func (f *adminFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
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

func (f *adminFixture) login(t *testing.T, username, password string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/admin/login", "", map[string]any{
		"username": username,
		"password": password,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin login status = %d, body %s", w.Code, w.Body.String())
	}
	out := map[string]any{}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode login response: %v", errDecode)
	}
	token, _ := out["token"].(string)
	if token == "" {
		t.Fatalf("login response missing token: %v", out)
	}
	return token
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newAdminFixture(t)

	if w := f.do(t, http.MethodGet, "/api/admin/users/1", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAdminGrantCredits(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "root", "correct-horse-battery")
	token := f.login(t, "root", "correct-horse-battery")

	user := models.User{Email: "user@example.com", Password: "x", Active: true}
	if err := f.db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/credits", user.ID), token, map[string]any{
		"amount": 50,
		"note":   "support goodwill",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("grant status = %d, body %s", w.Code, w.Body.String())
	}

	var after models.User
	if err := f.db.First(&after, user.ID).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if after.Credits != 50 {
		t.Fatalf("credits = %d, want 50", after.Credits)
	}

	var trail models.CreditTransaction
	if err := f.db.Where("user_id = ?", user.ID).First(&trail).Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if trail.Reason != models.ReasonGrant || trail.Delta != 50 {
		t.Fatalf("transaction = %+v", trail)
	}
}

func TestAdminUserSearchIsCaseInsensitive(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "root", "correct-horse-battery")
	token := f.login(t, "root", "correct-horse-battery")

	for _, email := range []string{"Alice@Example.com", "bob@example.com", "carol@other.net"} {
		user := models.User{Email: email, Password: "x", Active: true}
		if err := f.db.Create(&user).Error; err != nil {
			t.Fatalf("create user %s: %v", email, err)
		}
	}

	w := f.do(t, http.MethodGet, "/api/admin/users?email=ALICE", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d, body %s", w.Code, w.Body.String())
	}
	out := map[string]any{}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode search response: %v", errDecode)
	}
	users, _ := out["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("matches = %d, want 1: %v", len(users), out)
	}
	row, _ := users[0].(map[string]any)
	if row["email"] != "Alice@Example.com" {
		t.Fatalf("matched email = %v", row["email"])
	}

	if w := f.do(t, http.MethodGet, "/api/admin/users", token, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty query status = %d, want 400", w.Code)
	}
}

func TestAdminGrantCreditsUnknownUser(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "root", "correct-horse-battery")
	token := f.login(t, "root", "correct-horse-battery")

	w := f.do(t, http.MethodPost, "/api/admin/users/999/credits", token, map[string]any{"amount": 50})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestAdminUnlock(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "root", "correct-horse-battery")
	token := f.login(t, "root", "correct-horse-battery")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.guard.RecordFailure(ctx, "user@example.com"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	locked, _, errLocked := f.guard.IsLocked(ctx, "user@example.com")
	if errLocked != nil || !locked {
		t.Fatalf("locked = %v, err = %v", locked, errLocked)
	}

	w := f.do(t, http.MethodPost, "/api/admin/unlock", token, map[string]any{"email": "user@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("unlock status = %d, body %s", w.Code, w.Body.String())
	}

	locked, _, errLocked = f.guard.IsLocked(ctx, "user@example.com")
	if errLocked != nil || locked {
		t.Fatalf("still locked = %v, err = %v", locked, errLocked)
	}
}

func TestAdminWebhookReprocess(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "root", "correct-horse-battery")
	token := f.login(t, "root", "correct-horse-battery")

	if w := f.do(t, http.MethodPost, "/api/admin/webhooks/evt_missing/reprocess", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing event status = %d, want 404", w.Code)
	}
}

func TestAdminUpdateSetting(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "root", "correct-horse-battery")
	token := f.login(t, "root", "correct-horse-battery")

	w := f.do(t, http.MethodPut, "/api/admin/settings", token, map[string]any{
		"key":   "GENERATE_PER_HOUR",
		"value": 40,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/admin/settings", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	out := map[string]any{}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode settings: %v", errDecode)
	}
	rows, _ := out["settings"].([]any)
	if len(rows) != 1 {
		t.Fatalf("settings = %d rows, want 1", len(rows))
	}
}
