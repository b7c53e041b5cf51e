package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	redislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/reliablestore/storefront/api/controllers"
	"github.com/reliablestore/storefront/internal/authflow"
	"github.com/reliablestore/storefront/internal/cart"
	"github.com/reliablestore/storefront/internal/identity/identitytest"
	"github.com/reliablestore/storefront/pkg/config"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
)

const testDevice = "device-routes-0001"

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryKV() *memoryKV { return &memoryKV{data: map[string]string{}} }

func (m *memoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redislib.Nil
	}
	return v, nil
}

func (m *memoryKV) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fmt.Sprint(value)
	return nil
}

func (m *memoryKV) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type testEnv struct {
	router  http.Handler
	backend *identitytest.Fake
	carts   *cart.UserCartRepository
	pages   *authflow.Registry
}

func testConfig() *config.Config {
	return &config.Config{
		App:   config.AppConfig{Env: "test", AllowedOrigins: []string{"http://localhost:3000"}},
		Cart:  config.CartConfig{RecordKey: "cart", EventsHeartbeat: time.Second},
		Modal: config.ModalConfig{MinPasswordLength: 6, PageIdleTTL: time.Minute, SweepInterval: time.Minute},
	}
}

func setupUserCarts(t *testing.T) *cart.UserCartRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS user_carts (
  user_id TEXT PRIMARY KEY,
  items TEXT NOT NULL DEFAULT '{}',
  updated_at DATETIME
);`).Error)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return cart.NewUserCartRepository(db, time.Second)
}

func newTestEnv(t *testing.T, cfg *config.Config, dbP controllers.Pinger) *testEnv {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test-routing", Level: logger.ParseLevel("debug"), Output: io.Discard})

	kv := newMemoryKV()
	events := cart.NewBroadcaster(nil, "", logg)
	store := cart.NewStore(cart.StoreParams{KV: kv, RecordKey: cfg.Cart.RecordKey, Notifier: events, Logger: logg})
	userCarts := setupUserCarts(t)
	backend := identitytest.NewFake()
	merger := authflow.NewMerger(authflow.MergerParams{Remote: userCarts, Local: store, Markers: kv, Logger: logg})
	pages := authflow.NewRegistry(authflow.RegistryParams{
		Identity:   backend,
		TokenCache: kv,
		Merger:     merger,
		Carts:      store,
		Modal:      cfg.Modal,
		Logger:     logg,
	})
	router := NewRouter(cfg, logg, dbP, nil, nil, store, events, pages, nil)
	return &testEnv{router: router, backend: backend, carts: userCarts, pages: pages}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Device-Id", testDevice)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	return envelope.Data
}

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var envelope struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	return envelope.Error
}

type cartBody struct {
	Items []struct {
		ID  string `json:"id"`
		Qty int    `json:"qty"`
	} `json:"items"`
	Count    int    `json:"count"`
	Subtotal string `json:"subtotal"`
}

type viewBody struct {
	Step       string `json:"step"`
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to"`
	Error      *struct {
		Code  string `json:"code"`
		Field string `json:"field"`
	} `json:"error"`
}

type pageBody struct {
	PageID string `json:"page_id"`
	Auth   struct {
		SignedIn bool `json:"signed_in"`
	} `json:"auth"`
	Modal viewBody `json:"modal"`
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig(), stubPinger{})

	live := env.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, live.Code)
	assert.Equal(t, "test", live.Header().Get("X-Storefront-Env"))

	ready := env.do(t, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, ready.Code)
	body := decodeData[map[string]any](t, ready)
	assert.Equal(t, map[string]any{"db": "up", "redis": "skipped"}, body["checks"])
}

func TestHealthReadyReportsFailingDependency(t *testing.T) {
	env := newTestEnv(t, testConfig(), stubPinger{err: errors.New("connection refused")})

	rec := env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(pkgerrors.CodeRemoteUnavailable), decodeError(t, rec).Code)
}

func TestServiceWorkerHeaders(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec := env.do(t, http.MethodGet, "/sw.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Service-Worker-Allowed"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "addEventListener")
}

func TestCartLifecycle(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec := env.do(t, http.MethodPost, "/api/v1/cart/items", `{"id":"tea","title":"Green tea","price":"2.50"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env.do(t, http.MethodPost, "/api/v1/cart/items", `{"id":"tea"}`)
	env.do(t, http.MethodPost, "/api/v1/cart/items", `{"id":"rice","price":"10"}`)

	count := decodeData[map[string]int](t, env.do(t, http.MethodGet, "/api/v1/cart/count", ""))
	assert.Equal(t, 3, count["count"])

	rec = env.do(t, http.MethodPut, "/api/v1/cart/items/tea", `{"qty":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeData[cartBody](t, rec)
	assert.Equal(t, 5, body.Count)
	assert.Equal(t, "20", body.Subtotal)
	require.Len(t, body.Items, 2)
	assert.Equal(t, "rice", body.Items[0].ID)

	body = decodeData[cartBody](t, env.do(t, http.MethodPut, "/api/v1/cart/items/tea", `{"qty":0}`))
	assert.Equal(t, 1, body.Count)

	body = decodeData[cartBody](t, env.do(t, http.MethodDelete, "/api/v1/cart/items/rice", ""))
	assert.Equal(t, 0, body.Count)
	assert.Empty(t, body.Items)
}

func TestCartRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec := env.do(t, http.MethodPut, "/api/v1/cart/items/tea", `{"qty":-2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/cart/items", `{"id":"tea","price":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/cart/items", `{"title":"no id"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCartMintsDeviceWhenMissing(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Device-Id"))
}

func TestPageRegistrationNeverOpensModal(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec := env.do(t, http.MethodPost, "/api/v1/pages", `{"return_to":"/checkout"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	page := decodeData[pageBody](t, rec)
	assert.Equal(t, "closed", page.Modal.Step)
	assert.False(t, page.Auth.SignedIn)

	rec = env.do(t, http.MethodPost, "/api/v1/pages/"+page.PageID+"/modal/open", `{"trigger":"page_load"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	view := decodeData[viewBody](t, env.do(t, http.MethodGet, "/api/v1/pages/"+page.PageID+"/modal", ""))
	assert.Equal(t, "closed", view.Step)
	assert.Zero(t, env.backend.TotalCalls())
}

func TestSignInMergesCartAndRedirects(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	user := env.backend.AddAccount("ada@example.com", "correct-horse", "Ada", "")
	require.NoError(t, env.carts.Save(context.Background(), user.ID, cart.Record{"a": {ID: "a", Qty: 2}}))

	env.do(t, http.MethodPost, "/api/v1/cart/items", `{"id":"a"}`)
	env.do(t, http.MethodPut, "/api/v1/cart/items/a", `{"qty":3}`)
	env.do(t, http.MethodPost, "/api/v1/cart/items", `{"id":"b"}`)

	page := decodeData[pageBody](t, env.do(t, http.MethodPost, "/api/v1/pages", `{"return_to":"/checkout"}`))
	base := "/api/v1/pages/" + page.PageID

	view := decodeData[viewBody](t, env.do(t, http.MethodPost, base+"/modal/open", `{"trigger":"user"}`))
	assert.Equal(t, "enter", view.Step)

	view = decodeData[viewBody](t, env.do(t, http.MethodPost, base+"/modal/identifier", `{"identifier":"Ada@Example.com"}`))
	assert.Equal(t, "password", view.Step)
	assert.Equal(t, "ada@example.com", view.Email)

	rec := env.do(t, http.MethodPost, base+"/modal/password", `{"password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = decodeData[viewBody](t, rec)
	assert.Equal(t, "closed", view.Step)
	assert.Equal(t, "/checkout", view.RedirectTo)

	body := decodeData[cartBody](t, env.do(t, http.MethodGet, "/api/v1/cart", ""))
	assert.Equal(t, 6, body.Count)

	status := decodeData[map[string]any](t, env.do(t, http.MethodGet, base+"/auth", ""))
	assert.Equal(t, true, status["signed_in"])

	status = decodeData[map[string]any](t, env.do(t, http.MethodPost, base+"/logout", `{"clear_cart":true}`))
	assert.Equal(t, false, status["signed_in"])
	body = decodeData[cartBody](t, env.do(t, http.MethodGet, "/api/v1/cart", ""))
	assert.Equal(t, 0, body.Count)
}

func TestSignupShortPasswordStaysOnSignup(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	page := decodeData[pageBody](t, env.do(t, http.MethodPost, "/api/v1/pages", ""))
	base := "/api/v1/pages/" + page.PageID
	env.do(t, http.MethodPost, base+"/modal/open", `{"trigger":"user"}`)

	view := decodeData[viewBody](t, env.do(t, http.MethodPost, base+"/modal/identifier", `{"identifier":"notarealuser@example.com"}`))
	require.Equal(t, "signup", view.Step)

	rec := env.do(t, http.MethodPost, base+"/modal/signup", `{"name":"Nobody","email":"notarealuser@example.com","password":"abc"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, string(pkgerrors.CodeValidation), apiErr.Code)
	assert.Equal(t, "signup", apiErr.Details["step"])
	assert.Equal(t, "password", apiErr.Details["field"])
	assert.Zero(t, env.backend.Calls(identitytest.OpSignUp))

	view = decodeData[viewBody](t, env.do(t, http.MethodGet, base+"/modal", ""))
	assert.Equal(t, "signup", view.Step)
	require.NotNil(t, view.Error)
	assert.Equal(t, "password", view.Error.Field)

	view = decodeData[viewBody](t, env.do(t, http.MethodPost, base+"/modal/cancel-signup", ""))
	assert.Equal(t, "enter", view.Step)

	view = decodeData[viewBody](t, env.do(t, http.MethodPost, base+"/modal/key", `{"key":"Escape"}`))
	assert.Equal(t, "closed", view.Step)
}

func TestOutsideClickKeepsModalOpenByDefault(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	page := decodeData[pageBody](t, env.do(t, http.MethodPost, "/api/v1/pages", ""))
	base := "/api/v1/pages/" + page.PageID
	env.do(t, http.MethodPost, base+"/modal/open", `{"trigger":"user"}`)

	view := decodeData[viewBody](t, env.do(t, http.MethodPost, base+"/modal/outside-click", ""))
	assert.Equal(t, "enter", view.Step)

	view = decodeData[viewBody](t, env.do(t, http.MethodPost, base+"/modal/close", `{"reason":"close_button"}`))
	assert.Equal(t, "closed", view.Step)
}

func TestPagesAreScopedToTheirDevice(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	page := decodeData[pageBody](t, env.do(t, http.MethodPost, "/api/v1/pages", ""))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pages/"+page.PageID+"/modal", nil)
	req.Header.Set("X-Device-Id", "someone-elses-device")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/pages/"+page.PageID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, env.pages.Len())

	rec = env.do(t, http.MethodGet, "/api/v1/pages/"+page.PageID+"/auth", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCartEventsStream(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/cart/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-Device-Id", testDevice)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, `{"count":0}`, nextEventData(t, reader))

	add, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/v1/cart/items", strings.NewReader(`{"id":"tea"}`))
	require.NoError(t, err)
	add.Header.Set("X-Device-Id", testDevice)
	addResp, err := srv.Client().Do(add)
	require.NoError(t, err)
	addResp.Body.Close()

	assert.Equal(t, `{"count":1}`, nextEventData(t, reader))
}

// nextEventData returns the data line of the next cart event, skipping
// heartbeat comments.
func nextEventData(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return data
		}
	}
}
