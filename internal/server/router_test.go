package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/checkout"
	"github.com/MarcoPoloResearchLab/storefront/internal/database"
	"github.com/MarcoPoloResearchLab/storefront/internal/storefront"
	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stubCatalog struct {
	mu       sync.Mutex
	users    []catalog.User
	carts    map[int][]catalog.Cart
	products map[int]catalog.Product
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{
		users: []catalog.User{{ID: 1, Email: "john@gmail.com", Username: "johnd", Password: "m38rmF$"}},
		carts: map[int][]catalog.Cart{
			1: {{ID: 1, UserID: 1, Products: []catalog.CartLine{{ProductID: 1, Quantity: 2}}}},
		},
		products: map[int]catalog.Product{
			1: {ID: 1, Title: "Backpack", Price: 100, Category: "bags"},
			7: {ID: 7, Title: "Ring", Price: 10, Category: "jewelery"},
		},
	}
}

func (s *stubCatalog) ListProducts(context.Context) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []catalog.Product{s.products[1], s.products[7]}, nil
}

func (s *stubCatalog) GetProduct(_ context.Context, productID int) (catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return catalog.Product{}, fmt.Errorf("%w: %d", catalog.ErrProductNotFound, productID)
	}
	return product, nil
}

func (s *stubCatalog) ListCategories(context.Context) ([]string, error) {
	return []string{"bags", "jewelery"}, nil
}

func (s *stubCatalog) ListProductsInCategory(_ context.Context, category string) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []catalog.Product
	for _, id := range []int{1, 7} {
		if s.products[id].Category == category {
			matches = append(matches, s.products[id])
		}
	}
	return matches, nil
}

func (s *stubCatalog) ListUsers(context.Context) ([]catalog.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.User(nil), s.users...), nil
}

func (s *stubCatalog) CreateUser(context.Context, catalog.User) (int, error) {
	return 11, nil
}

func (s *stubCatalog) CartsForUser(_ context.Context, userID int) ([]catalog.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts[userID], nil
}

type testServer struct {
	handler  http.Handler
	tokens   *auth.TokenIssuer
	realtime *RealtimeDispatcher
}

func newTestServer(t *testing.T, configure func(*Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "storefront.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	backend, err := store.NewSQLiteBackend(db, nil)
	if err != nil {
		t.Fatalf("failed to build backend: %v", err)
	}

	remote := newStubCatalog()
	realtime := NewRealtimeDispatcher()
	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Dispatcher: checkout.NewLogDispatcher(nil),
		OrderID:    func() int { return 555555 },
	})
	if err != nil {
		t.Fatalf("failed to build checkout: %v", err)
	}
	registry, err := storefront.NewRegistry(storefront.RegistryConfig{
		Backend:      backend,
		Catalog:      remote,
		Checkout:     checkoutService,
		OnCartChange: realtime.PublishCartChange,
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-signing-secret"), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	deps := Dependencies{
		TokenManager:      tokens,
		Storefronts:       registry,
		Catalog:           remote,
		Realtime:          realtime,
		HeartbeatInterval: time.Hour,
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{handler: handler, tokens: tokens, realtime: realtime}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) newScope(t *testing.T) string {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/scopes", "", nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected scope status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload scopeResponsePayload
	decode(t, recorder, &payload)
	return payload.AccessToken
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), dest); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
}

func TestCreateScopeIssuesTokenAndCookie(t *testing.T) {
	server := newTestServer(t, nil)

	recorder := server.do(t, http.MethodPost, "/scopes", "", nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload scopeResponsePayload
	decode(t, recorder, &payload)
	if payload.TokenType != "Bearer" || payload.ExpiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	scopeID, err := server.tokens.ValidateToken(payload.AccessToken)
	if err != nil || scopeID == "" {
		t.Fatalf("expected a valid scope token: %v", err)
	}

	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.ScopeCookieName || cookies[0].Value != payload.AccessToken || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies %#v", cookies)
	}
}

func TestProtectedRoutesRequireScopeToken(t *testing.T) {
	server := newTestServer(t, nil)
	for _, path := range []string{"/session", "/cart"} {
		if recorder := server.do(t, http.MethodGet, path, "", nil); recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, recorder.Code)
		}
	}
}

func TestLoginAndCartFlow(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.newScope(t)

	var session sessionResponsePayload
	recorder := server.do(t, http.MethodGet, "/session", token, nil)
	decode(t, recorder, &session)
	if session.Authenticated {
		t.Fatalf("expected fresh scope to be signed out")
	}

	recorder = server.do(t, http.MethodPost, "/session/login", token, loginRequestPayload{Email: "john@gmail.com", Password: "m38rmF$"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected login status %d: %s", recorder.Code, recorder.Body.String())
	}
	decode(t, recorder, &session)
	if !session.Authenticated || session.User.Username != "johnd" || session.Cart.Count != 2 {
		t.Fatalf("unexpected session %#v", session)
	}

	var cartState cartPayload
	recorder = server.do(t, http.MethodPost, "/cart/items", token, addItemRequestPayload{ProductID: 7})
	decode(t, recorder, &cartState)
	if recorder.Code != http.StatusOK || cartState.Count != 3 || cartState.Total != 210 {
		t.Fatalf("unexpected cart after add: %d %#v", recorder.Code, cartState)
	}

	recorder = server.do(t, http.MethodPatch, "/cart/items/1", token, changeQuantityRequestPayload{Delta: -100})
	decode(t, recorder, &cartState)
	if cartState.Count != 2 || cartState.Total != 110 {
		t.Fatalf("expected quantity to clamp at one: %#v", cartState)
	}

	recorder = server.do(t, http.MethodDelete, "/cart/items/1", token, nil)
	decode(t, recorder, &cartState)
	if len(cartState.Items) != 1 || cartState.Items[0].ID != 7 {
		t.Fatalf("unexpected cart after removal: %#v", cartState)
	}

	recorder = server.do(t, http.MethodPost, "/session/logout", token, nil)
	decode(t, recorder, &session)
	if session.Authenticated || session.Cart.Count != 0 {
		t.Fatalf("expected logout to clear identity and cart: %#v", session)
	}

	recorder = server.do(t, http.MethodPost, "/session/login", token, loginRequestPayload{Email: "john@gmail.com", Password: "m38rmF$"})
	decode(t, recorder, &session)
	if session.Cart.Count != 1 || session.Cart.Items[0].ID != 7 {
		t.Fatalf("expected persisted snapshot to win over the remote cart: %#v", session.Cart)
	}
}

func TestLoginWithInvalidCredentials(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.newScope(t)

	recorder := server.do(t, http.MethodPost, "/session/login", token, loginRequestPayload{Email: "john@gmail.com", Password: "wrong"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	var payload map[string]string
	decode(t, recorder, &payload)
	if payload["message"] != "Invalid email or password" {
		t.Fatalf("unexpected message %q", payload["message"])
	}
}

func TestRegisterSignsIn(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.newScope(t)

	recorder := server.do(t, http.MethodPost, "/session/register", token, registerRequestPayload{Email: "new@example.com", Password: "pw"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected register status %d: %s", recorder.Code, recorder.Body.String())
	}
	var session sessionResponsePayload
	decode(t, recorder, &session)
	if !session.Authenticated || session.User.ID != 11 || session.User.Username != "new" {
		t.Fatalf("unexpected session %#v", session)
	}
}

func TestAddUnknownProductReturnsNotFound(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.newScope(t)

	if recorder := server.do(t, http.MethodPost, "/cart/items", token, addItemRequestPayload{ProductID: 404}); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodPatch, "/cart/items/abc", token, changeQuantityRequestPayload{Delta: 1}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", recorder.Code)
	}
}

func TestCheckoutFlow(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.newScope(t)

	request := checkout.Request{FirstName: "John", LastName: "Doe", Phone: "1", Email: "john@gmail.com"}
	if recorder := server.do(t, http.MethodPost, "/checkout", token, request); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected empty cart rejection, got %d", recorder.Code)
	}

	server.do(t, http.MethodPost, "/cart/items", token, addItemRequestPayload{ProductID: 7})

	recorder := server.do(t, http.MethodPost, "/checkout", token, checkout.Request{AddressMode: checkout.AddressModeNew})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected validation failure, got %d", recorder.Code)
	}
	var invalid struct {
		Fields []string `json:"fields"`
	}
	decode(t, recorder, &invalid)
	if len(invalid.Fields) != 7 {
		t.Fatalf("expected all missing fields, got %v", invalid.Fields)
	}

	recorder = server.do(t, http.MethodPost, "/checkout", token, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected checkout status %d: %s", recorder.Code, recorder.Body.String())
	}
	var confirmation checkout.Confirmation
	decode(t, recorder, &confirmation)
	if confirmation.OrderID != 555555 || confirmation.TotalAmount != "10.00" || confirmation.ShippingAddress != checkout.DefaultExistingAddress {
		t.Fatalf("unexpected confirmation %#v", confirmation)
	}

	var cartState cartPayload
	decode(t, server.do(t, http.MethodGet, "/cart", token, nil), &cartState)
	if cartState.Count != 0 {
		t.Fatalf("expected cart to be cleared after checkout")
	}
}

func TestProductRoutes(t *testing.T) {
	server := newTestServer(t, nil)

	var products []catalog.Product
	decode(t, server.do(t, http.MethodGet, "/products", "", nil), &products)
	if len(products) != 2 {
		t.Fatalf("unexpected products %#v", products)
	}

	var product catalog.Product
	decode(t, server.do(t, http.MethodGet, "/products/7", "", nil), &product)
	if product.Title != "Ring" {
		t.Fatalf("unexpected product %#v", product)
	}
	if recorder := server.do(t, http.MethodGet, "/products/999", "", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}

	var categories []string
	decode(t, server.do(t, http.MethodGet, "/products/categories", "", nil), &categories)
	if len(categories) != 2 {
		t.Fatalf("unexpected categories %v", categories)
	}

	decode(t, server.do(t, http.MethodGet, "/products/category/jewelery", "", nil), &products)
	if len(products) != 1 || products[0].ID != 7 {
		t.Fatalf("unexpected category products %#v", products)
	}
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	server := newTestServer(t, func(deps *Dependencies) {
		deps.RatePerMinute = 1
		deps.RateBurst = 2
	})

	for index := 0; index < 2; index++ {
		if recorder := server.do(t, http.MethodGet, "/products/categories", "", nil); recorder.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", index, recorder.Code)
		}
	}
	if recorder := server.do(t, http.MethodGet, "/products/categories", "", nil); recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
}

func TestIPRateLimiterSweepsIdleEntries(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	limiter := newIPRateLimiter(60, 1, time.Minute)
	limiter.clock = func() time.Time { return now }

	limiter.allow("10.0.0.1")
	limiter.allow("10.0.0.2")
	if limiter.size() != 2 {
		t.Fatalf("expected two tracked clients")
	}

	now = now.Add(2 * time.Minute)
	limiter.allow("10.0.0.3")
	if limiter.size() != 1 {
		t.Fatalf("expected idle clients to be swept, got %d", limiter.size())
	}
}

func TestChatMessagesAreScoped(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.newScope(t)
	otherToken := server.newScope(t)

	recorder := server.do(t, http.MethodPost, "/chat/messages", token, chatMessageRequestPayload{Content: "hello"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected post status %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = server.do(t, http.MethodPost, "/chat/messages", token, chatMessageRequestPayload{Role: "assistant", Content: "Hi! How can I help?"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected post status %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder := server.do(t, http.MethodPost, "/chat/messages", token, chatMessageRequestPayload{Role: "system", Content: "x"}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", recorder.Code)
	}

	var history chatHistoryPayload
	recorder = server.do(t, http.MethodGet, "/chat/messages", token, nil)
	decode(t, recorder, &history)
	if len(history.Messages) != 2 || history.Messages[0].Role != "user" || history.Messages[1].Content != "Hi! How can I help?" {
		t.Fatalf("unexpected history %#v", history)
	}

	var other chatHistoryPayload
	decode(t, server.do(t, http.MethodGet, "/chat/messages", otherToken, nil), &other)
	if len(other.Messages) != 0 {
		t.Fatalf("expected other scope to have no messages, got %#v", other)
	}

	if recorder := server.do(t, http.MethodDelete, "/chat/messages", token, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected clear status %d", recorder.Code)
	}
	decode(t, server.do(t, http.MethodGet, "/chat/messages", token, nil), &history)
	if len(history.Messages) != 0 {
		t.Fatalf("expected cleared history, got %#v", history)
	}
}
