package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classbank/exchange/internal/auth"
	"github.com/classbank/exchange/internal/db"
	"github.com/classbank/exchange/internal/engine"
	"github.com/classbank/exchange/internal/ledger"
	"github.com/classbank/exchange/internal/models"
)

// fakeUserStore keeps registered users in a map, standing in for the
// database in auth handler tests.
type fakeUserStore struct {
	users map[string]*models.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*models.User)}
}

func (f *fakeUserStore) CreateUser(_ context.Context, username, passwordHash, role string, _ int64) (*models.User, error) {
	if _, ok := f.users[username]; ok {
		return nil, fmt.Errorf("create user %s: %w", username, db.ErrUsernameTaken)
	}
	u := &models.User{ID: len(f.users) + 1, Username: username, PasswordHash: passwordHash, Role: role}
	f.users[username] = u
	return u, nil
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s not found", username)
	}
	return u, nil
}

type testEnv struct {
	router chi.Router
	store  *ledger.MemoryStore
	auth   *auth.AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := ledger.NewMemoryStore()
	store.CreateAccount("alice", 100_000)
	store.CreateAccount("bob", 100_000)

	eng := engine.New(engine.Config{}, store, nil, zerolog.Nop())
	eng.AddInstrument(models.Instrument{
		ID: "chalk", Name: "Chalk Industries",
		CurrentPrice: 500, OpenPrice: 500, TotalShares: 1000,
	})

	authService := auth.NewAuthService(newFakeUserStore(), "test-secret", 0)
	handler := NewHandler(eng, store, authService, nil, zerolog.Nop(), 1000)

	return &testEnv{router: handler.Routes(), store: store, auth: authService}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) token(t *testing.T, username, role string) string {
	t.Helper()
	token, err := e.auth.GenerateToken(username, role)
	require.NoError(t, err)
	return token
}

func TestRegister_DuplicateUsername(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{"username": "dana", "password": "dana123"}
	w := env.request(t, http.MethodPost, "/auth/register", "", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.request(t, http.MethodPost, "/auth/register", "", body)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestPlaceOrder(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "student")

	w := env.request(t, http.MethodPost, "/instruments/chalk/orders", alice,
		map[string]any{"side": "buy", "price": 400, "quantity": 10})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res engine.OrderResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, int64(0), res.MatchedQty)
	assert.Equal(t, int64(10), res.RemainingQty)
	assert.NotEmpty(t, res.OrderID)
}

func TestPlaceOrder_Validation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "student")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"BadSide", map[string]any{"side": "hold", "price": 400, "quantity": 10}},
		{"ZeroPrice", map[string]any{"side": "buy", "price": 0, "quantity": 10}},
		{"ZeroQuantity", map[string]any{"side": "buy", "price": 400, "quantity": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.request(t, http.MethodPost, "/instruments/chalk/orders", alice, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPlaceOrder_Unauthorized(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/instruments/chalk/orders", "",
		map[string]any{"side": "buy", "price": 400, "quantity": 10})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.request(t, http.MethodPost, "/instruments/chalk/orders", "not-a-token",
		map[string]any{"side": "buy", "price": 400, "quantity": 10})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPlaceOrder_UnknownInstrument(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "student")

	w := env.request(t, http.MethodPost, "/instruments/ghost/orders", alice,
		map[string]any{"side": "buy", "price": 400, "quantity": 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "student")
	bob := env.token(t, "bob", "student")

	w := env.request(t, http.MethodPost, "/instruments/chalk/orders", alice,
		map[string]any{"side": "buy", "price": 400, "quantity": 10})
	require.Equal(t, http.StatusCreated, w.Code)
	var res engine.OrderResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))

	// Someone else's cancel is forbidden
	w = env.request(t, http.MethodDelete, "/instruments/chalk/orders/"+res.OrderID+"?side=buy", bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The owner's cancel succeeds and refunds the escrow
	w = env.request(t, http.MethodDelete, "/instruments/chalk/orders/"+res.OrderID+"?side=buy", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bal, err := env.store.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), bal)

	// Cancelling again is a NotFound
	w = env.request(t, http.MethodDelete, "/instruments/chalk/orders/"+res.OrderID+"?side=buy", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarketTrade(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "student")

	w := env.request(t, http.MethodPost, "/instruments/chalk/trades", alice,
		map[string]any{"side": "buy", "quantity": 100})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res engine.MarketTradeResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, int64(50_000), res.TotalCost)
	assert.Equal(t, int64(505), res.NewPrice)
}

func TestGetOrderBook(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "student")

	env.request(t, http.MethodPost, "/instruments/chalk/orders", alice,
		map[string]any{"side": "buy", "price": 400, "quantity": 10})

	w := env.request(t, http.MethodGet, "/instruments/chalk/book", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var book struct {
		BuyOrders  []models.Order `json:"buy_orders"`
		SellOrders []models.Order `json:"sell_orders"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&book))
	assert.Len(t, book.BuyOrders, 1)
	assert.Empty(t, book.SellOrders)
}

func TestGetIndex(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "student")

	w := env.request(t, http.MethodGet, "/index", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Value string `json:"value"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "500", res.Value)

	w = env.request(t, http.MethodGet, "/index?ref=ghost", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAccount(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "student")

	env.request(t, http.MethodPost, "/instruments/chalk/trades", alice,
		map[string]any{"side": "buy", "quantity": 10})

	w := env.request(t, http.MethodGet, "/accounts/me", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Username string                    `json:"username"`
		Balance  int64                     `json:"balance"`
		Holdings map[string]models.Holding `json:"holdings"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "alice", res.Username)
	assert.Equal(t, int64(95_000), res.Balance)
	assert.Equal(t, int64(10), res.Holdings["chalk"].Quantity)
}

func TestLevyTax(t *testing.T) {
	env := newTestEnv(t)
	teacher := env.token(t, "teacher-acct", "teacher")
	alice := env.token(t, "alice", "student")

	// Students cannot levy taxes
	w := env.request(t, http.MethodPost, "/admin/tax", alice,
		map[string]any{"username": "bob", "income": 10_000})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(t, http.MethodPost, "/admin/tax", teacher,
		map[string]any{"username": "bob", "income": 10_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res map[string]int64
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, int64(1400), res["tax"])

	bal, err := env.store.GetBalance(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(98_600), bal)
}
