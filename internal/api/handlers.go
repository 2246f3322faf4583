package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/classbank/exchange/internal/auth"
	"github.com/classbank/exchange/internal/db"
	"github.com/classbank/exchange/internal/engine"
	"github.com/classbank/exchange/internal/index"
	"github.com/classbank/exchange/internal/ledger"
	"github.com/classbank/exchange/internal/models"
	"github.com/classbank/exchange/internal/notify"
	"github.com/classbank/exchange/internal/tax"
)

type contextKey string

const (
	ctxUser contextKey = "username"
	ctxRole contextKey = "role"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine    *engine.Engine
	Store     ledger.Store
	Auth      *auth.AuthService
	Hub       *notify.Hub
	Log       zerolog.Logger
	BasePoint int64

	validate *validator.Validate
}

// NewHandler creates a new handler
func NewHandler(eng *engine.Engine, store ledger.Store, authService *auth.AuthService, hub *notify.Hub, log zerolog.Logger, basePoint int64) *Handler {
	return &Handler{
		Engine:    eng,
		Store:     store,
		Auth:      authService,
		Hub:       hub,
		Log:       log,
		BasePoint: basePoint,
		validate:  validator.New(),
	}
}

// Routes mounts all endpoints on a chi router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requestLogger)

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/ws", h.WebSocket)

	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Get("/instruments", h.ListInstruments)
		r.Get("/instruments/{id}/book", h.GetOrderBook)
		r.Post("/instruments/{id}/orders", h.PlaceOrder)
		r.Delete("/instruments/{id}/orders/{orderID}", h.CancelOrder)
		r.Post("/instruments/{id}/trades", h.MarketTrade)
		r.Get("/index", h.GetIndex)
		r.Get("/accounts/me", h.GetAccount)
		r.With(h.requireTeacher).Post("/admin/tax", h.LevyTax)
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	var serr *engine.SettlementError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, engine.ErrInstrumentNotFound), errors.Is(err, engine.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &serr):
		writeError(w, http.StatusInternalServerError, serr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, db.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "Username already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// AuthMiddleware verifies session tokens and stores the user in context
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		username, role, err := h.Auth.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUser, username)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireTeacher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(ctxRole).(string); role != "teacher" {
			writeError(w, http.StatusForbidden, "Teacher role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestUser(r *http.Request) (string, bool) {
	username, ok := r.Context().Value(ctxUser).(string)
	return username, ok && username != ""
}

// PlaceOrderRequest is the body for limit order submission
type PlaceOrderRequest struct {
	Side     string `json:"side" validate:"required,oneof=buy sell"`
	Price    int64  `json:"price" validate:"required,gt=0"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
}

// PlaceOrder submits a limit order for matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.Engine.SubmitOrder(r.Context(), chi.URLParam(r, "id"), models.Side(req.Side), username, req.Price, req.Quantity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// MarketTradeRequest is the body for a simple-mode trade
type MarketTradeRequest struct {
	Side     string `json:"side" validate:"required,oneof=buy sell"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
}

// MarketTrade executes a simple-mode trade against the instrument itself
func (h *Handler) MarketTrade(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req MarketTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.Engine.SubmitMarketTrade(r.Context(), chi.URLParam(r, "id"), models.Side(req.Side), username, req.Quantity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelOrder cancels a resting order and refunds its escrow
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	side := models.Side(r.URL.Query().Get("side"))
	err := h.Engine.CancelOrder(r.Context(), chi.URLParam(r, "id"), side, chi.URLParam(r, "orderID"), username)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order canceled"})
}

// ListInstruments returns all instruments with current prices
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Instruments())
}

// GetOrderBook returns both sides of one instrument's book
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	buys, sells, err := h.Engine.OrderBook(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buy_orders":  buys,
		"sell_orders": sells,
	})
}

// GetIndex returns the composite index: current value plus the historical
// series aligned to a reference instrument when "ref" is given.
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	basePoint := h.BasePoint
	if basePoint <= 0 {
		basePoint = index.DefaultBasePoint
	}

	resp := map[string]any{"value": h.Engine.IndexValue(basePoint)}
	if ref := r.URL.Query().Get("ref"); ref != "" {
		series, err := h.Engine.GetIndexSeries(ref, basePoint)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		resp["series"] = series
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccount returns the caller's balance and holdings
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	balance, err := h.Store.GetBalance(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve balance")
		return
	}

	holdings := make(map[string]models.Holding)
	for _, inst := range h.Engine.Instruments() {
		hld, ok, err := h.Store.GetHolding(r.Context(), username, inst.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to retrieve holdings")
			return
		}
		if ok {
			holdings[inst.ID] = hld
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"username": username,
		"balance":  balance,
		"holdings": holdings,
	})
}

// LevyTaxRequest is the body for an admin tax levy
type LevyTaxRequest struct {
	Username string `json:"username" validate:"required"`
	Income   int64  `json:"income" validate:"gte=0"`
}

// LevyTax computes progressive tax on the given income and debits it from
// the citizen's balance
func (h *Handler) LevyTax(w http.ResponseWriter, r *http.Request) {
	var req LevyTaxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owed := tax.Calculate(tax.DefaultBrackets, req.Income)
	if owed > 0 {
		if err := h.Store.Debit(r.Context(), req.Username, owed); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to collect tax: "+err.Error())
			return
		}
		if err := h.Store.RecordTransaction(r.Context(), models.Transaction{
			ID:        uuid.New(),
			UserID:    req.Username,
			Type:      models.TxTax,
			Amount:    -owed,
			CreatedAt: time.Now(),
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to record tax")
			return
		}
		if h.Hub != nil {
			h.Hub.Notify(req.Username, "Taxes collected")
		}
	}

	writeJSON(w, http.StatusOK, map[string]int64{"tax": owed})
}

// WebSocket attaches the caller to the notification hub. The token is
// passed as a query parameter since browsers cannot set headers on
// websocket upgrades.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	username, _, err := h.Auth.GetUserFromToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.Hub.Register(username, conn)

	// Hold the read side open until the client goes away; the hub owns
	// the write side.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
