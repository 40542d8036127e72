package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/escrowmarket/internal/auth"
	"github.com/xtrntr/escrowmarket/internal/db"
	"github.com/xtrntr/escrowmarket/internal/marketplace"
	"github.com/xtrntr/escrowmarket/internal/models"
	"github.com/xtrntr/escrowmarket/internal/wallet"
)

const (
	testSecret = "test-secret"
	testPrice  = "1000000000000000000"
)

// memStore keeps users in memory with the users table's uniqueness rules
type memStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memStore) CreateUser(_ context.Context, username, passwordHash string, address common.Address) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, fmt.Errorf("failed to create user %q: %w", username, db.ErrDuplicate)
	}
	u := &models.User{ID: len(m.users) + 1, Username: username, PasswordHash: passwordHash, Address: address, CreatedAt: time.Now()}
	m.users[username] = u
	return u, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("failed to get user %q: %w", username, db.ErrNotFound)
	}
	return u, nil
}

// eventLog records emitted events and serves them like the events table
type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) Emit(ev models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Seq = uint64(len(l.events) + 1)
	l.events = append(l.events, ev)
}

func (l *eventLog) GetEvents(_ context.Context, after uint64, limit int) ([]models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []models.Event{}
	for _, ev := range l.events {
		if ev.Seq > after && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type testServer struct {
	router  chi.Router
	handler *Handler
	auth    *auth.AuthService
	market  *marketplace.Marketplace
	wallets *wallet.Book
	owner   *models.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authService := auth.NewAuthService(&memStore{users: make(map[string]*models.User)}, testSecret, time.Hour)
	owner, err := authService.EnsureUser(ctx, "owner", "ownerpass")
	require.NoError(t, err)

	market, err := marketplace.New(owner.Address)
	require.NoError(t, err)
	wallets := wallet.NewBook(nil, nil)
	market.SetTransferer(wallets)
	events := &eventLog{}
	market.SetEmitter(events)
	market.SetLogger(logger)

	h := NewHandler(market, authService, wallets, events, logger)
	h.Faucet = uint256.MustFromDecimal("5000000000000000000")

	return &testServer{
		router:  NewRouter(h, RouterOptions{RateLimitRPS: 1000, RateLimitBurst: 1000}),
		handler: h,
		auth:    authService,
		market:  market,
		wallets: wallets,
		owner:   owner,
	}
}

// signup registers a user through the API and returns it with a token
func (s *testServer) signup(t *testing.T, username string) (common.Address, string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/auth/register", "", map[string]string{"username": username, "password": "password123"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Address common.Address `json:"address"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	token, err := s.auth.Login(context.Background(), username, "password123")
	require.NoError(t, err)
	return created.Address, token
}

func (s *testServer) ownerToken(t *testing.T) string {
	t.Helper()
	token, err := s.auth.IssueToken(s.owner)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// listItem creates a listing through the API and returns its id
func (s *testServer) listItem(t *testing.T, token string) uint64 {
	t.Helper()
	w := s.do(t, http.MethodPost, "/listings", token, map[string]string{
		"title": "Vintage camera", "description": "Works fine", "price": testPrice,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var l struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &l))
	return l.ID
}

func (s *testServer) purchase(t *testing.T, token string, listingID uint64) uint64 {
	t.Helper()
	w := s.do(t, http.MethodPost, fmt.Sprintf("/listings/%d/purchase", listingID), token, map[string]string{"value": testPrice})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var d struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	return d.ID
}

func TestHandler_Register(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing Password",
			requestBody:    map[string]interface{}{"username": "testuser"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Username and password required",
		},
		{
			name:           "Duplicate Username",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "other"},
			expectedStatus: http.StatusConflict,
			expectedError:  "Username already taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)

			response := decode(t, w)
			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, response["error"])
				return
			}
			assert.Equal(t, "testuser", response["username"])
			assert.NotEmpty(t, response["address"])
		})
	}
}

func TestHandler_RegisterFundsWallet(t *testing.T) {
	s := newTestServer(t)
	addr, _ := s.signup(t, "alice")
	assert.Equal(t, "5000000000000000000", s.wallets.Balance(addr).Dec())
}

func TestHandler_Login(t *testing.T) {
	s := newTestServer(t)
	s.signup(t, "testuser")

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectToken    bool
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "password123"},
			expectedStatus: http.StatusOK,
			expectToken:    true,
		},
		{
			name:           "Invalid Credentials",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "wrongpass"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Unknown User",
			requestBody:    map[string]interface{}{"username": "nobody", "password": "password123"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/auth/login", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)

			response := decode(t, w)
			if tt.expectToken {
				assert.NotEmpty(t, response["token"])
			} else {
				assert.Contains(t, response, "error")
			}
		})
	}
}

func TestHandler_ProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "Missing", token: ""},
		{name: "Garbage", token: "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/listings", tt.token, map[string]string{"title": "x", "price": "1"})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			w = s.do(t, http.MethodPost, "/balance/withdraw", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestHandler_PublicReads(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/owner", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var owner struct {
		Owner common.Address `json:"owner"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &owner))
	assert.Equal(t, s.owner.Address, owner.Owner)

	w = s.do(t, http.MethodGet, "/admins/"+s.owner.Address.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["is_admin"])

	w = s.do(t, http.MethodGet, "/counters", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	counters := decode(t, w)
	assert.Equal(t, float64(1), counters["next_listing_id"])
	assert.Equal(t, float64(1), counters["next_deal_id"])

	w = s.do(t, http.MethodGet, "/admins/not-an-address", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidAddress", decode(t, w)["code"])

	w = s.do(t, http.MethodGet, "/listings/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_FullDealFlow(t *testing.T) {
	s := newTestServer(t)
	seller, sellerToken := s.signup(t, "seller")
	buyer, buyerToken := s.signup(t, "buyer")

	listingID := s.listItem(t, sellerToken)
	assert.Equal(t, uint64(1), listingID)

	w := s.do(t, http.MethodGet, "/listings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active []models.Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, seller, active[0].Seller)

	dealID := s.purchase(t, buyerToken, listingID)
	assert.Equal(t, "4000000000000000000", s.wallets.Balance(buyer).Dec())

	w = s.do(t, http.MethodGet, fmt.Sprintf("/deals/%d/locked", dealID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testPrice, decode(t, w)["amount"])

	w = s.do(t, http.MethodPost, fmt.Sprintf("/deals/%d/ship", dealID), sellerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "SHIPPED", decode(t, w)["status_name"])

	w = s.do(t, http.MethodPost, fmt.Sprintf("/deals/%d/confirm", dealID), buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", decode(t, w)["status_name"])

	w = s.do(t, http.MethodGet, "/balances/"+seller.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testPrice, decode(t, w)["balance"])

	w = s.do(t, http.MethodPost, "/balance/withdraw", sellerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, testPrice, decode(t, w)["amount"])
	assert.Equal(t, "6000000000000000000", s.wallets.Balance(seller).Dec())
	assert.True(t, s.market.Custody().IsZero())

	w = s.do(t, http.MethodPost, "/balance/withdraw", sellerToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "InsufficientBalance", decode(t, w)["code"])

	w = s.do(t, http.MethodGet, "/me/deals", buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mine []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, "COMPLETED", mine[0]["status_name"])

	w = s.do(t, http.MethodGet, "/events?after=1&limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []models.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, models.EventDealCreated, events[0].Type)
	assert.Equal(t, models.EventItemShipped, events[1].Type)
}

func TestHandler_DisputeResolution(t *testing.T) {
	s := newTestServer(t)
	admin, adminToken := s.signup(t, "admin")
	_, sellerToken := s.signup(t, "seller")
	buyer, buyerToken := s.signup(t, "buyer")

	dealID := s.purchase(t, buyerToken, s.listItem(t, sellerToken))

	w := s.do(t, http.MethodPost, fmt.Sprintf("/deals/%d/dispute", dealID), buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "DISPUTED", decode(t, w)["status_name"])

	w = s.do(t, http.MethodPost, fmt.Sprintf("/deals/%d/resolve", dealID), adminToken, map[string]bool{"favor_seller": false})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NotAdmin", decode(t, w)["code"])

	w = s.do(t, http.MethodPost, "/admins/"+admin.Hex(), sellerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NotOwner", decode(t, w)["code"])

	w = s.do(t, http.MethodPost, "/admins/"+admin.Hex(), s.ownerToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, s.market.IsAdmin(admin))

	w = s.do(t, http.MethodPost, fmt.Sprintf("/deals/%d/resolve", dealID), adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/deals/%d/resolve", dealID), adminToken, map[string]bool{"favor_seller": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "RESOLVED", decode(t, w)["status_name"])
	assert.Equal(t, testPrice, s.market.Balance(buyer).Dec())

	w = s.do(t, http.MethodDelete, "/admins/"+admin.Hex(), s.ownerToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.market.IsAdmin(admin))
}

func TestHandler_MarketErrorStatus(t *testing.T) {
	s := newTestServer(t)
	_, sellerToken := s.signup(t, "seller")
	_, buyerToken := s.signup(t, "buyer")
	_, otherToken := s.signup(t, "other")
	listingID := s.listItem(t, sellerToken)
	dealID := s.purchase(t, buyerToken, listingID)
	spare := s.listItem(t, sellerToken)

	tests := []struct {
		name           string
		method         string
		path           string
		token          string
		body           interface{}
		expectedStatus int
		expectedCode   string
	}{
		{
			name: "Zero price", method: http.MethodPost, path: "/listings", token: sellerToken,
			body:           map[string]string{"title": "Free", "price": "0"},
			expectedStatus: http.StatusBadRequest, expectedCode: "InvalidPrice",
		},
		{
			name: "Empty title", method: http.MethodPost, path: "/listings", token: sellerToken,
			body:           map[string]string{"title": "", "price": "1"},
			expectedStatus: http.StatusBadRequest, expectedCode: "EmptyTitle",
		},
		{
			name: "Unknown listing", method: http.MethodPost, path: "/listings/99/purchase", token: buyerToken,
			body:           map[string]string{"value": testPrice},
			expectedStatus: http.StatusNotFound, expectedCode: "ListingNotFound",
		},
		{
			name: "Sold listing", method: http.MethodPost, path: fmt.Sprintf("/listings/%d/purchase", listingID), token: otherToken,
			body:           map[string]string{"value": testPrice},
			expectedStatus: http.StatusConflict, expectedCode: "ListingNotActive",
		},
		{
			name: "Wrong value", method: http.MethodPost, path: fmt.Sprintf("/listings/%d/purchase", spare), token: buyerToken,
			body:           map[string]string{"value": "1"},
			expectedStatus: http.StatusBadRequest, expectedCode: "InvalidPrice",
		},
		{
			name: "Own item", method: http.MethodPost, path: fmt.Sprintf("/listings/%d/purchase", spare), token: sellerToken,
			body:           map[string]string{"value": testPrice},
			expectedStatus: http.StatusUnprocessableEntity, expectedCode: "CannotBuyOwnItem",
		},
		{
			name: "Ship by buyer", method: http.MethodPost, path: fmt.Sprintf("/deals/%d/ship", dealID), token: buyerToken,
			expectedStatus: http.StatusUnprocessableEntity, expectedCode: "OnlySeller",
		},
		{
			name: "Confirm before shipping", method: http.MethodPost, path: fmt.Sprintf("/deals/%d/confirm", dealID), token: buyerToken,
			expectedStatus: http.StatusConflict, expectedCode: "DealNotShipped",
		},
		{
			name: "Cancel by stranger", method: http.MethodPost, path: fmt.Sprintf("/deals/%d/cancel", dealID), token: otherToken,
			expectedStatus: http.StatusUnprocessableEntity, expectedCode: "OnlyBuyerOrSeller",
		},
		{
			name: "Unknown deal", method: http.MethodPost, path: "/deals/42/ship", token: sellerToken,
			expectedStatus: http.StatusNotFound, expectedCode: "DealNotFound",
		},
		{
			name: "Read unknown deal", method: http.MethodGet, path: "/deals/42",
			expectedStatus: http.StatusNotFound, expectedCode: "DealNotFound",
		},
		{
			name: "Read unknown listing", method: http.MethodGet, path: "/listings/42",
			expectedStatus: http.StatusNotFound, expectedCode: "ListingNotFound",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.expectedCode, decode(t, w)["code"])
		})
	}
}

func TestHandler_PurchaseRefundsWalletOnFailure(t *testing.T) {
	s := newTestServer(t)
	_, sellerToken := s.signup(t, "seller")
	buyer, buyerToken := s.signup(t, "buyer")
	listingID := s.listItem(t, sellerToken)

	w := s.do(t, http.MethodPost, fmt.Sprintf("/listings/%d/purchase", listingID), buyerToken, map[string]string{"value": "2000000000000000000"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "5000000000000000000", s.wallets.Balance(buyer).Dec())
	assert.True(t, s.market.Custody().IsZero())
}

func TestHandler_PurchaseInsufficientWallet(t *testing.T) {
	s := newTestServer(t)
	_, sellerToken := s.signup(t, "seller")
	_, buyerToken := s.signup(t, "buyer")
	listingID := s.listItem(t, sellerToken)

	w := s.do(t, http.MethodPost, fmt.Sprintf("/listings/%d/purchase", listingID), buyerToken, map[string]string{"value": "6000000000000000000"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "InsufficientFunds", decode(t, w)["code"])
	l, ok := s.market.Listing(listingID)
	require.True(t, ok)
	assert.True(t, l.IsActive)
}

func TestHandler_Deposit(t *testing.T) {
	s := newTestServer(t)
	user, token := s.signup(t, "alice")

	w := s.do(t, http.MethodPost, "/deposit", token, map[string]string{"value": "250", "data": "0xdeadbeef"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	response := decode(t, w)
	assert.Equal(t, "250", response["custody"])
	assert.Equal(t, "250", response["unattributed"])
	assert.True(t, s.market.Balance(user).IsZero())
	assert.Equal(t, "4999999999999999750", s.wallets.Balance(user).Dec())

	w = s.do(t, http.MethodPost, "/deposit", token, map[string]string{"value": "1", "data": "zz"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/me/wallet", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4999999999999999750", decode(t, w)["wallet"])
}

func TestHandler_EventsUnavailable(t *testing.T) {
	s := newTestServer(t)
	s.handler.Events = nil

	w := s.do(t, http.MethodGet, "/events", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_EventsRejectsBadQuery(t *testing.T) {
	s := newTestServer(t)

	for _, q := range []string{"after=x", "limit=0", "limit=-3"} {
		w := s.do(t, http.MethodGet, "/events?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewRateLimiter(1, 2)
	l.clockNow = func() time.Time { return now }

	assert.True(t, l.allow("ip:a"))
	assert.True(t, l.allow("ip:a"))
	assert.False(t, l.allow("ip:a"))
	assert.True(t, l.allow("ip:b"))

	now = now.Add(time.Second)
	assert.True(t, l.allow("ip:a"))

	now = now.Add(time.Hour)
	l.allow("ip:c")
	l.mu.Lock()
	assert.Len(t, l.visitors, 1)
	l.mu.Unlock()
}

func TestRouter_RateLimit(t *testing.T) {
	s := newTestServer(t)
	router := NewRouter(s.handler, RouterOptions{RateLimitRPS: 0.001, RateLimitBurst: 2})

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/owner", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// health checks bypass the limiter
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RateLimitIgnoresForwardingHeaders(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		trustProxy bool
		lastStatus int
	}{
		{name: "Untrusted", trustProxy: false, lastStatus: http.StatusTooManyRequests},
		{name: "BehindProxy", trustProxy: true, lastStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(s.handler, RouterOptions{RateLimitRPS: 0.001, RateLimitBurst: 2, TrustProxy: tt.trustProxy})

			var codes []int
			for i := 0; i < 3; i++ {
				req := httptest.NewRequest(http.MethodGet, "/owner", nil)
				req.Header.Set("X-Real-IP", fmt.Sprintf("10.0.0.%d", i+1))
				w := httptest.NewRecorder()
				router.ServeHTTP(w, req)
				codes = append(codes, w.Code)
			}
			assert.Equal(t, []int{http.StatusOK, http.StatusOK, tt.lastStatus}, codes)
		})
	}
}

// walletStore accepts the first okCalls writes and rejects the rest.
type walletStore struct {
	okCalls int
	calls   int
}

func (w *walletStore) SetWallet(context.Context, common.Address, *uint256.Int) error {
	w.calls++
	if w.calls > w.okCalls {
		return errors.New("wallet store unavailable")
	}
	return nil
}

func TestHandler_PurchaseReportsFailedRefund(t *testing.T) {
	s := newTestServer(t)
	_, sellerToken := s.signup(t, "seller")
	buyer, buyerToken := s.signup(t, "buyer")
	listingID := s.listItem(t, sellerToken)

	store := &walletStore{okCalls: 1}
	s.handler.Wallets = wallet.NewBook(store, map[common.Address]*uint256.Int{
		buyer: uint256.MustFromDecimal("5000000000000000000"),
	})
	var logs bytes.Buffer
	s.handler.Logger = slog.New(slog.NewJSONHandler(&logs, nil))

	w := s.do(t, http.MethodPost, fmt.Sprintf("/listings/%d/purchase", listingID), buyerToken, map[string]string{"value": "2000000000000000000"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidPrice", decode(t, w)["code"])
	assert.Equal(t, 2, store.calls)

	// The debit stuck and the refund did not; the log line carries what to
	// reconcile.
	assert.Equal(t, "3000000000000000000", s.handler.Wallets.Balance(buyer).Dec())
	assert.True(t, s.market.Custody().IsZero())
	line := logs.String()
	assert.True(t, strings.Contains(line, "failed to refund wallet"), line)
	assert.True(t, strings.Contains(line, "2000000000000000000"), line)
	assert.True(t, strings.Contains(line, `"reconcile":true`), line)
}
