package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/xtrntr/escrowmarket/internal/auth"
	"github.com/xtrntr/escrowmarket/internal/db"
	"github.com/xtrntr/escrowmarket/internal/marketplace"
	"github.com/xtrntr/escrowmarket/internal/models"
	"github.com/xtrntr/escrowmarket/internal/wallet"
)

// EventLog serves committed events back to clients
type EventLog interface {
	GetEvents(ctx context.Context, after uint64, limit int) ([]models.Event, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Market      *marketplace.Marketplace
	AuthService *auth.AuthService
	Wallets     *wallet.Book
	Events      EventLog
	// Faucet is credited to the wallet of every newly registered user.
	Faucet *uint256.Int
	Logger *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(market *marketplace.Marketplace, authService *auth.AuthService, wallets *wallet.Book, events EventLog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Market:      market,
		AuthService: authService,
		Wallets:     wallets,
		Events:      events,
		Faucet:      new(uint256.Int),
		Logger:      logger,
	}
}

type ctxKey int

const identityKey ctxKey = iota

// IdentityFrom returns the authenticated caller stored by JWTAuthMiddleware
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*auth.Identity)
	return id, ok
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required", "")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error(), "")
		case errors.Is(err, db.ErrDuplicate):
			writeError(w, http.StatusConflict, "Username already taken", "")
		default:
			h.Logger.Error("failed to register user", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to register user", "")
		}
		return
	}

	if h.Faucet != nil && !h.Faucet.IsZero() {
		if err := h.Wallets.Fund(r.Context(), user.Address, h.Faucet); err != nil {
			h.Logger.Error("failed to fund new wallet", "address", user.Address.Hex(), "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"address":  user.Address,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.Logger.Error("login failed", "username", req.Username, "error", err)
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required", "")
			return
		}

		// Remove "Bearer " prefix if present
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		identity, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", "")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// statusFor maps the kind of a marketplace failure to an HTTP status
func statusFor(kind marketplace.Kind) int {
	switch kind {
	case marketplace.KindAuthorization:
		return http.StatusForbidden
	case marketplace.KindValidation:
		return http.StatusBadRequest
	case marketplace.KindExistence:
		return http.StatusNotFound
	case marketplace.KindStateGuard:
		return http.StatusConflict
	case marketplace.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case marketplace.KindTransfer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeMarketError reports a failed marketplace operation
func (h *Handler) writeMarketError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := marketplace.KindOf(err)
	if kind == marketplace.KindUnknown {
		h.Logger.Error("marketplace operation failed", "op", op, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", "")
		return
	}
	var domainErr *marketplace.Error
	errors.As(err, &domainErr)
	writeError(w, statusFor(kind), domainErr.Message, domainErr.Code)
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param, "")
		return 0, false
	}
	return id, true
}

func parseAddress(w http.ResponseWriter, r *http.Request, param string) (common.Address, bool) {
	raw := chi.URLParam(r, param)
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, marketplace.ErrInvalidAddress.Message, marketplace.ErrInvalidAddress.Code)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// parseAmount reads a non-negative decimal amount; an empty string is zero
func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}
