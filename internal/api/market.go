package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/escrowmarket/internal/marketplace"
	"github.com/xtrntr/escrowmarket/internal/metrics"
	"github.com/xtrntr/escrowmarket/internal/models"
	"github.com/xtrntr/escrowmarket/internal/wallet"
)

type dealResponse struct {
	*models.Deal
	StatusName string `json:"status_name"`
}

func newDealResponse(d *models.Deal) dealResponse {
	return dealResponse{Deal: d, StatusName: d.Status.String()}
}

func callerAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "")
		return common.Address{}, false
	}
	return id.Address, true
}

// GetOwner returns the marketplace owner
func (h *Handler) GetOwner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]common.Address{"owner": h.Market.Owner()})
}

// GetCounters returns the next listing and deal ids
func (h *Handler) GetCounters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{
		"next_listing_id": h.Market.NextListingID(),
		"next_deal_id":    h.Market.NextDealID(),
	})
}

// GetCustody returns the value held by the marketplace
func (h *Handler) GetCustody(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]*uint256.Int{
		"custody":      h.Market.Custody(),
		"unattributed": h.Market.Unattributed(),
	})
}

// IsAdmin reports whether an address holds the admin role
func (h *Handler) IsAdmin(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":  addr,
		"is_admin": h.Market.IsAdmin(addr),
	})
}

// GrantAdmin gives an address the admin role (owner only)
func (h *Handler) GrantAdmin(w http.ResponseWriter, r *http.Request) {
	h.setAdmin(w, r, true)
}

// RevokeAdmin removes the admin role from an address (owner only)
func (h *Handler) RevokeAdmin(w http.ResponseWriter, r *http.Request) {
	h.setAdmin(w, r, false)
}

func (h *Handler) setAdmin(w http.ResponseWriter, r *http.Request, grant bool) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	addr, ok := parseAddress(w, r, "address")
	if !ok {
		return
	}
	op, fn := "revokeAdmin", h.Market.RevokeAdmin
	if grant {
		op, fn = "grantAdmin", h.Market.GrantAdmin
	}
	if err := fn(r.Context(), caller, addr); err != nil {
		h.writeMarketError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":  addr,
		"is_admin": grant,
	})
}

// GetListings returns all active listings
func (h *Handler) GetListings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Market.ActiveListings())
}

// GetListing returns a listing by id
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	l, found := h.Market.Listing(id)
	if !found {
		writeError(w, http.StatusNotFound, marketplace.ErrListingNotFound.Message, marketplace.ErrListingNotFound.Code)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CreateListing lists an item for sale with the caller as seller
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Price       string `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Price must be a non-negative decimal integer", "")
		return
	}

	listing, err := h.Market.ListItem(r.Context(), caller, req.Title, req.Description, price)
	if err != nil {
		h.writeMarketError(w, r, "listItem", err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// PurchaseListing buys a listing, paying the attached value from the
// caller's wallet into escrow
func (h *Handler) PurchaseListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Value must be a non-negative decimal integer", "")
		return
	}

	if !h.debit(w, r, caller, value) {
		return
	}
	deal, err := h.Market.PurchaseItem(r.Context(), caller, id, value)
	if err != nil {
		h.refund(r, caller, value)
		h.writeMarketError(w, r, "purchaseItem", err)
		return
	}
	writeJSON(w, http.StatusCreated, newDealResponse(deal))
}

// GetDeal returns a deal by id
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	d, found := h.Market.Deal(id)
	if !found {
		writeError(w, http.StatusNotFound, marketplace.ErrDealNotFound.Message, marketplace.ErrDealNotFound.Code)
		return
	}
	writeJSON(w, http.StatusOK, newDealResponse(d))
}

// GetLockedFunds returns the escrow held against a deal
func (h *Handler) GetLockedFunds(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deal_id": id,
		"amount":  h.Market.LockedFunds(id),
	})
}

// ShipDeal marks a deal as shipped (seller only)
func (h *Handler) ShipDeal(w http.ResponseWriter, r *http.Request) {
	h.dealAction(w, r, "markAsShipped", h.Market.MarkAsShipped)
}

// ConfirmDeal confirms receipt of a shipped deal (buyer only)
func (h *Handler) ConfirmDeal(w http.ResponseWriter, r *http.Request) {
	h.dealAction(w, r, "confirmReceipt", h.Market.ConfirmReceipt)
}

// CancelDeal cancels a pending deal (buyer or seller)
func (h *Handler) CancelDeal(w http.ResponseWriter, r *http.Request) {
	h.dealAction(w, r, "cancelDeal", h.Market.CancelDeal)
}

// DisputeDeal raises a dispute on a pending or shipped deal (buyer or seller)
func (h *Handler) DisputeDeal(w http.ResponseWriter, r *http.Request) {
	h.dealAction(w, r, "raiseDispute", h.Market.RaiseDispute)
}

// ResolveDeal settles a disputed deal (admin only)
func (h *Handler) ResolveDeal(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		FavorSeller *bool `json:"favor_seller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FavorSeller == nil {
		writeError(w, http.StatusBadRequest, "favor_seller required", "")
		return
	}
	if err := h.Market.ResolveDispute(r.Context(), caller, id, *req.FavorSeller); err != nil {
		h.writeMarketError(w, r, "resolveDispute", err)
		return
	}
	h.writeDeal(w, id)
}

func (h *Handler) dealAction(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, caller common.Address, dealID uint64) error) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	if err := fn(r.Context(), caller, id); err != nil {
		h.writeMarketError(w, r, op, err)
		return
	}
	h.writeDeal(w, id)
}

func (h *Handler) writeDeal(w http.ResponseWriter, id uint64) {
	d, _ := h.Market.Deal(id)
	writeJSON(w, http.StatusOK, newDealResponse(d))
}

// GetBalance returns the withdrawable balance of an address
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": addr,
		"balance": h.Market.Balance(addr),
	})
}

// Withdraw pays the caller's whole balance out to their wallet
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	amount, err := h.Market.WithdrawBalance(r.Context(), caller)
	if err != nil {
		h.writeMarketError(w, r, "withdrawBalance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": caller,
		"amount":  amount,
	})
}

// Deposit sends value to the marketplace without calling an operation. The
// value is held but credited to nobody.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req struct {
		Value string `json:"value"`
		Data  string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Value must be a non-negative decimal integer", "")
		return
	}
	data, err := hex.DecodeString(strings.TrimPrefix(req.Data, "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Data must be hex encoded", "")
		return
	}

	if !h.debit(w, r, caller, value) {
		return
	}
	if err := h.Market.Deposit(r.Context(), caller, value, data); err != nil {
		h.refund(r, caller, value)
		h.writeMarketError(w, r, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"custody":      h.Market.Custody(),
		"unattributed": h.Market.Unattributed(),
	})
}

// GetMyDeals returns the deals where the caller is buyer or seller
func (h *Handler) GetMyDeals(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	deals := h.Market.DealsOf(caller)
	out := make([]dealResponse, 0, len(deals))
	for _, d := range deals {
		out = append(out, newDealResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMyWallet returns the caller's external funds and marketplace balance
func (h *Handler) GetMyWallet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": caller,
		"wallet":  h.Wallets.Balance(caller),
		"balance": h.Market.Balance(caller),
	})
}

// GetEvents pages through the committed event log
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "Event log unavailable", "")
		return
	}
	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid after", "")
			return
		}
		after = v
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", "")
			return
		}
		limit = v
	}

	events, err := h.Events.GetEvents(r.Context(), after, limit)
	if err != nil {
		h.Logger.Error("failed to read events", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read events", "")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// debit takes attached value from the caller's wallet
func (h *Handler) debit(w http.ResponseWriter, r *http.Request, caller common.Address, value *uint256.Int) bool {
	if value.IsZero() {
		return true
	}
	if err := h.Wallets.Debit(r.Context(), caller, value); err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			writeError(w, http.StatusUnprocessableEntity, "Insufficient wallet funds", "InsufficientFunds")
			return false
		}
		h.Logger.Error("failed to debit wallet", "address", caller.Hex(), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", "")
		return false
	}
	return true
}

// refund returns attached value after the marketplace rejected the call
func (h *Handler) refund(r *http.Request, caller common.Address, value *uint256.Int) {
	if value.IsZero() {
		return
	}
	// Refund even if the client has gone away.
	if err := h.Wallets.Fund(context.WithoutCancel(r.Context()), caller, value); err != nil {
		metrics.RefundFailed()
		h.Logger.Error("failed to refund wallet",
			"address", caller.Hex(), "amount", value.Dec(), "path", r.URL.Path, "reconcile", true, "error", err)
	}
}
