package marketplace

import "errors"

// Kind classifies a failed operation so callers can branch without matching
// on messages.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindValidation
	KindExistence
	KindStateGuard
	KindBusinessRule
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindExistence:
		return "existence"
	case KindStateGuard:
		return "state_guard"
	case KindBusinessRule:
		return "business_rule"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Error is a domain failure. Every operation aborts with one of the package
// sentinels below (possibly wrapped), leaving state untouched.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrNotOwner = newError(KindAuthorization, "NotOwner", "caller is not the owner")
	ErrNotAdmin = newError(KindAuthorization, "NotAdmin", "caller is not an admin")

	ErrInvalidPrice   = newError(KindValidation, "InvalidPrice", "invalid price")
	ErrEmptyTitle     = newError(KindValidation, "EmptyTitle", "Empty title not allowed")
	ErrInvalidAddress = newError(KindValidation, "InvalidAddress", "Invalid address")
	ErrValueOverflow  = newError(KindValidation, "ValueOverflow", "value overflows custody")

	ErrListingNotFound = newError(KindExistence, "ListingNotFound", "Listing doesn't exist")
	ErrDealNotFound    = newError(KindExistence, "DealNotFound", "Deal doesn't exist")

	ErrListingNotActive = newError(KindStateGuard, "ListingNotActive", "Listing not active")
	ErrDealNotPending   = newError(KindStateGuard, "DealNotPending", "deal is not pending")
	ErrDealNotShipped   = newError(KindStateGuard, "DealNotShipped", "deal is not shipped")
	ErrDealNotDisputed  = newError(KindStateGuard, "DealNotDisputed", "deal is not disputed")

	ErrCannotBuyOwnItem    = newError(KindBusinessRule, "CannotBuyOwnItem", "seller cannot buy own item")
	ErrOnlySeller          = newError(KindBusinessRule, "OnlySeller", "Only seller")
	ErrOnlyBuyer           = newError(KindBusinessRule, "OnlyBuyer", "Only buyer")
	ErrOnlyBuyerOrSeller   = newError(KindBusinessRule, "OnlyBuyerOrSeller", "Only buyer or seller")
	ErrInsufficientBalance = newError(KindBusinessRule, "InsufficientBalance", "No balance to withdraw")

	ErrTransferFailed = newError(KindTransfer, "TransferFailed", "outbound transfer failed")
)

// KindOf returns the kind of the domain error wrapped in err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of the domain error wrapped in err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
