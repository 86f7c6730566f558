package types

import "errors"

// RejectReason is the stable machine-readable code attached to every
// rejection the engine produces.
type RejectReason string

const (
	RejectValidation          RejectReason = "VALIDATION_ERROR"
	RejectRateLimit           RejectReason = "RATE_LIMIT_EXCEEDED"
	RejectMaxOrderValue       RejectReason = "MAX_ORDER_VALUE_EXCEEDED"
	RejectInsufficientBalance RejectReason = "INSUFFICIENT_BALANCE"
	RejectInsufficientShares  RejectReason = "INSUFFICIENT_SHARES"
	RejectMaxPositionSize     RejectReason = "MAX_POSITION_SIZE_EXCEEDED"
	RejectProcessingError     RejectReason = "PROCESSING_ERROR"
	RejectNotFound            RejectReason = "NOT_FOUND"
	RejectUnauthorized        RejectReason = "UNAUTHORIZED"
)

// Reject is the typed error for every user-visible rejection. Callers match
// on Reason; Message is the human explanation.
type Reject struct {
	Reason  RejectReason
	Message string
}

// NewReject builds a Reject error.
func NewReject(reason RejectReason, message string) *Reject {
	return &Reject{Reason: reason, Message: message}
}

// Error implements the error interface.
func (r *Reject) Error() string {
	return string(r.Reason) + ": " + r.Message
}

// AsReject unwraps err into a *Reject if it is one.
func AsReject(err error) (*Reject, bool) {
	var r *Reject
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
