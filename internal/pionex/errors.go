package pionex

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRateLimited marks a call abandoned while still throttled, which
// only happens when the caller's context expires during backoff.
var ErrRateLimited = errors.New("rate limited by exchange")

// APIError is a business-level rejection: the exchange answered HTTP 200
// with result=false and a code/message pair.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange rejected: %s %s", e.Code, e.Message)
}

// InsufficientFunds reports whether the rejection indicates the account
// cannot fund the order. The engine halts new entries on this.
func (e *APIError) InsufficientFunds() bool {
	probe := strings.ToUpper(e.Code + " " + e.Message)
	return strings.Contains(probe, "INSUFFICIENT") || strings.Contains(probe, "NOT_ENOUGH") || strings.Contains(probe, "BALANCE_NOT_ENOUGH")
}

// StatusError is a non-retryable HTTP failure (4xx other than 429).
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseError marks a 2xx response that is missing an expected field.
type ParseError struct {
	Endpoint string
	Field    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: response missing %s", e.Endpoint, e.Field)
}

// ConstraintError is a locally detected trading-rule violation; the
// order it describes was never sent to the exchange.
type ConstraintError struct {
	Symbol string
	Reason string
	Value  float64
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: %s (%.10g)", e.Symbol, e.Reason, e.Value)
}

// IsConstraint reports whether err carries a ConstraintError anywhere in
// its chain.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsRejection extracts a business-level rejection from err.
func IsRejection(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
