// Package payment talks to the payment provider. The provider is a black box
// that either captures the amount or declines it; anything else (timeouts,
// transport errors, 5xx) is reported as an unknown outcome.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOutcomeUnknown means the provider may or may not have captured the
// charge. Callers must leave the order PENDING and let reconciliation decide.
var ErrOutcomeUnknown = errors.New("payment outcome unknown")

type Status string

const (
	Succeeded Status = "SUCCEEDED"
	Declined  Status = "DECLINED"
)

// Outcome is the terminal answer of the provider for one charge attempt.
type Outcome struct {
	Status    Status `json:"status"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (o Outcome) Succeeded() bool { return o.Status == Succeeded }

func Success(reference string) Outcome { return Outcome{Status: Succeeded, Reference: reference} }

func Decline(reason string) Outcome { return Outcome{Status: Declined, Reason: reason} }

type ChargeRequest struct {
	// Key identifies the attempt at the provider; retries with the same key
	// never capture twice.
	Key        string
	OrderID    string
	Amount     decimal.Decimal
	Currency   string
	Instrument Instrument
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Outcome, error)
	// Status reports what the provider knows about an attempt. found is false
	// when the provider never saw the key.
	Status(ctx context.Context, key string) (out Outcome, found bool, err error)
}

// Adapter bounds every provider call with a timeout and folds transport
// failures into ErrOutcomeUnknown.
type Adapter struct {
	Gateway  Gateway
	Timeout  time.Duration
	Currency string
}

func (a *Adapter) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	if req.Currency == "" {
		req.Currency = a.currency()
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	out, err := a.Gateway.Charge(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: charge %s: %v", ErrOutcomeUnknown, req.Key, err)
	}
	switch out.Status {
	case Succeeded, Declined:
		return out, nil
	default:
		return Outcome{}, fmt.Errorf("%w: charge %s: unexpected status %q", ErrOutcomeUnknown, req.Key, out.Status)
	}
}

func (a *Adapter) Status(ctx context.Context, key string) (Outcome, bool, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	return a.Gateway.Status(ctx, key)
}

func (a *Adapter) currency() string {
	if a.Currency == "" {
		return "EUR"
	}
	return a.Currency
}
