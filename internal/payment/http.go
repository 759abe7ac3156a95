package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPGateway calls a remote provider exposing
//
//	POST /charges        (Idempotency-Key header)
//	GET  /charges/{key}
type HTTPGateway struct {
	client *resty.Client
}

type chargeBody struct {
	OrderID        string `json:"order_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	CardholderName string `json:"cardholder_name"`
	CardNumber     string `json:"card_number"`
	ExpMonth       string `json:"exp_month"`
	ExpYear        string `json:"exp_year"`
	CVC            string `json:"cvc"`
}

type chargeReply struct {
	Status    string `json:"status"` // succeeded | declined
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPGateway{client: c}
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	var reply chargeReply
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.Key).
		SetBody(chargeBody{
			OrderID:        req.OrderID,
			Amount:         req.Amount.StringFixed(2),
			Currency:       req.Currency,
			CardholderName: req.Instrument.CardholderName,
			CardNumber:     normalizePAN(req.Instrument.CardNumber),
			ExpMonth:       req.Instrument.ExpMonth,
			ExpYear:        req.Instrument.ExpYear,
			CVC:            req.Instrument.CVC,
		}).
		SetResult(&reply).
		SetError(&reply).
		Post("/charges")
	if err != nil {
		return Outcome{}, err
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusPaymentRequired:
		return reply.outcome()
	default:
		return Outcome{}, fmt.Errorf("provider answered %d", resp.StatusCode())
	}
}

func (g *HTTPGateway) Status(ctx context.Context, key string) (Outcome, bool, error) {
	var reply chargeReply
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("key", key).
		SetResult(&reply).
		Get("/charges/{key}")
	if err != nil {
		return Outcome{}, false, err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		out, err := reply.outcome()
		if err != nil {
			return Outcome{}, false, err
		}
		return out, true, nil
	case http.StatusNotFound:
		return Outcome{}, false, nil
	default:
		return Outcome{}, false, fmt.Errorf("provider answered %d", resp.StatusCode())
	}
}

func (r chargeReply) outcome() (Outcome, error) {
	switch r.Status {
	case "succeeded":
		return Success(r.Reference), nil
	case "declined":
		return Outcome{Status: Declined, Reference: r.Reference, Reason: r.Reason}, nil
	default:
		return Outcome{}, fmt.Errorf("provider status %q", r.Status)
	}
}
