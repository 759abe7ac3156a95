package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	out   Outcome
	err   error
	delay time.Duration
}

func (s stubGateway) Charge(ctx context.Context, _ ChargeRequest) (Outcome, error) {
	if err := sleep(ctx, s.delay); err != nil {
		return Outcome{}, err
	}
	return s.out, s.err
}

func (s stubGateway) Status(context.Context, string) (Outcome, bool, error) {
	return s.out, s.err == nil, s.err
}

func TestAdapterPassesTerminalOutcomes(t *testing.T) {
	a := &Adapter{Gateway: stubGateway{out: Decline("insufficient_funds")}, Timeout: time.Second}
	out, err := a.Charge(context.Background(), ChargeRequest{Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, Declined, out.Status)
	assert.Equal(t, "insufficient_funds", out.Reason)
}

func TestAdapterTimeoutIsUnknownOutcome(t *testing.T) {
	a := &Adapter{Gateway: stubGateway{out: Success("r"), delay: time.Second}, Timeout: 20 * time.Millisecond}
	_, err := a.Charge(context.Background(), ChargeRequest{Key: "k1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutcomeUnknown))
}

func TestAdapterTransportErrorIsUnknownOutcome(t *testing.T) {
	a := &Adapter{Gateway: stubGateway{err: errors.New("connection reset")}}
	_, err := a.Charge(context.Background(), ChargeRequest{Key: "k1"})
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
}

func TestAdapterRejectsUnexpectedStatus(t *testing.T) {
	a := &Adapter{Gateway: stubGateway{out: Outcome{Status: "MAYBE"}}}
	_, err := a.Charge(context.Background(), ChargeRequest{Key: "k1"})
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
}

func TestSimulatedIsIdempotentPerKey(t *testing.T) {
	s := NewSimulated(SimulatedConfig{SuccessRate: 1})
	ctx := context.Background()

	first, err := s.Charge(ctx, ChargeRequest{Key: "attempt-1"})
	require.NoError(t, err)
	require.True(t, first.Succeeded())

	s.cfg.SuccessRate = 0
	again, err := s.Charge(ctx, ChargeRequest{Key: "attempt-1"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := s.Charge(ctx, ChargeRequest{Key: "attempt-2"})
	require.NoError(t, err)
	assert.Equal(t, Declined, other.Status)
}

func TestSimulatedLagCapturesBeforeCallerGivesUp(t *testing.T) {
	s := NewSimulated(SimulatedConfig{SuccessRate: 0, LagRate: 1, Lag: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Charge(ctx, ChargeRequest{Key: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	out, found, err := s.Status(context.Background(), "slow")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, out.Succeeded())

	_, found, _ = s.Status(context.Background(), "never-seen")
	assert.False(t, found)
}

func TestHTTPGateway(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]chargeReply{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/charges":
			var body chargeBody
			_ = json.NewDecoder(r.Body).Decode(&body)
			key := r.Header.Get("Idempotency-Key")
			reply := chargeReply{Status: "succeeded", Reference: "ref-" + key}
			code := http.StatusCreated
			if body.CardNumber != "4242424242424242" {
				reply = chargeReply{Status: "declined", Reason: "do_not_honor"}
				code = http.StatusPaymentRequired
			}
			seen[key] = reply
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(reply)
		case r.Method == http.MethodGet:
			reply, ok := seen[r.URL.Path[len("/charges/"):]]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(reply)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, time.Second)
	ctx := context.Background()

	out, err := g.Charge(ctx, ChargeRequest{Key: "a1", Amount: decimal.RequireFromString("10.50"), Instrument: validInstrument()})
	require.NoError(t, err)
	assert.Equal(t, Success("ref-a1"), out)

	bad := validInstrument()
	bad.CardNumber = "4000 0000 0000 0002"
	out, err = g.Charge(ctx, ChargeRequest{Key: "a2", Instrument: bad})
	require.NoError(t, err)
	assert.Equal(t, Declined, out.Status)
	assert.Equal(t, "do_not_honor", out.Reason)

	st, found, err := g.Status(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, st.Succeeded())

	_, found, err = g.Status(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHTTPGatewayServerErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := &Adapter{Gateway: NewHTTPGateway(srv.URL, time.Second)}
	_, err := a.Charge(context.Background(), ChargeRequest{Key: "x", Instrument: validInstrument()})
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
}
