package withdrawals

import (
	"context"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/settle/internal/gateway"
	"github.com/mbd888/settle/internal/idgen"
)

// StripePayouts sends withdrawals as Stripe Connect transfers to the
// seller's connected account (the destination, "acct_...").
type StripePayouts struct {
	api *client.API
}

// NewStripePayouts creates a Stripe payout adapter. backends may be nil to
// use the live Stripe API.
func NewStripePayouts(apiKey string, backends *stripe.Backends) *StripePayouts {
	return &StripePayouts{api: client.New(apiKey, backends)}
}

func (p *StripePayouts) Name() string { return "stripe" }

func (p *StripePayouts) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if req.Method != MethodStripeConnect {
		return nil, gateway.Declined("stripe payouts only support " + string(MethodStripeConnect))
	}
	if !strings.HasPrefix(req.Destination, "acct_") {
		return nil, gateway.Declined("destination is not a connected account")
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.WithdrawalID),
	}
	params.Context = ctx
	params.AddMetadata("withdrawal_id", req.WithdrawalID)
	params.AddMetadata("user_id", req.UserID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	tr, err := p.api.Transfers.New(params)
	if err != nil {
		return nil, gateway.ClassifyStripeError(err)
	}
	if tr.Reversed {
		return &PayoutResult{State: PayoutFailed, ExternalRef: tr.ID, Reason: "transfer reversed"}, nil
	}
	return &PayoutResult{State: PayoutCompleted, ExternalRef: tr.ID}, nil
}

// SandboxPayouts simulates a payout rail. Results are remembered per
// idempotency key. Destinations starting with "decline" are refused;
// SetState switches between instant completion and asynchronous results.
type SandboxPayouts struct {
	mu       sync.Mutex
	state    PayoutState
	failures []error
	results  map[string]*PayoutResult
	calls    int
}

// NewSandboxPayouts creates a sandbox that completes payouts at once.
func NewSandboxPayouts() *SandboxPayouts {
	return &SandboxPayouts{state: PayoutCompleted, results: make(map[string]*PayoutResult)}
}

// SetState sets the result of new payouts.
func (s *SandboxPayouts) SetState(state PayoutState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// FailNext makes the next calls fail with errs, in order.
func (s *SandboxPayouts) FailNext(errs ...error) {
	s.mu.Lock()
	s.failures = append(s.failures, errs...)
	s.mu.Unlock()
}

// Calls returns how many payout calls were made.
func (s *SandboxPayouts) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *SandboxPayouts) Name() string { return "sandbox" }

func (s *SandboxPayouts) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	if r, ok := s.results[req.IdempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}
	if strings.HasPrefix(req.Destination, "decline") {
		return nil, gateway.Declined("destination " + req.Destination + " rejected")
	}

	r := &PayoutResult{State: s.state, ExternalRef: "sbx_po_" + idgen.WithPrefix("")}
	s.results[req.IdempotencyKey] = r
	cp := *r
	return &cp, nil
}
