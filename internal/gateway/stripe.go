package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/settle/internal/apperr"
)

// StripeSignatureHeader is the header Stripe signs webhooks with.
const StripeSignatureHeader = "Stripe-Signature"

// StripeProvider drives Stripe PaymentIntents. The checkout reference handed
// to the buyer is the intent's client secret.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe adapter. backends may be nil to use
// the live Stripe API.
func NewStripeProvider(apiKey, webhookSecret string, backends *stripe.Backends) *StripeProvider {
	return &StripeProvider{
		api:           client.New(apiKey, backends),
		webhookSecret: webhookSecret,
	}
}

func (p *StripeProvider) Name() string            { return "stripe" }
func (p *StripeProvider) SignatureHeader() string { return StripeSignatureHeader }

func (p *StripeProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	if req.CustomerID != "" {
		params.AddMetadata("customer_id", req.CustomerID)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, ClassifyStripeError(err)
	}
	return &Charge{ExternalID: pi.ID, CheckoutURL: pi.ClientSecret}, nil
}

func (p *StripeProvider) LookupCharge(ctx context.Context, externalID string) (*Event, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(externalID, params)
	if err != nil {
		return nil, ClassifyStripeError(err)
	}
	return intentEvent(pi, intentStatus(pi)), nil
}

func (p *StripeProvider) Refund(ctx context.Context, externalID, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(externalID)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	r, err := p.api.Refunds.New(params)
	if err != nil {
		return "", ClassifyStripeError(err)
	}
	return r.ID, nil
}

func (p *StripeProvider) VerifySignature(raw []byte, header string) error {
	if p.webhookSecret == "" || header == "" {
		return apperr.E(apperr.KindInvalidSignature, "invalid webhook signature")
	}
	if err := webhook.ValidatePayload(raw, header, p.webhookSecret); err != nil {
		return apperr.Wrap(apperr.KindInvalidSignature, err, "invalid webhook signature")
	}
	return nil
}

func (p *StripeProvider) ParseEvent(raw []byte) (*Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, apperr.Validation("malformed event: %v", err)
	}

	var status EventStatus
	switch evt.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		status = EventCompleted
	case stripe.EventTypePaymentIntentCanceled:
		status = EventFailed
	case stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentProcessing,
		stripe.EventTypePaymentIntentCreated:
		// A failed attempt leaves the intent open: the buyer may retry it
		// with the same client secret until it succeeds or is canceled.
		status = EventPending
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, evt.Type)
	}

	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, apperr.Validation("event %s has no data", evt.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return nil, apperr.Validation("malformed payment intent: %v", err)
	}
	if pi.ID == "" {
		return nil, apperr.Validation("event %s has no payment intent id", evt.ID)
	}
	return intentEvent(&pi, status), nil
}

func intentEvent(pi *stripe.PaymentIntent, status EventStatus) *Event {
	return &Event{
		ExternalID: pi.ID,
		Status:     status,
		Amount:     pi.Amount,
		Currency:   strings.ToLower(string(pi.Currency)),
	}
}

func intentStatus(pi *stripe.PaymentIntent) EventStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return EventCompleted
	case stripe.PaymentIntentStatusCanceled:
		return EventFailed
	}
	return EventPending
}

// ClassifyStripeError turns client errors into declines so they are not
// retried. Rate limits, server errors and network failures stay transient.
func ClassifyStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		return Declined(se.Msg)
	case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode >= 500, se.HTTPStatusCode == 0:
		return err
	case se.HTTPStatusCode >= 400:
		return Declined(se.Msg)
	}
	return err
}
