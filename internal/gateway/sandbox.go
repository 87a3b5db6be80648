package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/security"
)

// SandboxSignatureHeader carries the hex HMAC-SHA256 of a sandbox webhook.
const SandboxSignatureHeader = "X-Settle-Signature"

// Sandbox event types.
const (
	SandboxEventCompleted = "payment.completed"
	SandboxEventFailed    = "payment.failed"
	SandboxEventPending   = "payment.pending"
)

// SandboxEvent is the webhook body the sandbox processor sends.
type SandboxEvent struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Created int64            `json:"created"`
	Data    SandboxEventData `json:"data"`
}

// SandboxEventData describes the charge an event is about.
type SandboxEventData struct {
	ExternalID string `json:"external_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

type sandboxCharge struct {
	req       ChargeRequest
	status    EventStatus
	refundRef string
}

// SandboxProvider is an in-process hosted-checkout simulator for
// development and tests. Charges stay pending until Settle is called.
type SandboxProvider struct {
	secret      string
	checkoutURL string

	mu      sync.Mutex
	charges map[string]*sandboxCharge
	byKey   map[string]string // idempotency key -> external ID
	refunds map[string]string // idempotency key -> refund ref
}

// NewSandboxProvider creates a sandbox signing webhooks with secret.
// checkoutBase prefixes the checkout URLs it hands out.
func NewSandboxProvider(secret, checkoutBase string) *SandboxProvider {
	if checkoutBase == "" {
		checkoutBase = "https://sandbox.settle.local/checkout"
	}
	return &SandboxProvider{
		secret:      secret,
		checkoutURL: strings.TrimRight(checkoutBase, "/"),
		charges:     make(map[string]*sandboxCharge),
		byKey:       make(map[string]string),
		refunds:     make(map[string]string),
	}
}

func (s *SandboxProvider) Name() string            { return "sandbox" }
func (s *SandboxProvider) SignatureHeader() string { return SandboxSignatureHeader }

func (s *SandboxProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &Charge{ExternalID: id, CheckoutURL: s.checkoutURL + "/" + id}, nil
	}
	id := "sbx_ch_" + idgen.WithPrefix("")
	s.charges[id] = &sandboxCharge{req: req, status: EventPending}
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = id
	}
	return &Charge{ExternalID: id, CheckoutURL: s.checkoutURL + "/" + id}, nil
}

func (s *SandboxProvider) LookupCharge(ctx context.Context, externalID string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.charges[externalID]
	if !ok {
		return nil, apperr.NotFound("charge %s not found", externalID)
	}
	return &Event{
		ExternalID: externalID,
		Status:     ch.status,
		Amount:     ch.req.Amount,
		Currency:   ch.req.Currency,
	}, nil
}

func (s *SandboxProvider) Refund(ctx context.Context, externalID, idempotencyKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.refunds[idempotencyKey]; ok {
		return ref, nil
	}
	ch, ok := s.charges[externalID]
	if !ok {
		return "", Declined("no such charge " + externalID)
	}
	if ch.status != EventCompleted {
		return "", Declined("charge " + externalID + " is not captured")
	}
	ch.refundRef = "sbx_re_" + idgen.WithPrefix("")
	s.refunds[idempotencyKey] = ch.refundRef
	return ch.refundRef, nil
}

func (s *SandboxProvider) VerifySignature(raw []byte, header string) error {
	if !security.VerifyPayload(s.secret, raw, header) {
		return apperr.E(apperr.KindInvalidSignature, "invalid webhook signature")
	}
	return nil
}

func (s *SandboxProvider) ParseEvent(raw []byte) (*Event, error) {
	var evt SandboxEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, apperr.Validation("malformed event: %v", err)
	}
	if evt.Data.ExternalID == "" {
		return nil, apperr.Validation("event has no external_id")
	}
	var status EventStatus
	switch evt.Type {
	case SandboxEventCompleted:
		status = EventCompleted
	case SandboxEventFailed:
		status = EventFailed
	case SandboxEventPending:
		status = EventPending
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, evt.Type)
	}
	return &Event{
		ExternalID: evt.Data.ExternalID,
		Status:     status,
		Amount:     evt.Data.Amount,
		Currency:   strings.ToLower(evt.Data.Currency),
	}, nil
}

// Settle simulates the buyer finishing (or abandoning) checkout.
func (s *SandboxProvider) Settle(externalID string, status EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.charges[externalID]
	if !ok {
		return apperr.NotFound("charge %s not found", externalID)
	}
	if ch.status != EventPending && ch.status != status {
		return apperr.Conflict("charge %s already %s", externalID, ch.status)
	}
	ch.status = status
	return nil
}

// SignedEvent builds a webhook body for a charge together with its
// signature header value. amount overrides the charged amount when > 0.
func (s *SandboxProvider) SignedEvent(externalID string, status EventStatus, amount int64) (raw []byte, signature string, err error) {
	s.mu.Lock()
	ch, ok := s.charges[externalID]
	s.mu.Unlock()
	if !ok {
		return nil, "", errors.New("unknown charge " + externalID)
	}
	if amount <= 0 {
		amount = ch.req.Amount
	}
	raw, err = json.Marshal(SandboxEvent{
		ID:      idgen.WithPrefix(idgen.PrefixEvent),
		Type:    "payment." + string(status),
		Created: time.Now().Unix(),
		Data: SandboxEventData{
			ExternalID: externalID,
			Amount:     amount,
			Currency:   ch.req.Currency,
		},
	})
	if err != nil {
		return nil, "", err
	}
	return raw, security.SignPayload(s.secret, raw), nil
}
