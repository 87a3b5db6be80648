package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestSandbox_CreateChargeIsIdempotent(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "https://pay.example/checkout/")
	ctx := context.Background()

	a, err := sb.CreateCharge(ctx, ChargeRequest{IdempotencyKey: "ord_1", Amount: 100, Currency: "usd"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := sb.CreateCharge(ctx, ChargeRequest{IdempotencyKey: "ord_1", Amount: 100, Currency: "usd"})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if a.ExternalID != b.ExternalID {
		t.Fatalf("expected same charge for same key, got %s and %s", a.ExternalID, b.ExternalID)
	}
	if a.CheckoutURL != "https://pay.example/checkout/"+a.ExternalID {
		t.Fatalf("unexpected checkout url %q", a.CheckoutURL)
	}
}

func TestSandbox_SignedEventRoundTrip(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")
	ch, _ := sb.CreateCharge(context.Background(), ChargeRequest{IdempotencyKey: "ord_1", Amount: 700, Currency: "usd"})

	raw, sig, err := sb.SignedEvent(ch.ExternalID, EventCompleted, 0)
	if err != nil {
		t.Fatalf("signed event: %v", err)
	}
	if err := sb.VerifySignature(raw, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	ev, err := sb.ParseEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.ExternalID != ch.ExternalID || ev.Status != EventCompleted || ev.Amount != 700 || ev.Currency != "usd" {
		t.Fatalf("unexpected event %+v", ev)
	}

	tampered := append([]byte{}, raw...)
	tampered[len(tampered)-2] = ' '
	if err := sb.VerifySignature(tampered, sig); err == nil {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestSandbox_ParseEventErrors(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")

	if _, err := sb.ParseEvent([]byte(`{not json`)); err == nil {
		t.Fatal("expected malformed body error")
	}
	if _, err := sb.ParseEvent([]byte(`{"type":"payment.completed","data":{}}`)); err == nil {
		t.Fatal("expected missing external_id error")
	}
	_, err := sb.ParseEvent([]byte(`{"type":"refund.created","data":{"external_id":"x"}}`))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected ErrUnsupportedEvent, got %v", err)
	}
}

func TestSandbox_RefundRequiresCapture(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")
	ctx := context.Background()
	ch, _ := sb.CreateCharge(ctx, ChargeRequest{IdempotencyKey: "ord_1", Amount: 100, Currency: "usd"})

	if _, err := sb.Refund(ctx, ch.ExternalID, "pay_1"); !IsDeclined(err) {
		t.Fatalf("expected decline for uncaptured charge, got %v", err)
	}
	if err := sb.Settle(ch.ExternalID, EventCompleted); err != nil {
		t.Fatalf("settle: %v", err)
	}
	ref, err := sb.Refund(ctx, ch.ExternalID, "pay_1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	again, err := sb.Refund(ctx, ch.ExternalID, "pay_1")
	if err != nil || again != ref {
		t.Fatalf("expected idempotent refund %s, got %s (%v)", ref, again, err)
	}
}

func TestSandbox_SettleConflicts(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")
	ch, _ := sb.CreateCharge(context.Background(), ChargeRequest{IdempotencyKey: "ord_1", Amount: 100, Currency: "usd"})

	if err := sb.Settle(ch.ExternalID, EventFailed); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := sb.Settle(ch.ExternalID, EventCompleted); err == nil {
		t.Fatal("expected conflict settling a failed charge as completed")
	}
}
