package webhook

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestVerifier(now time.Time) *Verifier {
	v := NewVerifier("whsec_test", 5*time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifier_Verify_Success(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)

	body := []byte(`{"id":"evt_1","kind":"payment.succeeded","created":1700000000,"data":{"payment_ref":"pi_1"}}`)
	header := Sign("whsec_test", now.Unix(), body)

	evt, err := v.Verify(body, header)
	if err != nil {
		t.Fatalf("Expected verification to succeed, got %v", err)
	}
	if evt.ID != "evt_1" {
		t.Errorf("Expected event id evt_1, got %s", evt.ID)
	}
	if evt.Kind != "payment.succeeded" {
		t.Errorf("Expected kind payment.succeeded, got %s", evt.Kind)
	}
	if evt.Data.PaymentRef != "pi_1" {
		t.Errorf("Expected payment ref pi_1, got %s", evt.Data.PaymentRef)
	}
}

func TestVerifier_Verify_TamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)

	body := []byte(`{"id":"evt_1","kind":"payment.succeeded","created":1700000000,"data":{}}`)
	header := Sign("whsec_test", now.Unix(), body)

	tampered := []byte(`{"id":"evt_1","kind":"payment.succeeded","created":1700000000,"data":{"payment_ref":"pi_evil"}}`)
	if _, err := v.Verify(tampered, header); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifier_Verify_WrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)

	body := []byte(`{"id":"evt_1","kind":"payment.succeeded","created":1700000000,"data":{}}`)
	header := Sign("whsec_other", now.Unix(), body)

	if _, err := v.Verify(body, header); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifier_Verify_StaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)

	body := []byte(`{"id":"evt_1","kind":"payment.succeeded","created":1700000000,"data":{}}`)
	stale := now.Add(-6 * time.Minute).Unix()
	header := Sign("whsec_test", stale, body)

	if _, err := v.Verify(body, header); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for stale timestamp, got %v", err)
	}
}

func TestVerifier_Verify_FutureTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)

	body := []byte(`{"id":"evt_1","kind":"payment.succeeded","created":1700000000,"data":{}}`)
	future := now.Add(6 * time.Minute).Unix()
	header := Sign("whsec_test", future, body)

	if _, err := v.Verify(body, header); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for future timestamp, got %v", err)
	}
}

func TestVerifier_Verify_MalformedPayload(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)

	body := []byte(`not json at all`)
	header := Sign("whsec_test", now.Unix(), body)

	if _, err := v.Verify(body, header); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload, got %v", err)
	}
}

func TestVerifier_Verify_MissingEventID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)

	body := []byte(`{"kind":"payment.succeeded","created":1700000000,"data":{}}`)
	header := Sign("whsec_test", now.Unix(), body)

	if _, err := v.Verify(body, header); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload for missing id, got %v", err)
	}
}

func TestVerifier_Verify_BadHeader(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)
	body := []byte(`{"id":"evt_1","kind":"payment.succeeded"}`)

	cases := []string{
		"",
		"garbage",
		"t=notanumber,v1=abc",
		fmt.Sprintf("t=%d", now.Unix()),
		"v1=deadbeef",
	}
	for _, header := range cases {
		if _, err := v.Verify(body, header); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("Expected ErrInvalidSignature for header %q, got %v", header, err)
		}
	}
}
