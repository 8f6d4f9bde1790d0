package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Envelope is the provider's wire format for a webhook event.
type Envelope struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

type EventData struct {
	SessionRef string `json:"session_ref,omitempty"`
	PaymentRef string `json:"payment_ref,omitempty"`
	PaidAt     int64  `json:"paid_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// VerifiedEvent is an envelope that passed signature verification, paired
// with the raw body for the audit trail.
type VerifiedEvent struct {
	Envelope
	RawBody []byte
}

// Verifier checks the provider's `t=<unix>,v1=<hex>` signature header: an
// HMAC-SHA256 of "<t>.<body>" under the shared secret, with the timestamp
// bounded by the tolerance window to stop replays. Pure; no side effects.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

func (v *Verifier) Verify(rawBody []byte, signatureHeader string) (*VerifiedEvent, error) {
	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}

	if skew := v.now().Sub(time.Unix(timestamp, 0)); skew > v.tolerance || skew < -v.tolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := computeSignature(v.secret, timestamp, rawBody)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			matched = true
		}
	}
	if !matched {
		return nil, ErrInvalidSignature
	}

	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.ID == "" || env.Kind == "" {
		return nil, fmt.Errorf("%w: missing event id or kind", ErrMalformedPayload)
	}

	return &VerifiedEvent{Envelope: env, RawBody: rawBody}, nil
}

// Sign produces a valid signature header for the given body and timestamp.
// Used by tests and the local provider simulator.
func Sign(secret string, timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, computeSignature(secret, timestamp, body))
}

func computeSignature(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var timestamp int64 = -1
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp < 0 || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: missing timestamp or signature", ErrInvalidSignature)
	}
	return timestamp, signatures, nil
}
