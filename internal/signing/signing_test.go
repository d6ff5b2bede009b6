package signing

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/dartcloud/core/internal/apierrors"
	"github.com/dartcloud/core/internal/store"
)

func TestCanonicalPayloadNormalizesMissingAndNullBody(t *testing.T) {
	if string(CanonicalPayload(nil)) != "null" {
		t.Fatal("expected nil body to canonicalize to null")
	}
	if string(CanonicalPayload([]byte("null"))) != "null" {
		t.Fatal("expected explicit null to round-trip as null")
	}
	if string(CanonicalPayload([]byte(`{"x":1}`))) != `{"x":1}` {
		t.Fatal("expected non-empty body to pass through unchanged")
	}
}

func TestSignatureRoundTripsThroughBase64(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	secret := "test-signing-key"
	payload := CanonicalPayload([]byte(`{"x":"hi"}`))
	ts := now.Unix()

	sig := base64.StdEncoding.EncodeToString(Sign(secret, payload, ts))
	expected := Sign(secret, payload, ts)
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(expected) {
		t.Fatal("signature did not round-trip through base64")
	}
}

func TestSignatureRejectsSingleBitFlipsInPayloadTimestampOrSecret(t *testing.T) {
	payload := []byte(`{"x":"hi"}`)
	ts := int64(1700000000)
	base := Sign("secret-a", payload, ts)

	flippedPayload := Sign("secret-a", []byte(`{"x":"hj"}`), ts)
	if string(base) == string(flippedPayload) {
		t.Fatal("expected payload change to alter signature")
	}

	flippedTS := Sign("secret-a", payload, ts+1)
	if string(base) == string(flippedTS) {
		t.Fatal("expected timestamp change to alter signature")
	}

	flippedSecret := Sign("secret-b", payload, ts)
	if string(base) == string(flippedSecret) {
		t.Fatal("expected secret change to alter signature")
	}
}

func TestApiKeyIsValidSemantics(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	forever := store.ApiKey{IsActive: true, ExpiresAt: nil}
	if !forever.IsValid(now) {
		t.Fatal("expected forever key with no expiry to be valid")
	}

	expired := store.ApiKey{IsActive: true, ExpiresAt: timePtr(now.Add(-time.Hour))}
	if expired.IsValid(now) {
		t.Fatal("expected expired key to be invalid")
	}

	revoked := store.ApiKey{IsActive: false, ExpiresAt: timePtr(now.Add(time.Hour))}
	if revoked.IsValid(now) {
		t.Fatal("expected revoked key to be invalid regardless of expiry")
	}

	reenabledAfterExpiry := store.ApiKey{IsActive: true, ExpiresAt: timePtr(now.Add(-time.Minute))}
	if reenabledAfterExpiry.IsValid(now) {
		t.Fatal("expected a re-enabled but still-expired key to remain invalid")
	}
}

func TestErrorKindsMapToSignatureInvalid(t *testing.T) {
	err := apierrors.New(apierrors.SignatureInvalid, "timestamp outside clock-skew window")
	if !apierrors.Is(err, apierrors.SignatureInvalid) {
		t.Fatal("expected SignatureInvalid kind")
	}
	if apierrors.As(err).StatusCode() != 403 {
		t.Fatalf("expected 403, got %d", apierrors.As(err).StatusCode())
	}
}

func timePtr(t time.Time) *time.Time { return &t }
