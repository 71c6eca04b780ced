package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"churchevents/internal/domain"
)

var (
	errNoSecret        = errors.New("webhook secret is not configured")
	errMalformedHeader = errors.New("malformed x-signature header")
	errMismatch        = errors.New("signature mismatch")
)

// SignatureVerifier checks the x-signature header Mercado Pago attaches to webhook deliveries.
// The signed manifest is "id:<data.id>;request-id:<x-request-id>;ts:<ts>;" under HMAC-SHA256.
type SignatureVerifier struct {
	secret []byte
}

// NewSignatureVerifier returns a verifier for secret. With an empty secret every delivery is refused.
func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(secret)}
}

var _ domain.SignatureVerifier = (*SignatureVerifier)(nil)

func (v *SignatureVerifier) Verify(signatureHeader, requestID, dataID string) error {
	if len(v.secret) == 0 {
		return errNoSecret
	}
	ts, sig, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: v1 is not hex", errMalformedHeader)
	}
	if !hmac.Equal(got, v.sum(Manifest(dataID, requestID, ts))) {
		return errMismatch
	}
	return nil
}

// Sign returns the x-signature header value for the given delivery. Used by tests and local tooling.
func (v *SignatureVerifier) Sign(requestID, dataID, ts string) string {
	return "ts=" + ts + ",v1=" + hex.EncodeToString(v.sum(Manifest(dataID, requestID, ts)))
}

func (v *SignatureVerifier) sum(manifest string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}

// Manifest builds the signed template. Parts that were not delivered are left out.
// Alphanumeric data IDs are signed in lower case.
func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

func parseSignatureHeader(h string) (ts, v1 string, err error) {
	for _, part := range strings.Split(h, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", errMalformedHeader
	}
	return ts, v1, nil
}
