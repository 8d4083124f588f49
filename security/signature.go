package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	apperrors "github.com/vinayprograms/taskhook/errors"
)

const (
	// DefaultSignatureHeader is the header carrying the callback signature.
	DefaultSignatureHeader = "X-Signature"

	// SignaturePrefix precedes the hex digest in the header value.
	SignaturePrefix = "sha256="
)

// Rejection is the reason a signature check failed.
type Rejection string

const (
	// RejectNone means the signature is valid.
	RejectNone Rejection = ""

	// RejectMissingSignature means no signature header was sent.
	RejectMissingSignature Rejection = "missing_signature"

	// RejectInvalidSignature means the signature did not match the body.
	RejectInvalidSignature Rejection = "invalid_signature"
)

// String returns the rejection reason, or "none".
func (r Rejection) String() string {
	if r == RejectNone {
		return "none"
	}
	return string(r)
}

// Err converts the rejection into a coded error, or nil for RejectNone.
func (r Rejection) Err() error {
	switch r {
	case RejectNone:
		return nil
	case RejectMissingSignature:
		return apperrors.FromCode(apperrors.ErrCodeMissingSignature)
	default:
		return apperrors.FromCode(apperrors.ErrCodeInvalidSignature)
	}
}

// SignatureVerifier checks HMAC-SHA256 callback signatures.
// It holds no state and is safe for concurrent use.
type SignatureVerifier struct{}

// NewSignatureVerifier creates a verifier.
func NewSignatureVerifier() *SignatureVerifier {
	return &SignatureVerifier{}
}

// Verify reports whether header is the signature of body under secret.
func (v *SignatureVerifier) Verify(body []byte, header, secret string) bool {
	return v.Check(body, header, secret) == RejectNone
}

// Check verifies the signature and reports why it was rejected.
// An empty secret rejects every signature.
func (v *SignatureVerifier) Check(body []byte, header, secret string) Rejection {
	header = strings.TrimSpace(header)
	if header == "" {
		return RejectMissingSignature
	}
	if secret == "" {
		return RejectInvalidSignature
	}

	expected := Sign(body, secret)
	if !hmac.Equal([]byte(header), []byte(expected)) {
		return RejectInvalidSignature
	}
	return RejectNone
}

// Sign returns the header value for body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
