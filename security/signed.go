package security

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultTrailSize is how many signed events a SignedTrail keeps.
const DefaultTrailSize = 1000

// SignedTrail signs every audit event with an Ed25519 key, keeps the most
// recent ones for export and forwards them, signature included, to the
// next sink. The public key lets a reader detect tampered records.
type SignedTrail struct {
	instanceID string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	next       AuditSink
	size       int

	mu      sync.Mutex
	records []Event
}

// NewSignedTrail creates a trail with a fresh keypair. next may be nil.
func NewSignedTrail(instanceID string, next AuditSink) (*SignedTrail, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	return &SignedTrail{
		instanceID: instanceID,
		publicKey:  pub,
		privateKey: priv,
		next:       next,
		size:       DefaultTrailSize,
	}, nil
}

// PublicKey returns the base64-encoded public key for verification.
func (a *SignedTrail) PublicKey() string {
	return base64.StdEncoding.EncodeToString(a.publicKey)
}

// InstanceID returns the identifier of the process owning the trail.
func (a *SignedTrail) InstanceID() string {
	return a.instanceID
}

func (a *SignedTrail) Record(ctx context.Context, event string, fields map[string]interface{}) {
	e := newEvent(event, fields)
	if e.Fields == nil {
		e.Fields = map[string]interface{}{}
	}
	e.Fields["instance_id"] = a.instanceID
	e.Signature = sign(a.privateKey, e)

	a.mu.Lock()
	a.records = append(a.records, e)
	if len(a.records) > a.size {
		a.records = a.records[len(a.records)-a.size:]
	}
	a.mu.Unlock()

	if a.next != nil {
		forwarded := make(map[string]interface{}, len(e.Fields)+2)
		for k, v := range e.Fields {
			forwarded[k] = v
		}
		forwarded["signed_at"] = e.Timestamp.Format(time.RFC3339Nano)
		forwarded["signature"] = e.Signature
		Emit(ctx, a.next, event, forwarded)
	}
}

// Records returns the retained signed events, oldest first.
func (a *SignedTrail) Records() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.records...)
}

// TrailLog is an exported signed audit trail.
type TrailLog struct {
	InstanceID string    `json:"instance_id"`
	ExportedAt time.Time `json:"exported_at"`
	PublicKey  string    `json:"public_key"`
	Events     []Event   `json:"events"`
}

// ExportLog exports the retained events with the key needed to verify them.
func (a *SignedTrail) ExportLog() *TrailLog {
	return &TrailLog{
		InstanceID: a.instanceID,
		ExportedAt: time.Now().UTC(),
		PublicKey:  a.PublicKey(),
		Events:     a.Records(),
	}
}

// Destroy zeros out the private key from memory.
// Call this when the process shuts down.
func (a *SignedTrail) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.privateKey {
		a.privateKey[i] = 0
	}
}

// sign creates an Ed25519 signature over the SHA-256 of the canonical form.
func sign(key ed25519.PrivateKey, e Event) string {
	hash := sha256.Sum256(canonicalJSON(e))
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, hash[:]))
}

// canonicalJSON encodes everything but the signature. encoding/json sorts
// map keys, so equal events always encode identically.
func canonicalJSON(e Event) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"name":      e.Name,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"fields":    e.Fields,
	})
	return data
}

// VerifyEvent verifies a signed event against a base64 public key.
func VerifyEvent(e Event, publicKeyBase64 string) (bool, error) {
	pubKeyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %w", err)
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}

	sigBytes, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}

	hash := sha256.Sum256(canonicalJSON(e))
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), hash[:], sigBytes), nil
}
