// Package webhook delivers job completion events to a tenant's configured
// endpoint, signing the verbatim request body so the receiver can verify
// authenticity without trusting the network path.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the JSON payload delivered to a tenant's webhook endpoint.
type Event struct {
	JobID     uuid.UUID `json:"job_id"`
	State     string    `json:"state"`
	ImageURLs []string  `json:"image_urls,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes the event to its canonical wire form.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sign computes the HMAC-SHA256 signature of body using secret, returning
// the value to send in the X-Signature header (format "sha256=<hex>").
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the HMAC-SHA256 of body computed
// with secret, using a constant-time comparison.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
