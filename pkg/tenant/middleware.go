package tenant

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// respondError writes the same {"error","message"} JSON envelope as
// httpserver.RespondError; httpserver imports this package, so it cannot be
// imported here.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

type ctxKey string

const tenantKey ctxKey = "tenant"

// NewContext stores the authenticated tenant in the context.
func NewContext(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// FromContext extracts the authenticated tenant from the context.
// Returns nil if no tenant is set.
func FromContext(ctx context.Context) *Tenant {
	t, _ := ctx.Value(tenantKey).(*Tenant)
	return t
}

// Fingerprint computes the salted SHA-256 hex digest of a raw API key, the
// same computation Middleware uses to verify a presented key.
func Fingerprint(salt []byte, rawKey string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(rawKey))
	sum := h.Sum(nil)
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xf]
	}
	return string(out)
}

// Middleware authenticates requests via the X-API-Key header, verifying the
// presented key against the tenant's stored salted fingerprint in constant
// time, and rejects disabled tenants.
func Middleware(repo Repository, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if raw == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing X-API-Key header")
				return
			}

			slug, rawKey, ok := splitAPIKey(raw)
			if !ok {
				respondError(w, http.StatusUnauthorized, "unauthorized", "malformed API key")
				return
			}

			t, err := repo.GetBySlug(r.Context(), slug)
			if err != nil {
				logger.Warn("tenant not found", "slug", slug, "error", err)
				respondError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
				return
			}

			if !t.Enabled {
				respondError(w, http.StatusForbidden, "forbidden", "tenant is disabled")
				return
			}

			got := Fingerprint(t.KeySalt, rawKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(t.KeyHash)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
				return
			}

			ctx := NewContext(r.Context(), t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// splitAPIKey splits a raw presented key of the form "<slug>.<secret>" into
// its tenant slug and secret portion.
func splitAPIKey(raw string) (slug, secret string, ok bool) {
	idx := strings.IndexByte(raw, '.')
	if idx <= 0 || idx == len(raw)-1 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}
