// Package provider defines the gateway's contract with the upstream
// generative image API. The real API surface (request signing, quota
// accounting, model availability) is out of scope; Provider is the seam
// between the executor and whichever concrete driver is wired in, and
// ErrorClass lets the executor decide retry vs. terminal failure without
// knowing the upstream's specific wire format.
package provider

import (
	"context"
	"errors"
)

// Mode selects the generation quality/cost tradeoff for a request: draft
// calls use a lower sampling temperature and are never served from or
// written to the result cache, while final calls are fully cacheable.
const (
	ModeDraft = "draft"
	ModeFinal = "final"
)

// ImageConfig carries the generation parameters accepted by the intake API.
type ImageConfig struct {
	Prompt         string
	Model          string
	Mode           string // ModeDraft or ModeFinal
	ReferenceImage string // optional data:image/<type>;base64,<data> URI
	ImageSize      string // "1K", "2K", or "4K"
	AspectRatio    string // "1:1", "4:3", "16:9", "9:16", "3:4"
	NumberOfImages int
}

// GeneratedImage is one image returned by the provider.
type GeneratedImage struct {
	MimeType string
	Data     []byte
}

// ErrorClass categorizes a provider failure for retry decisions.
type ErrorClass int

const (
	// ErrClassUnknown is the zero value: an error the driver couldn't parse
	// into a more specific class, or any non-2xx response not covered by
	// the other classes. Retryable, since most such responses are
	// transient on the upstream side.
	ErrClassUnknown ErrorClass = iota
	// ErrClassOverloaded means the upstream is transiently out of capacity
	// (HTTP 503) and the job should be retried with backoff; it also
	// triggers endpoint fallback.
	ErrClassOverloaded
	// ErrClassRateLimited means the credential hit its own upstream quota
	// (e.g. HTTP 429); the scheduler should avoid this credential briefly.
	ErrClassRateLimited
	// ErrClassAuth means the credential itself is invalid or revoked
	// (e.g. HTTP 401/403); it should be taken out of rotation.
	ErrClassAuth
	// ErrClassInvalidRequest means the request itself is malformed
	// (e.g. HTTP 400); retrying will not help.
	ErrClassInvalidRequest
	// ErrClassServerError means the upstream failed with a non-overload
	// server error (HTTP 5xx other than 503). Retryable like
	// ErrClassOverloaded, but doesn't by itself justify falling back to a
	// different endpoint.
	ErrClassServerError
)

// Retryable reports whether a job that failed with this class of error
// should be retried. Only a malformed request or a dead credential are
// terminal; every other class is some form of transient upstream trouble.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrClassAuth, ErrClassInvalidRequest:
		return false
	default:
		return true
	}
}

// Error wraps a provider failure with its retry classification.
type Error struct {
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// ClassOf extracts the ErrorClass from err, or ErrClassUnknown if err is not
// a *Error.
func ClassOf(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ErrClassUnknown
}

// Result is the outcome of a successful Generate call: the images produced,
// plus which model and endpoint actually served the request, so callers can
// observe when endpoint fallback occurred.
type Result struct {
	Images       []GeneratedImage
	ModelUsed    string
	EndpointUsed string
}

// Provider generates images from a prompt using a specific upstream credential.
type Provider interface {
	Generate(ctx context.Context, secretRef string, cfg ImageConfig) (Result, error)
}

// TagGemini identifies the Gemini provider pool in the credential scheduler.
const TagGemini = "gemini"
