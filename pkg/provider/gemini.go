package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// GeminiDriver implements Provider against the Gemini image generation wire
// format: a generateContent call whose candidates carry inline base64 image
// parts. Endpoint fallback and 503 classification follow the documented
// behavior of that API, not a behavior unique to this codebase.
type GeminiDriver struct {
	httpClient *http.Client
	endpoints  []string // tried in order; later entries are fallbacks
}

// NewGeminiDriver creates a GeminiDriver with the given request timeout and
// one or more candidate endpoint URLs (primary first, fallbacks after).
func NewGeminiDriver(timeout time.Duration, endpoints ...string) *GeminiDriver {
	if len(endpoints) == 0 {
		endpoints = []string{"https://generativelanguage.googleapis.com/v1beta/models"}
	}
	return &GeminiDriver{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  endpoints,
	}
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature        float64            `json:"temperature"`
	ResponseModalities []string           `json:"responseModalities"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	ImageSize      string `json:"imageSize,omitempty"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
	NumberOfImages int    `json:"numberOfImages,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiResponsePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *geminiErrorBody `json:"error,omitempty"`
}

// geminiResponsePart accepts both the documented camelCase field name and
// the snake_case variant occasionally seen from the REST transcoder.
type geminiResponsePart struct {
	InlineData      *geminiInlineData `json:"inlineData,omitempty"`
	InlineDataSnake *geminiInlineData `json:"inline_data,omitempty"`
}

func (p geminiResponsePart) inline() *geminiInlineData {
	if p.InlineData != nil {
		return p.InlineData
	}
	return p.InlineDataSnake
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Generate calls Gemini's generateContent endpoint, trying each configured
// endpoint in order until one does not return a 503.
func (d *GeminiDriver) Generate(ctx context.Context, secretRef string, cfg ImageConfig) (Result, error) {
	parts := []geminiPart{{Text: cfg.Prompt}}
	if cfg.ReferenceImage != "" {
		mimeType, data, err := decodeDataURI(cfg.ReferenceImage)
		if err != nil {
			return Result{}, &Error{Class: ErrClassInvalidRequest, Message: "decoding reference image", Cause: err}
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}})
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:        temperatureFor(cfg.Mode),
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig: &geminiImageConfig{
				ImageSize:      cfg.ImageSize,
				AspectRatio:    cfg.AspectRatio,
				NumberOfImages: cfg.NumberOfImages,
			},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("encoding gemini request: %w", err)
	}

	var lastErr error
	for i, base := range d.endpoints {
		images, err := d.call(ctx, base, secretRef, cfg.Model, payload)
		if err == nil {
			return Result{Images: images, ModelUsed: cfg.Model, EndpointUsed: base}, nil
		}
		lastErr = err

		// Only fall through to the next endpoint on overload; anything else
		// (auth, invalid request, rate limit, plain server error) won't be
		// fixed by a different endpoint.
		if ClassOf(err) != ErrClassOverloaded || i == len(d.endpoints)-1 {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

func (d *GeminiDriver) call(ctx context.Context, base, secretRef, model string, payload []byte) ([]GeneratedImage, error) {
	url := fmt.Sprintf("%s/%s:generateContent", base, model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Class: ErrClassInvalidRequest, Message: "building request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", secretRef)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: ErrClassOverloaded, Message: "calling provider", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Class: ErrClassOverloaded, Message: "reading provider response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, body)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Class: ErrClassUnknown, Message: "decoding provider response", Cause: err}
	}

	var images []GeneratedImage
	for _, c := range parsed.Candidates {
		for _, p := range c.Content.Parts {
			inline := p.inline()
			if inline == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(inline.Data)
			if err != nil {
				return nil, &Error{Class: ErrClassUnknown, Message: "decoding inline image data", Cause: err}
			}
			images = append(images, GeneratedImage{MimeType: inline.MimeType, Data: data})
		}
	}

	if len(images) == 0 {
		return nil, &Error{Class: ErrClassUnknown, Message: "provider returned no images"}
	}

	return images, nil
}

// temperatureFor returns the sampling temperature for a generation mode:
// draft requests favor speed and variety, final requests favor fidelity.
func temperatureFor(mode string) float64 {
	if mode == ModeDraft {
		return 0.7
	}
	return 1.0
}

// decodeDataURI splits a "data:image/<type>;base64,<data>" URI into its MIME
// type and raw bytes.
func decodeDataURI(uri string) (mimeType string, data []byte, err error) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return "", nil, fmt.Errorf("not a data URI")
	}
	rest := uri[len(prefix):]

	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", nil, fmt.Errorf("malformed data URI: missing comma")
	}
	meta, encoded := rest[:comma], rest[comma+1:]

	meta = strings.TrimSuffix(meta, ";base64")
	mt, _, err := mime.ParseMediaType(meta)
	if err != nil {
		mt = meta
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return mt, decoded, nil
}

func classifyHTTPError(status int, body []byte) error {
	var parsed geminiResponse
	_ = json.Unmarshal(body, &parsed)

	msg := fmt.Sprintf("provider returned HTTP %d", status)
	if parsed.Error != nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	switch status {
	case http.StatusServiceUnavailable:
		return &Error{Class: ErrClassOverloaded, Message: msg}
	case http.StatusTooManyRequests:
		return &Error{Class: ErrClassRateLimited, Message: msg}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Class: ErrClassAuth, Message: msg}
	case http.StatusBadRequest:
		return &Error{Class: ErrClassInvalidRequest, Message: msg}
	default:
		if status >= 500 {
			return &Error{Class: ErrClassServerError, Message: msg}
		}
		return &Error{Class: ErrClassUnknown, Message: msg}
	}
}
