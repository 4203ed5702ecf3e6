package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGeminiDriverParsesInlineImages(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` + img + `"}}]}}]}`))
	}))
	defer srv.Close()

	d := NewGeminiDriver(5*time.Second, srv.URL)
	result, err := d.Generate(context.Background(), "secret", ImageConfig{Prompt: "a cat", Model: "imagen-4", NumberOfImages: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Images) != 1 || result.Images[0].MimeType != "image/png" {
		t.Fatalf("unexpected images: %+v", result.Images)
	}
	if string(result.Images[0].Data) != "fake-png-bytes" {
		t.Fatalf("unexpected image bytes: %q", result.Images[0].Data)
	}
	if result.ModelUsed != "imagen-4" {
		t.Fatalf("expected model_used to be recorded, got %q", result.ModelUsed)
	}
	if result.EndpointUsed != srv.URL {
		t.Fatalf("expected endpoint_used to be recorded, got %q", result.EndpointUsed)
	}
}

func TestGeminiDriverParsesSnakeCaseInlineData(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("more-bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inline_data":{"mimeType":"image/jpeg","data":"` + img + `"}}]}}]}`))
	}))
	defer srv.Close()

	d := NewGeminiDriver(5*time.Second, srv.URL)
	result, err := d.Generate(context.Background(), "secret", ImageConfig{Prompt: "a dog", Model: "imagen-4", NumberOfImages: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Images) != 1 {
		t.Fatalf("expected one image, got %d", len(result.Images))
	}
}

func TestGeminiDriverFallsBackOnOverload(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("ok-bytes"))
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":503,"message":"overloaded"}}`))
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` + img + `"}}]}}]}`))
	}))
	defer fallback.Close()

	d := NewGeminiDriver(5*time.Second, primary.URL, fallback.URL)
	result, err := d.Generate(context.Background(), "secret", ImageConfig{Prompt: "a fox", Model: "imagen-4", NumberOfImages: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Images) != 1 {
		t.Fatalf("expected fallback to succeed, got %d images", len(result.Images))
	}
	if result.EndpointUsed != fallback.URL {
		t.Fatalf("expected endpoint_used to reflect the fallback endpoint, got %q", result.EndpointUsed)
	}
}

func TestGeminiDriverSetsTemperatureByMode(t *testing.T) {
	var captured geminiRequest
	img := base64.StdEncoding.EncodeToString([]byte("bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` + img + `"}}]}}]}`))
	}))
	defer srv.Close()

	d := NewGeminiDriver(5*time.Second, srv.URL)

	if _, err := d.Generate(context.Background(), "secret", ImageConfig{Prompt: "a cat", Model: "imagen-4", Mode: ModeDraft, NumberOfImages: 1}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if captured.GenerationConfig.Temperature != 0.7 {
		t.Fatalf("expected draft temperature 0.7, got %v", captured.GenerationConfig.Temperature)
	}

	if _, err := d.Generate(context.Background(), "secret", ImageConfig{Prompt: "a cat", Model: "imagen-4", Mode: ModeFinal, NumberOfImages: 1}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if captured.GenerationConfig.Temperature != 1.0 {
		t.Fatalf("expected final temperature 1.0, got %v", captured.GenerationConfig.Temperature)
	}
}

func TestGeminiDriverIncludesReferenceImagePart(t *testing.T) {
	var captured geminiRequest
	img := base64.StdEncoding.EncodeToString([]byte("bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` + img + `"}}]}}]}`))
	}))
	defer srv.Close()

	refImg := base64.StdEncoding.EncodeToString([]byte("reference-bytes"))
	d := NewGeminiDriver(5*time.Second, srv.URL)
	_, err := d.Generate(context.Background(), "secret", ImageConfig{
		Prompt:         "edit this",
		Model:          "imagen-4",
		Mode:           ModeFinal,
		ReferenceImage: "data:image/png;base64," + refImg,
		NumberOfImages: 1,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(captured.Contents[0].Parts) != 2 {
		t.Fatalf("expected text part plus inline image part, got %d parts", len(captured.Contents[0].Parts))
	}
	inline := captured.Contents[0].Parts[1].InlineData
	if inline == nil || inline.MimeType != "image/png" {
		t.Fatalf("expected reference image part, got %+v", inline)
	}
}

func TestGeminiDriverClassifiesAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":401,"message":"invalid key"}}`))
	}))
	defer srv.Close()

	d := NewGeminiDriver(5*time.Second, srv.URL)
	_, err := d.Generate(context.Background(), "bad-secret", ImageConfig{Prompt: "x", Model: "imagen-4", NumberOfImages: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if ClassOf(err) != ErrClassAuth {
		t.Fatalf("expected ErrClassAuth, got %v", ClassOf(err))
	}
}
