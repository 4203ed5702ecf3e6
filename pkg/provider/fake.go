package provider

import (
	"context"
	"sync"
)

// FakeProvider is an in-memory Provider for tests, returning a fixed set of
// images or a scripted error per call.
type FakeProvider struct {
	mu       sync.Mutex
	images   []GeneratedImage
	err      error
	calls    int
	OnCallFn func(secretRef string, cfg ImageConfig) (Result, error)
}

// NewFakeProvider creates a FakeProvider that returns images on every call.
func NewFakeProvider(images []GeneratedImage) *FakeProvider {
	return &FakeProvider{images: images}
}

// NewFailingFakeProvider creates a FakeProvider that always returns err.
func NewFailingFakeProvider(err error) *FakeProvider {
	return &FakeProvider{err: err}
}

func (f *FakeProvider) Generate(_ context.Context, secretRef string, cfg ImageConfig) (Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.OnCallFn != nil {
		return f.OnCallFn(secretRef, cfg)
	}
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Images: f.images, ModelUsed: cfg.Model, EndpointUsed: "fake"}, nil
}

// Calls returns how many times Generate was invoked.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
