// Package blobstore defines the contract the executor uses to persist
// generated image bytes and expose them at a retrievable URL. Object-storage
// (S3-compatible) plumbing is out of scope for this repository; the local
// filesystem implementation here is the only "real" backend shipped, with an
// in-memory fake for tests.
package blobstore

import (
	"context"
	"io"
)

// Object identifies a stored blob and the URL it can be fetched from.
type Object struct {
	Key string
	URL string
}

// Store persists image bytes and returns a fetchable URL for them.
type Store interface {
	Put(ctx context.Context, key string, contentType string, body io.Reader) (Object, error)
}
