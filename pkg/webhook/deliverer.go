package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/arclight/imagegate/internal/telemetry"
)

// Deliverer POSTs signed webhook events to tenant endpoints with bounded
// exponential-backoff retries via cenkalti/backoff, promoted here from an
// unexercised indirect dependency to direct use for the one
// retry-with-backoff concern this gateway actually has.
type Deliverer struct {
	httpClient *http.Client
	maxRetries uint
	logger     *slog.Logger
}

// NewDeliverer creates a Deliverer with the given per-attempt timeout and
// maximum number of delivery attempts (the first attempt included).
func NewDeliverer(timeout time.Duration, maxRetries int, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: uint(maxRetries),
		logger:     logger,
	}
}

// Deliver POSTs event to endpoint, signed with secret, retrying transient
// failures (non-2xx responses, network errors) with exponential backoff up
// to Deliverer's configured retry budget.
func (d *Deliverer) Deliver(ctx context.Context, endpoint, secret string, event Event) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling webhook event: %w", err)
	}
	signature := Sign(secret, body)

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("building webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature", signature)

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("delivering webhook: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return struct{}{}, nil
		}
		return struct{}{}, fmt.Errorf("webhook endpoint returned HTTP %d", resp.StatusCode)
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(d.maxRetries),
	)

	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		d.logger.Warn("webhook delivery failed", "endpoint", endpoint, "job_id", event.JobID, "error", err)
	}
	telemetry.WebhookDeliveryTotal.WithLabelValues(outcome).Inc()

	return err
}
