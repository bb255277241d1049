// Package notify delivers approved deals to the notification collaborator.
// Outbound calls run behind a circuit breaker and a shared rate limit;
// delivery is at-most-once per score revision via an idempotency key.
package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
)

// Deal is the payload posted for one approved listing.
type Deal struct {
	ListingID   uuid.UUID `json:"listing_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	PriceBGN    float64   `json:"price_bgn"`
	MedianBGN   float64   `json:"median_bgn"`
	DiscountPct float64   `json:"discount_pct"`
	Score       float64   `json:"score"`
	Reasons     []string  `json:"reasons"`
	Channel     string    `json:"channel,omitempty"`
}

// Client posts deals over HTTP. Transient collaborator failures (5xx,
// network) come back as TransientError for redelivery; 4xx responses are
// permanent.
type Client struct {
	http    *http.Client
	cfg     config.NotifyConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewClient(cfg config.NotifyConfig) *Client {
	settings := gobreaker.Settings{Name: "notify"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}

	perHour := rate.Limit(float64(cfg.RatePerHour) / 3600.0)
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(perHour, cfg.RatePerHour),
	}
}

// IdempotencyKey identifies one score revision of one listing. The
// collaborator deduplicates on it, so a redelivered work unit cannot
// double-post.
func IdempotencyKey(listingID uuid.UUID, score float64, scoredAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%.2f|%d", listingID, score, scoredAt.UnixNano())))
	return hex.EncodeToString(sum[:16])
}

// Post delivers one deal. Blocks on the rate limiter, then runs the HTTP
// call through the breaker.
func (c *Client) Post(ctx context.Context, deal Deal, idempotencyKey string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Transient("notify rate wait", err)
	}

	deal.Channel = c.cfg.Channel
	body, err := json.Marshal(deal)
	if err != nil {
		return fmt.Errorf("encode deal: %w", err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.post(ctx, body, idempotencyKey)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return model.Transient("notify breaker open", err)
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("listing_id", deal.ListingID.String()).
		Float64("score", deal.Score).
		Float64("discount_pct", deal.DiscountPct).
		Msg("deal posted")
	return nil
}

func (c *Client) post(ctx context.Context, body []byte, idempotencyKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Transient("notify post", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return model.Transient("notify post", fmt.Errorf("collaborator status %d", resp.StatusCode))
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &model.ExternalServiceError{
			Service: "notify",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, snippet),
		}
	}
}
