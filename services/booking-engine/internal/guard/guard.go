// Package guard throttles booking attempts per origin and screens
// human-verification tokens before the transactor mutates any state.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
)

type Limiter struct {
	store  CounterStore
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// NewLimiter builds a fixed-window limiter. Defaults: 10 requests / 60s.
func NewLimiter(store CounterStore, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, limit: int64(limit), window: window, logger: logger}
}

// Allow returns nil when the origin is within budget and ErrRateLimited when
// the window is exhausted. Counter-store failures fail open with a warning:
// losing the limiter must not take bookings down.
func (l *Limiter) Allow(ctx context.Context, origin string) error {
	count, err := l.store.Incr(ctx, origin, l.window)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable; allowing request", "err", err, "origin", origin)
		return nil
	}
	if count > l.limit {
		return model.ErrRateLimited
	}
	return nil
}

// Verifier checks a human-verification token against a scoring endpoint
// (reCAPTCHA-style: POST the token, read back a score).
type Verifier struct {
	endpoint  string
	secret    string
	threshold float64
	http      *http.Client
}

func NewVerifier(endpoint, secret string, threshold float64) *Verifier {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &Verifier{
		endpoint:  strings.TrimSpace(endpoint),
		secret:    strings.TrimSpace(secret),
		threshold: threshold,
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Verify returns ErrVerificationFailed for a rejected or under-threshold
// token and ErrUpstream when the verification service cannot be reached.
// An unconfigured endpoint skips verification (dev deployments).
func (v *Verifier) Verify(ctx context.Context, token string) error {
	if v.endpoint == "" {
		return nil
	}
	if strings.TrimSpace(token) == "" {
		return model.ErrVerificationFailed
	}

	raw, err := json.Marshal(map[string]string{
		"secret": v.secret,
		"token":  token,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: verification request: %v", model.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: verification service returned %d", model.ErrUpstream, resp.StatusCode)
	}

	var body struct {
		Success bool    `json:"success"`
		Score   float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: decode verification response: %v", model.ErrUpstream, err)
	}
	if !body.Success || body.Score < v.threshold {
		return model.ErrVerificationFailed
	}
	return nil
}
