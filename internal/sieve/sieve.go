// Package sieve is the optional admission gate consulted before
// indexing posts whose topic-feed membership is ambiguous. It calls an
// external classification endpoint, rate-limited, and fails closed: on
// any error the post is rejected from the ambiguous feed class, since
// false negatives are cheaper than false positives in a moderated feed.
package sieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/skywave-social/skywave/internal/metrics"
)

// Sieve calls an external content classifier.
type Sieve struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a sieve against the given classifier URL with a minimum
// delay between calls.
func New(url string, minDelay time.Duration) *Sieve {
	return &Sieve{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(minDelay), 1),
	}
}

type admitRequest struct {
	Text string `json:"text"`
}

type admitResponse struct {
	Admit bool `json:"admit"`
}

// Admit reports whether the text is admitted to the ambiguous feed
// class. Rate-limit exhaustion and transport or decode errors all
// reject; this method never returns an error because every failure
// class maps to the same closed decision.
func (s *Sieve) Admit(ctx context.Context, text string) bool {
	if !s.limiter.Allow() {
		metrics.SieveDecisionsTotal.WithLabelValues("rate_limited").Inc()
		return false
	}

	ok, err := s.classify(ctx, text)
	if err != nil {
		metrics.SieveDecisionsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("sieve: classifier call failed, rejecting")
		return false
	}

	if ok {
		metrics.SieveDecisionsTotal.WithLabelValues("admit").Inc()
	} else {
		metrics.SieveDecisionsTotal.WithLabelValues("reject").Inc()
	}
	return ok
}

func (s *Sieve) classify(ctx context.Context, text string) (bool, error) {
	body, err := json.Marshal(admitRequest{Text: text})
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var out admitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return out.Admit, nil
}
