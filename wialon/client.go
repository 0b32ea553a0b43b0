package wialon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/model"
)

const retryBackoffBase = 500 * time.Millisecond

// Client polls the telemetry gateway for raw truck readings. One poll
// returns every reading newer than the previous poll, across all trucks.
type Client struct {
	cfg  config.WialonConfig
	http *http.Client
	log  *zap.Logger

	since time.Time
}

// NewClient builds a poller from config. The request timeout applies
// per attempt, not per poll.
func NewClient(cfg config.WialonConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  log.Named("wialon"),
	}
}

// Poll fetches readings newer than the previous successful poll,
// retrying transient failures with jittered backoff up to MaxRetries.
func (c *Client) Poll(ctx context.Context) ([]model.RawReading, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		readings, err := c.fetch(ctx)
		if err == nil {
			return readings, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		c.log.Warn("poll attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("poll failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) fetch(ctx context.Context) ([]model.RawReading, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	u.Path += "/avl/readings"
	q := u.Query()
	if !c.since.IsZero() {
		q.Set("since", c.since.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var payload struct {
		Readings []model.RawReading `json:"readings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode readings: %w", err)
	}

	for _, r := range payload.Readings {
		if r.Timestamp.After(c.since) {
			c.since = r.Timestamp
		}
	}
	return payload.Readings, nil
}

// Run polls on the configured interval and streams readings until ctx is
// cancelled, then closes the channel. A failed poll is logged and skipped;
// the next tick tries again.
func (c *Client) Run(ctx context.Context) <-chan model.RawReading {
	out := make(chan model.RawReading, 256)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			readings, err := c.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Error("poll failed, will retry next tick", zap.Error(err))
			}
			for _, r := range readings {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
