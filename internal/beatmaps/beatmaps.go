// Package beatmaps resolves beatmap metadata from the upstream catalogue.
// The hubs only need enough to validate playlist items and score
// submissions, so the client exposes a narrow Lookup interface backed by
// an HTTP API behind a circuit breaker and a small in-process cache.
package beatmaps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
)

var (
	// ErrNotFound reports an id the upstream does not know.
	ErrNotFound = errors.New("beatmaps: not found")
	// ErrUnavailable reports that the upstream could not be reached.
	ErrUnavailable = errors.New("beatmaps: upstream unavailable")
)

// Beatmap is the metadata slice the hubs validate against.
type Beatmap struct {
	ID            int32   `json:"id"`
	BeatmapSetID  int32   `json:"beatmapset_id"`
	Checksum      string  `json:"checksum"`
	StarRating    float64 `json:"difficulty_rating"`
	RulesetID     int32   `json:"mode_int"`
	RankedStatus  int32   `json:"ranked"`
	TotalLengthMS int32   `json:"total_length"`
}

// RankedEligible reports whether scores on the map qualify for server-side
// processing (ranked, approved, or qualified upstream status).
func (b *Beatmap) RankedEligible() bool {
	return b.RankedStatus >= 1 && b.RankedStatus <= 3
}

// Lookup resolves beatmap metadata by id.
type Lookup interface {
	Lookup(ctx context.Context, beatmapID int32) (*Beatmap, error)
}

const cacheSize = 4096

// Client is the HTTP Lookup implementation. Responses are cached by id;
// failures trip a circuit breaker so a dead upstream fails fast instead
// of stalling every room operation.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	cache   *lru.Cache[int32, *Beatmap]
}

// NewClient builds a Lookup against baseURL. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	st := gobreaker.Settings{
		Name:        "beatmaps",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("beatmaps").Set(stateVal)
		},
	}

	cache, _ := lru.New[int32, *Beatmap](cacheSize)
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		cb:      gobreaker.NewCircuitBreaker(st),
		cache:   cache,
	}
}

// Lookup returns the beatmap for id, from cache when possible. A missing
// id is ErrNotFound; transport and upstream failures are ErrUnavailable.
func (c *Client) Lookup(ctx context.Context, beatmapID int32) (*Beatmap, error) {
	if bm, ok := c.cache.Get(beatmapID); ok {
		return bm, nil
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx, beatmapID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("beatmaps").Inc()
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		logging.Warn(ctx, "Beatmap lookup failed", zap.Int32("beatmapId", beatmapID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	bm := res.(*Beatmap)
	if bm == nil {
		return nil, ErrNotFound
	}
	c.cache.Add(beatmapID, bm)
	return bm, nil
}

// fetch performs the upstream GET. A nil beatmap with nil error means the
// id does not exist; that outcome must not count as a breaker failure.
func (c *Client) fetch(ctx context.Context, beatmapID int32) (*Beatmap, error) {
	url := fmt.Sprintf("%s/api/v2/beatmaps/%d", c.baseURL, beatmapID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, body)
	}

	var bm Beatmap
	if err := json.NewDecoder(resp.Body).Decode(&bm); err != nil {
		return nil, fmt.Errorf("decoding beatmap %d: %w", beatmapID, err)
	}
	if bm.ID == 0 {
		bm.ID = beatmapID
	}
	return &bm, nil
}
