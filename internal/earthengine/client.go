// Package earthengine calls the remote imagery-processing service that
// renders cloud-filtered satellite composites into tile layers.
package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gena/ee-map-draw-demo/internal/core/apperr"
	"github.com/gena/ee-map-draw-demo/internal/core/observability"
)

const collection = "COPERNICUS/S2_HARMONIZED"

// compositeRequest describes the yearly mosaic: scenes inside the date
// range with <10% cloud cover, resampled bilinear, reduced to the 20th
// percentile of the three visible bands, then stretched for display.
type compositeRequest struct {
	Collection    string    `json:"collection"`
	StartDate     string    `json:"start_date"`
	EndDate       string    `json:"end_date"`
	CloudCoverMax float64   `json:"cloud_cover_max"`
	Resampling    string    `json:"resampling"`
	Bands         []string  `json:"bands"`
	Reducer       reducer   `json:"reducer"`
	Visualize     visualize `json:"visualize"`
}

type reducer struct {
	Percentile int `json:"percentile"`
}

type visualize struct {
	Min   int     `json:"min"`
	Max   []int   `json:"max"`
	Gamma float64 `json:"gamma"`
}

type mapResponse struct {
	MapID string `json:"map_id"`
}

type Client struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL *url.URL
	token   string
}

func New(logger *slog.Logger, client *http.Client, baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse imagery base url: %w", err)
	}
	return &Client{
		logger:  logger,
		client:  client,
		baseURL: u,
		token:   token,
	}, nil
}

// MapID requests a tile-layer id for the yearly composite. The date range
// runs Jan 1 through Dec 30, matching the upstream job definition.
func (c *Client) MapID(ctx context.Context, year int) (string, error) {
	body := compositeRequest{
		Collection:    collection,
		StartDate:     fmt.Sprintf("%04d-01-01", year),
		EndDate:       fmt.Sprintf("%04d-12-30", year),
		CloudCoverMax: 10,
		Resampling:    "bilinear",
		Bands:         []string{"B4", "B3", "B2"},
		Reducer:       reducer{Percentile: 20},
		Visualize: visualize{
			Min:   600,
			Max:   []int{4000, 4000, 6000},
			Gamma: 2,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode composite request: %w", err)
	}

	u := c.baseURL.JoinPath("/v1/maps")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	observability.ObserveUpstream("earthengine", err, time.Since(start).Seconds())
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstream, "imagery request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		eb, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return "", apperr.Newf(apperr.KindUpstream,
			"imagery status %d: %s", resp.StatusCode, string(eb))
	}

	var out mapResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.KindUpstream, "decode imagery response", err)
	}
	if out.MapID == "" {
		return "", apperr.New(apperr.KindUpstream, "imagery response missing map_id")
	}

	c.logger.Debug("composite rendered", "year", year, "map_id", out.MapID)
	return out.MapID, nil
}
