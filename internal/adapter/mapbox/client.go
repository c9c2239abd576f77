package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
	"github.com/couchcryptid/location-acquisition-service/internal/observability"
)

// Client implements domain.AddressResolver using the Mapbox Geocoding API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Mapbox reverse geocoding client.
func NewClient(token string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: "https://api.mapbox.com/geocoding/v5/mapbox.places",
		metrics: metrics,
		logger:  logger,
	}
}

// Resolve converts a fix to the nearest street address. A zero Address with
// a nil error means Mapbox had no address at that point.
func (c *Client) Resolve(ctx context.Context, fix domain.Fix) (domain.Address, error) {
	// Mapbox uses lon,lat order.
	coord := fmt.Sprintf("%.6f,%.6f", fix.Lon, fix.Lat)
	u := fmt.Sprintf("%s/%s.json", c.baseURL, coord)
	params := url.Values{
		"access_token": {c.token},
		"limit":        {"1"},
		"types":        {"address"},
	}

	resp, err := c.doRequest(ctx, u+"?"+params.Encode())
	if err != nil {
		return domain.Address{}, fmt.Errorf("%w: %w", domain.ErrResolveFailed, err)
	}
	if len(resp.Features) == 0 {
		return domain.Address{}, nil
	}
	return resp.Features[0].address(), nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ResolveAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return response{}, fmt.Errorf("reverse geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("mapbox API error", "status", resp.StatusCode)
		return response{}, fmt.Errorf("mapbox API error: status %d: %s", resp.StatusCode, body)
	}

	var mapboxResp response
	if err := json.NewDecoder(resp.Body).Decode(&mapboxResp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	return mapboxResp, nil
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`    // street name for address features
	Address   string        `json:"address"` // house number
	PlaceName string        `json:"place_name"`
	Context   []contextItem `json:"context"`
}

type contextItem struct {
	ID        string `json:"id"` // e.g. "place.123", "region.456"
	Text      string `json:"text"`
	ShortCode string `json:"short_code"`
}

func (f feature) address() domain.Address {
	addr := domain.Address{
		SubThoroughfare: f.Address,
		Thoroughfare:    f.Text,
	}
	for _, item := range f.Context {
		kind, _, _ := strings.Cut(item.ID, ".")
		switch kind {
		case "postcode":
			addr.PostalCode = item.Text
		case "place":
			addr.Locality = item.Text
		case "region":
			addr.AdministrativeArea = regionCode(item)
		}
	}
	return addr
}

// regionCode prefers the subdivision part of an ISO 3166-2 short code
// ("US-IL" -> "IL") over the full region name.
func regionCode(item contextItem) string {
	if _, sub, ok := strings.Cut(item.ShortCode, "-"); ok && sub != "" {
		return strings.ToUpper(sub)
	}
	return item.Text
}
