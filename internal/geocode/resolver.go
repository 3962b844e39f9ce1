package geocode

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
)

const (
	defaultGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"
	defaultPlacesURL  = "https://maps.googleapis.com/maps/api/place/textsearch/json"
)

// Pin is a resolved location.
type Pin struct {
	Lat              float64
	Lng              float64
	FormattedAddress string
}

// Resolver turns free-text location descriptions into coordinates. It
// tries the structured geocoding endpoint first and falls back to fuzzy
// place text search, in that order.
type Resolver struct {
	apiKey     string
	client     *http.Client
	logger     *slog.Logger
	geocodeURL string
	placesURL  string
}

func NewResolver(apiKey string, logger *slog.Logger) *Resolver {
	return &Resolver{
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		geocodeURL: defaultGeocodeURL,
		placesURL:  defaultPlacesURL,
	}
}

// SetTestEndpoints points the resolver at test servers.
func (r *Resolver) SetTestEndpoints(geocodeURL, placesURL string) {
	r.geocodeURL = geocodeURL
	r.placesURL = placesURL
}

// Resolve returns the first candidate for the given free text, or nil when
// both endpoints fail or return no candidates. Callers must never null out
// previously resolved coordinates on a nil result.
func (r *Resolver) Resolve(ctx context.Context, text string) (*Pin, error) {
	if r.apiKey == "" {
		r.logger.Warn("geocoding api key not configured")
		return nil, nil
	}

	pin, err := r.query(ctx, r.geocodeURL, "address", text)
	if err != nil {
		r.logger.Warn("geocode lookup failed", "text", text, "error", err)
	}
	if pin != nil {
		return pin, nil
	}

	pin, err = r.query(ctx, r.placesURL, "query", text)
	if err != nil {
		return nil, fmt.Errorf("place search: %w", err)
	}
	return pin, nil
}

type mapsResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
		FormattedAddress string `json:"formatted_address"`
		Name             string `json:"name"`
	} `json:"results"`
}

func (r *Resolver) query(ctx context.Context, endpoint, param, text string) (*Pin, error) {
	q := url.Values{}
	q.Set(param, text)
	q.Set("key", r.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var data mapsResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if data.Status != "OK" || len(data.Results) == 0 {
		r.logger.Debug("no candidates", "endpoint", endpoint, "status", data.Status)
		return nil, nil
	}

	best := data.Results[0]
	formatted := best.FormattedAddress
	if formatted == "" {
		formatted = best.Name
	}
	return &Pin{
		Lat:              best.Geometry.Location.Lat,
		Lng:              best.Geometry.Location.Lng,
		FormattedAddress: formatted,
	}, nil
}

// AddressComponents are the structured pieces a webhook may supply in
// place of free text. Field tags match the external event payload.
type AddressComponents struct {
	BuildingHouseNumber string `json:"Building_House_Number"`
	Street              string `json:"Street"`
	StateProvinceCity   string `json:"State_Province_Town_City"`
	Landmark            string `json:"landmark"`
}

// BuildAddressString concatenates components in fixed order, skipping
// empty ones. An approximate-location hint is appended as an extra
// disambiguating token unless it is already substring-contained (either
// direction, case-insensitive) in the constructed string.
func BuildAddressString(addr AddressComponents, approximate string) string {
	parts := make([]string, 0, 5)
	for _, p := range []string{addr.BuildingHouseNumber, addr.Street, addr.StateProvinceCity, addr.Landmark} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}

	if approx := strings.TrimSpace(approximate); approx != "" {
		joined := strings.ToLower(strings.Join(parts, ", "))
		lower := strings.ToLower(approx)
		if len(parts) == 0 || (!strings.Contains(joined, lower) && !strings.Contains(lower, joined)) {
			parts = append(parts, approx)
		}
	}

	return strings.Join(parts, ", ")
}
