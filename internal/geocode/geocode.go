package geocode

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/instapool/internal/geo"
	"github.com/example/instapool/internal/models"
)

// Geocoder resolves between points and formatted addresses. Only the
// feed-building glue uses it; the matcher never does.
type Geocoder interface {
	Reverse(ctx context.Context, p models.Point) (string, error)
	Forward(ctx context.Context, address string) (models.Point, error)
}

// GoogleGeocoder talks to the Google Maps Geocoding API.
type GoogleGeocoder struct {
	client *maps.Client
}

func NewGoogleGeocoder(apiKey string) (*GoogleGeocoder, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	return &GoogleGeocoder{client: client}, nil
}

// Reverse returns the formatted address closest to p.
func (g *GoogleGeocoder) Reverse(ctx context.Context, p models.Point) (string, error) {
	if err := geo.Validate(p); err != nil {
		return "", err
	}
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lon},
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("reverse geocode: no result for (%f, %f)", p.Lon, p.Lat)
	}
	return results[0].FormattedAddress, nil
}

// Forward resolves a street address to a point.
func (g *GoogleGeocoder) Forward(ctx context.Context, address string) (models.Point, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return models.Point{}, fmt.Errorf("geocode: %w", err)
	}
	if len(results) == 0 {
		return models.Point{}, fmt.Errorf("geocode: no result for %q", address)
	}
	loc := results[0].Geometry.Location
	return models.Point{Lon: loc.Lng, Lat: loc.Lat}, nil
}
