// README: Google Maps Directions wrapper returning distance, duration and polyline.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"googlemaps.github.io/maps"

	"ifarma/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// Route is the cached result of a routed distance lookup between pharmacy and customer.
type Route struct {
	DistanceKm   float64 `json:"distance_km"`
	DistanceText string  `json:"distance_text"`
	DurationText string  `json:"duration_text"`
	Polyline     string  `json:"polyline"`
}

// RouteService handles interactions with the Google Maps Directions API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API key. Extra
// client options (e.g. maps.WithBaseURL) are passed through.
func NewRouteService(apiKey string, opts ...maps.ClientOption) (*RouteService, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// Directions returns the first driving route between origin and destination.
func (s *RouteService) Directions(ctx context.Context, origin, destination types.Point) (*Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
		Language:    "pt-BR",
		Region:      "BR",
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return nil, ErrNoRoute
	}

	leg := routes[0].Legs[0]
	return &Route{
		DistanceKm:   float64(leg.Distance.Meters) / 1000.0,
		DistanceText: leg.Distance.HumanReadable,
		DurationText: durationText(leg.Duration),
		Polyline:     routes[0].OverviewPolyline.Points,
	}, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

// durationText renders durations the way the apps display ETAs ("9 min", "1 h 05 min").
func durationText(d time.Duration) string {
	mins := int((d + 30*time.Second) / time.Minute)
	if mins < 60 {
		return fmt.Sprintf("%d min", mins)
	}
	return fmt.Sprintf("%d h %02d min", mins/60, mins%60)
}
