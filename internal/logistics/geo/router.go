package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"googlemaps.github.io/maps"

	"dispatchBack/internal/logistics/repo"
)

// Route is a distance and duration estimate.
type Route struct {
	DistanceMeters  int
	DurationSeconds int
}

// Router estimates travel between two points.
type Router interface {
	Route(ctx context.Context, from, to repo.Point) (Route, error)
}

// GoogleRouter uses the Distance Matrix API.
type GoogleRouter struct {
	client *maps.Client
}

// NewGoogleRouter creates a GoogleRouter for apiKey.
func NewGoogleRouter(apiKey string) (*GoogleRouter, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

// Route implements Router.
func (g *GoogleRouter) Route(ctx context.Context, from, to repo.Point) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, errors.New("no route found")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Route{}, fmt.Errorf("no route found: %s", el.Status)
	}
	return Route{DistanceMeters: el.Distance.Meters, DurationSeconds: int(el.Duration.Seconds())}, nil
}

func latLng(p repo.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// StraightLineRouter estimates by great-circle distance and an average speed.
type StraightLineRouter struct {
	SpeedKmh float64
	// Detour scales the straight line to approximate road distance.
	Detour float64
}

// Route implements Router.
func (s StraightLineRouter) Route(_ context.Context, from, to repo.Point) (Route, error) {
	speed := s.SpeedKmh
	if speed <= 0 {
		speed = 25
	}
	detour := s.Detour
	if detour < 1 {
		detour = 1.3
	}
	meters := Haversine(from, to) * detour
	return Route{
		DistanceMeters:  int(math.Round(meters)),
		DurationSeconds: int(math.Round(meters / (speed * 1000 / 3600))),
	}, nil
}

// FallbackRouter tries Primary and uses Fallback when it fails or is nil.
type FallbackRouter struct {
	Primary  Router
	Fallback Router
	OnError  func(error)
}

// Route implements Router.
func (f FallbackRouter) Route(ctx context.Context, from, to repo.Point) (Route, error) {
	if f.Primary != nil {
		r, err := f.Primary.Route(ctx, from, to)
		if err == nil {
			return r, nil
		}
		if f.OnError != nil {
			f.OnError(err)
		}
	}
	return f.Fallback.Route(ctx, from, to)
}
