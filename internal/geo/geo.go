// Package geo translates browser-supplied coordinates into a weather lookup
// target. Failures are never fatal: the presentation layer renders them as a
// banner and the dashboard keeps working.
package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lmarchetti/weather-dashboard/internal/models"
	"github.com/lmarchetti/weather-dashboard/internal/validation"
)

// ErrLocationUnavailable is returned when coordinates cannot be resolved to a
// place: denied/missing coordinates, timeout, or no geocoding result.
var ErrLocationUnavailable = errors.New("location unavailable")

// Resolver is the slice of the query layer the adapter needs.
type Resolver interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) ([]models.GeoPlace, error)
}

// Adapter resolves coordinate pairs to named places.
type Adapter struct {
	resolver Resolver
	timeout  time.Duration
}

// New returns an Adapter. timeout caps each resolution; zero means 5s.
func New(resolver Resolver, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{resolver: resolver, timeout: timeout}
}

// Locate validates the coordinates and reverse-geocodes them. On success it
// returns the nearest place and the LocationQuery to feed the query layer.
// Every failure maps to ErrLocationUnavailable with the cause wrapped.
func (a *Adapter) Locate(ctx context.Context, lat, lon float64) (models.GeoPlace, models.LocationQuery, error) {
	if err := validation.ValidateCoords(lat, lon); err != nil {
		return models.GeoPlace{}, models.LocationQuery{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	places, err := a.resolver.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		return models.GeoPlace{}, models.LocationQuery{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	if len(places) == 0 {
		// No named place near the coordinates; the raw pair still works as a
		// weather query.
		return models.GeoPlace{Lat: lat, Lon: lon}, models.CoordQuery(lat, lon), nil
	}
	return places[0], models.CoordQuery(lat, lon), nil
}
