package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lmarchetti/weather-dashboard/internal/models"
)

type mockResolver struct {
	places []models.GeoPlace
	err    error
	delay  time.Duration
}

func (m *mockResolver) ReverseGeocode(ctx context.Context, lat, lon float64) ([]models.GeoPlace, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.places, m.err
}

func TestLocate_Success(t *testing.T) {
	a := New(&mockResolver{
		places: []models.GeoPlace{{Name: "London", Country: "GB", Lat: 51.5074, Lon: -0.1278}},
	}, time.Second)

	place, q, err := a.Locate(context.Background(), 51.5074, -0.1278)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if place.Name != "London" {
		t.Errorf("place = %+v", place)
	}
	if !q.Coords || q.Lat != 51.5074 {
		t.Errorf("query = %+v, want coordinate query", q)
	}
}

func TestLocate_InvalidCoords(t *testing.T) {
	a := New(&mockResolver{}, time.Second)
	_, _, err := a.Locate(context.Background(), 91, 0)
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("error = %v, want ErrLocationUnavailable", err)
	}
}

func TestLocate_ResolverError(t *testing.T) {
	a := New(&mockResolver{err: errors.New("upstream down")}, time.Second)
	_, _, err := a.Locate(context.Background(), 51.5, -0.12)
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("error = %v, want ErrLocationUnavailable", err)
	}
}

func TestLocate_NoPlacesFallsBackToCoords(t *testing.T) {
	a := New(&mockResolver{places: nil}, time.Second)
	place, q, err := a.Locate(context.Background(), 12.34, 56.78)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if place.Name != "" || place.Lat != 12.34 {
		t.Errorf("place = %+v, want unnamed coordinates", place)
	}
	if !q.Coords {
		t.Errorf("query = %+v, want coordinate query", q)
	}
}

func TestLocate_Timeout(t *testing.T) {
	a := New(&mockResolver{delay: 200 * time.Millisecond}, 20*time.Millisecond)
	_, _, err := a.Locate(context.Background(), 51.5, -0.12)
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("error = %v, want ErrLocationUnavailable on timeout", err)
	}
}
