package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/example/instapool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// College Park area, roughly 1.4km apart
	d := Distance(models.Point{Lon: -76.94, Lat: 38.98}, models.Point{Lon: -76.95, Lat: 38.97})
	if d < 1300 || d > 1500 {
		t.Fatalf("expected ~1.4km, got %f m", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	// one degree of latitude is ~111.2km everywhere
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 200 {
		t.Fatalf("expected ~111.2km, got %f m", d)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		p    models.Point
		ok   bool
	}{
		{"origin", models.Point{}, true},
		{"normal", models.Point{Lon: -76.94, Lat: 38.98}, true},
		{"lon too big", models.Point{Lon: 181, Lat: 0}, false},
		{"lat too small", models.Point{Lon: 0, Lat: -91}, false},
		{"nan", models.Point{Lon: math.NaN(), Lat: 0}, false},
		{"inf", models.Point{Lon: 0, Lat: math.Inf(1)}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.p)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			if !errors.Is(err, ErrInvalidCoordinate) {
				t.Fatalf("%s: expected ErrInvalidCoordinate, got %v", tc.name, err)
			}
		}
	}
}
