package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

type failingClient struct{ calls int }

func (f *failingClient) Route(context.Context, models.GeoPoint, models.GeoPoint) (Route, error) {
	f.calls++
	return Route{}, errors.New("down")
}

func TestPickupFallsBackToHaversine(t *testing.T) {
	c := &failingClient{}
	e := &Estimator{Client: c, DefaultSpeedMps: 10}
	from := models.GeoPoint{Lat: 12.9716, Lon: 77.5946}
	to := models.GeoPoint{Lat: 12.9816, Lon: 77.5946}
	p := e.Pickup(context.Background(), from, to)
	if p.Source != "haversine" || c.calls != 1 {
		t.Fatalf("expected haversine fallback, got %+v", p)
	}
	if p.ETASeconds < 100 || p.ETASeconds > 120 {
		t.Fatalf("unexpected eta %v for ~1.1km at 10m/s", p.ETASeconds)
	}
}

func TestPickupUsesOSRMAndCaches(t *testing.T) {
	calls := 0
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":1450.2,"duration":321.5}]}`))
	}))
	defer srv.Close()

	e := &Estimator{Client: NewOSRMClient(srv.URL), Cache: NewCache(time.Minute)}
	from := models.GeoPoint{Lat: 1, Lon: 1}
	to := models.GeoPoint{Lat: 1.01, Lon: 1}
	if p := e.Pickup(context.Background(), from, to); p.Source != "osrm" || p.ETASeconds != 321.5 || p.DistanceM != 1450.2 {
		t.Fatalf("unexpected first estimate %+v", p)
	}
	if gotPath != "/route/v1/driving/1.000000,1.000000;1.000000,1.010000" {
		t.Fatalf("coordinates not sent lon,lat: %s", gotPath)
	}
	if p := e.Pickup(context.Background(), from, to); p.Source != "cache" || p.DistanceM != 1450.2 {
		t.Fatalf("unexpected cached estimate %+v", p)
	}
	if calls != 1 {
		t.Fatalf("expected one OSRM call, got %d", calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	a, b := models.GeoPoint{Lat: 1, Lon: 1}, models.GeoPoint{Lat: 2, Lon: 2}
	c.Set(a, b, Route{DistanceM: 10, DurationS: 2})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatalf("expired entry returned")
	}
}

func TestOSRMErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route between points"}`))
	}))
	defer srv.Close()

	client := NewOSRMClient(srv.URL + "/")
	if _, err := client.Route(context.Background(), models.GeoPoint{Lat: 1, Lon: 1}, models.GeoPoint{Lat: 2, Lon: 2}); err == nil {
		t.Fatalf("expected an error for NoRoute")
	}
	e := &Estimator{Client: client}
	if p := e.Pickup(context.Background(), models.GeoPoint{Lat: 1, Lon: 1}, models.GeoPoint{Lat: 1.001, Lon: 1}); p.Source != "haversine" {
		t.Fatalf("expected haversine fallback, got %+v", p)
	}
}
