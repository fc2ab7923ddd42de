package sensor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
)

func collect(t *testing.T, ch <-chan models.LocationSample) []models.LocationSample {
	t.Helper()
	var got []models.LocationSample
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, s)
		case <-timeout:
			t.Fatalf("replay did not finish")
		}
	}
}

func TestReplaySkipsSmallMoves(t *testing.T) {
	track := []models.LocationSample{
		{Lat: 12.9716, Lon: 77.5946},
		{Lat: 12.97161, Lon: 77.5946}, // ~1m
		{Lat: 12.9726, Lon: 77.5946},  // ~110m
	}
	r := NewReplay(track, false, logging.Discard())
	ch, err := r.Watch(context.Background(), WatchOptions{Interval: time.Millisecond, MinDisplacementM: 10})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, ch)
	if len(got) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(got))
	}
	if got[1].Lat != 12.9726 {
		t.Fatalf("unexpected second reading %+v", got[1])
	}
	if got[0].CapturedAt.IsZero() {
		t.Fatalf("capture time not stamped")
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	track := []models.LocationSample{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
	r := NewReplay(track, true, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Watch(ctx, WatchOptions{Interval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	<-ch
	cancel()
	collect(t, ch)
}

func TestLoadReplaySkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.jsonl")
	data := `{"lat":12.97,"lon":77.59}
not json
{"lat":123,"lon":77.59}

{"lat":12.98,"lon":77.60}
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := LoadReplay(path, false, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(r.track) != 2 {
		t.Fatalf("expected 2 usable samples, got %d", len(r.track))
	}
}

func TestFeedDeliversToWatcher(t *testing.T) {
	f := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := f.Watch(ctx, WatchOptions{})
	if !f.Push(models.LocationSample{Lat: 1, Lon: 2}) {
		t.Fatalf("push dropped")
	}
	select {
	case s := <-ch:
		if s.Lat != 1 || s.CapturedAt.IsZero() {
			t.Fatalf("unexpected sample %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("sample not delivered")
	}
}
