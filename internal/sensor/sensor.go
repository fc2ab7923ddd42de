// Package sensor provides device position sources for telemetry.
package sensor

import (
	"context"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// WatchOptions are hints for the underlying position source. Sources may
// deliver less often than Interval but should not report moves shorter
// than MinDisplacementM.
type WatchOptions struct {
	Interval         time.Duration
	MinDisplacementM float64
}

// Sensor streams position readings until ctx is cancelled. The returned
// channel is closed when the source stops.
type Sensor interface {
	Watch(ctx context.Context, opts WatchOptions) (<-chan models.LocationSample, error)
}

// Feed is a sensor driven by an external caller, typically the device UI
// posting readings to the control API. Readings pushed while nobody is
// watching are discarded.
type Feed struct {
	in chan models.LocationSample
}

func NewFeed() *Feed {
	return &Feed{in: make(chan models.LocationSample, 16)}
}

// Push offers a reading to the current watcher. It never blocks; it
// reports false when the reading was dropped.
func (f *Feed) Push(s models.LocationSample) bool {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	select {
	case f.in <- s:
		return true
	default:
		return false
	}
}

func (f *Feed) Watch(ctx context.Context, _ WatchOptions) (<-chan models.LocationSample, error) {
	out := make(chan models.LocationSample)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-f.in:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
