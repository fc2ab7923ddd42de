package sensor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// ReplaySensor plays back a recorded GPS track stored as one JSON
// LocationSample per line. Each watch starts from the beginning of the
// track, one reading per interval; readings closer than the displacement
// hint to the previous delivered one are skipped.
type ReplaySensor struct {
	track  []models.LocationSample
	loop   bool
	logger *slog.Logger
}

// LoadReplay reads a track file. Lines that fail to decode or validate are
// skipped.
func LoadReplay(path string, loop bool, logger *slog.Logger) (*ReplaySensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open track: %w", err)
	}
	defer f.Close()

	var track []models.LocationSample
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var s models.LocationSample
		if err := sonic.Unmarshal(sc.Bytes(), &s); err != nil {
			logger.Warn("skipping track line", "line", line, "error", err)
			continue
		}
		if err := models.Validate(s); err != nil {
			logger.Warn("skipping track line", "line", line, "error", err)
			continue
		}
		track = append(track, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read track: %w", err)
	}
	if len(track) == 0 {
		return nil, fmt.Errorf("track %s has no usable samples", path)
	}
	return NewReplay(track, loop, logger), nil
}

func NewReplay(track []models.LocationSample, loop bool, logger *slog.Logger) *ReplaySensor {
	return &ReplaySensor{track: track, loop: loop, logger: logger}
}

func (r *ReplaySensor) Watch(ctx context.Context, opts WatchOptions) (<-chan models.LocationSample, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("replay sensor: interval must be positive")
	}
	out := make(chan models.LocationSample)
	go func() {
		defer close(out)
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		var last *models.LocationSample
		i := 0
		for {
			if i == len(r.track) {
				if !r.loop {
					r.logger.Info("replay track finished", "samples", len(r.track))
					return
				}
				i = 0
			}
			s := r.track[i]
			i++
			if last != nil && !geo.Moved(last, s, opts.MinDisplacementM) {
				continue
			}
			s.CapturedAt = time.Now()
			select {
			case out <- s:
				last = &s
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
