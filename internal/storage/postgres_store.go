package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

const schema = `CREATE TABLE IF NOT EXISTS committed_rides (
	ride_id            TEXT PRIMARY KEY,
	offer_id           TEXT NOT NULL DEFAULT '',
	rider_id           TEXT NOT NULL,
	driver_id          TEXT NOT NULL,
	backend_driver_id  TEXT NOT NULL DEFAULT '',
	pickup_lat         DOUBLE PRECISION NOT NULL,
	pickup_lon         DOUBLE PRECISION NOT NULL,
	dropoff_lat        DOUBLE PRECISION NOT NULL,
	dropoff_lon        DOUBLE PRECISION NOT NULL,
	ride_class         TEXT NOT NULL DEFAULT '',
	price              DOUBLE PRECISION NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	committed_at       TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
)`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the journal table when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate committed_rides: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.CommittedRide) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO committed_rides(ride_id, offer_id, rider_id, driver_id, backend_driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, ride_class, price, status, committed_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (ride_id) DO UPDATE SET backend_driver_id=EXCLUDED.backend_driver_id, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		r.RideID, r.OfferID, r.RiderID, r.DriverPublicID, r.DriverInternalID,
		r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.RideClass, r.Price, string(r.Status), r.CommittedAt, time.Now())
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.CommittedRide) error {
	_, err := p.db.ExecContext(ctx, `UPDATE committed_rides SET backend_driver_id=$1, status=$2, updated_at=$3 WHERE ride_id=$4`,
		r.DriverInternalID, string(r.Status), time.Now(), r.RideID)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
