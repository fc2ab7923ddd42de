package ingest

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
)

// LocationRecord is the message published for every accepted sample.
type LocationRecord struct {
	DriverID   string    `json:"driverId"`
	RideID     string    `json:"rideId,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Sample converts the record back to a location sample.
func (r LocationRecord) Sample() models.LocationSample {
	return models.LocationSample{Lat: r.Lat, Lon: r.Lon, Accuracy: r.Accuracy, Speed: r.Speed, Heading: r.Heading, CapturedAt: r.CapturedAt}
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

// Record publishes a sample keyed by driver so one driver's track stays in
// one partition.
func (k *KafkaProducer) Record(ctx context.Context, driverID, rideID string, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := sonic.Marshal(LocationRecord{
		DriverID: driverID, RideID: rideID,
		Lat: s.Lat, Lon: s.Lon,
		Accuracy: s.Accuracy, Speed: s.Speed, Heading: s.Heading,
		CapturedAt: s.CapturedAt,
	})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
