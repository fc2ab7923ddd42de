package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentConfig captures all tunable parameters for the driver agent.
// Defaults let the agent start against local services; every key can be
// overridden from the environment or from the optional DRIVER_CONFIG file.
type AgentConfig struct {
	ChannelURL  string
	APIBaseURL  string
	TokenFile   string
	ControlAddr string

	SampleInterval         time.Duration
	SensorMinDisplacementM float64
	MinMovementM           float64
	EmitInterval           time.Duration
	SensorReplayFile       string

	AcceptTimeout  time.Duration
	OfferCapacity  int
	OfferTTL       time.Duration
	BackendTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN         string
	RunMigrations bool

	OSRMURL            string
	ETADefaultSpeedMps float64

	ShutdownTimeout time.Duration
	LogLevel        string
}

var defaults = map[string]any{
	"DRIVER_CHANNEL_URL":                  "ws://localhost:8090/socket",
	"DRIVER_API_BASE_URL":                 "http://localhost:8080",
	"DRIVER_TOKEN_FILE":                   "./driver.token",
	"DRIVER_CONTROL_ADDR":                 "127.0.0.1:7070",
	"TELEMETRY_SAMPLE_INTERVAL":           "5s",
	"TELEMETRY_SENSOR_MIN_DISPLACEMENT_M": 10.0,
	"TELEMETRY_MIN_MOVEMENT_M":            5.0,
	"TELEMETRY_EMIT_INTERVAL":             "5s",
	"SENSOR_REPLAY_FILE":                  "",
	"DISPATCH_ACCEPT_TIMEOUT":             "10s",
	"DISPATCH_OFFER_CAPACITY":             2,
	"DISPATCH_OFFER_TTL":                  "30s",
	"BACKEND_TIMEOUT":                     "8s",
	"REDIS_ADDR":                          "",
	"REDIS_PASSWORD":                      "",
	"REDIS_GEO_KEY":                       "drivers_last_known",
	"KAFKA_BROKERS":                       "",
	"KAFKA_TOPIC":                         "driver-telemetry",
	"KAFKA_GROUP":                         "driver-telemetry-consumer",
	"PG_DSN":                              "",
	"MIGRATE":                             false,
	"OSRM_URL":                            "",
	"ETA_DEFAULT_SPEED_MPS":               8.0,
	"SHUTDOWN_TIMEOUT":                    "10s",
	"LOG_LEVEL":                           "info",
}

// LoadAgentConfig reads defaults, then DRIVER_CONFIG (if set), then the
// environment. All parse and validation errors are returned together.
func LoadAgentConfig() (AgentConfig, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	var errs []error
	if file := strings.TrimSpace(v.GetString("DRIVER_CONFIG")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", file, err))
		}
	}
	return fromViper(v, errs)
}

func fromViper(v *viper.Viper, errs []error) (AgentConfig, error) {
	cfg := AgentConfig{
		ChannelURL:             strings.TrimSpace(v.GetString("DRIVER_CHANNEL_URL")),
		APIBaseURL:             strings.TrimRight(strings.TrimSpace(v.GetString("DRIVER_API_BASE_URL")), "/"),
		TokenFile:              v.GetString("DRIVER_TOKEN_FILE"),
		ControlAddr:            v.GetString("DRIVER_CONTROL_ADDR"),
		SensorMinDisplacementM: v.GetFloat64("TELEMETRY_SENSOR_MIN_DISPLACEMENT_M"),
		MinMovementM:           v.GetFloat64("TELEMETRY_MIN_MOVEMENT_M"),
		SensorReplayFile:       v.GetString("SENSOR_REPLAY_FILE"),
		OfferCapacity:          v.GetInt("DISPATCH_OFFER_CAPACITY"),
		RedisAddr:              strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:          v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:            v.GetString("REDIS_GEO_KEY"),
		KafkaBrokers:           splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:             v.GetString("KAFKA_TOPIC"),
		KafkaGroup:             v.GetString("KAFKA_GROUP"),
		PGDSN:                  v.GetString("PG_DSN"),
		RunMigrations:          v.GetBool("MIGRATE"),
		OSRMURL:                strings.TrimSpace(v.GetString("OSRM_URL")),
		ETADefaultSpeedMps:     v.GetFloat64("ETA_DEFAULT_SPEED_MPS"),
		LogLevel:               strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	setDuration(v, &cfg.SampleInterval, "TELEMETRY_SAMPLE_INTERVAL", &errs)
	setDuration(v, &cfg.EmitInterval, "TELEMETRY_EMIT_INTERVAL", &errs)
	setDuration(v, &cfg.AcceptTimeout, "DISPATCH_ACCEPT_TIMEOUT", &errs)
	setDuration(v, &cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setDuration(v, &cfg.BackendTimeout, "BACKEND_TIMEOUT", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c AgentConfig) validate() []error {
	var errs []error
	if u, err := url.Parse(c.ChannelURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("DRIVER_CHANNEL_URL must be a ws:// or wss:// url"))
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("DRIVER_API_BASE_URL must be an http(s) url"))
	}
	if c.OfferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_CAPACITY must be > 0"))
	}
	if c.AcceptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ACCEPT_TIMEOUT must be > 0"))
	}
	if c.EmitInterval <= 0 {
		errs = append(errs, fmt.Errorf("TELEMETRY_EMIT_INTERVAL must be > 0"))
	}
	if c.MinMovementM < 0 {
		errs = append(errs, fmt.Errorf("TELEMETRY_MIN_MOVEMENT_M must be >= 0"))
	}
	return errs
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = d
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig is the telemetry consumer's configuration.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	LogLevel      string
}

var consumerDefaults = map[string]any{
	"KAFKA_BROKERS":         "localhost:9092",
	"KAFKA_TOPIC":           "driver-telemetry",
	"KAFKA_GROUP":           "driver-telemetry-consumer",
	"REDIS_ADDR":            "localhost:6379",
	"REDIS_PASSWORD":        "",
	"REDIS_GEO_KEY":         "drivers_last_known",
	"CONSUMER_METRICS_ADDR": ":2112",
	"LOG_LEVEL":             "info",
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v := viper.New()
	for k, d := range consumerDefaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	cfg := ConsumerConfig{
		KafkaBrokers:  splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:    v.GetString("KAFKA_TOPIC"),
		KafkaGroup:    v.GetString("KAFKA_GROUP"),
		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   v.GetString("REDIS_GEO_KEY"),
		MetricsAddr:   v.GetString("CONSUMER_METRICS_ADDR"),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
	}
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_TOPIC must be set"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR must be set"))
	}
	return cfg, errors.Join(errs...)
}
