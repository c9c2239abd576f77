package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Tag store backends.
const (
	TagStoreKafka    = "kafka"
	TagStoreDynamoDB = "dynamodb"
	TagStoreNone     = "none"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Acquisition tuning.
	DesiredAccuracy    float64
	AcquisitionTimeout time.Duration
	MaxFixAge          time.Duration

	// GPS receiver.
	GPSPort string
	GPSBaud uint
	GPSUERE float64

	// Mapbox reverse geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int

	TagStore      string
	KafkaBrokers  []string
	KafkaTagTopic string
	DynamoDBTable string

	// MQTT snapshot publishing; disabled when MQTTBroker is empty.
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	mapboxTimeout, err := parsePositiveDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	acquisitionTimeout, err := parsePositiveDuration("ACQUISITION_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	maxFixAge, err := parsePositiveDuration("MAX_FIX_AGE", "5s")
	if err != nil {
		return nil, err
	}

	desiredAccuracy, err := parsePositiveFloat("DESIRED_ACCURACY", "10")
	if err != nil {
		return nil, err
	}
	uere, err := parsePositiveFloat("GPS_UERE", "5")
	if err != nil {
		return nil, err
	}

	baud, err := strconv.ParseUint(sharedcfg.EnvOrDefault("GPS_BAUD", "9600"), 10, 32)
	if err != nil || baud == 0 {
		return nil, errors.New("invalid GPS_BAUD")
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		DesiredAccuracy:    desiredAccuracy,
		AcquisitionTimeout: acquisitionTimeout,
		MaxFixAge:          maxFixAge,

		GPSPort: sharedcfg.EnvOrDefault("GPS_PORT", "/dev/ttyUSB0"),
		GPSBaud: uint(baud),
		GPSUERE: uere,

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parseMapboxCacheSize(),

		TagStore:      sharedcfg.EnvOrDefault("TAG_STORE", TagStoreNone),
		KafkaBrokers:  sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTagTopic: sharedcfg.EnvOrDefault("KAFKA_TAG_TOPIC", "tagged-locations"),
		DynamoDBTable: sharedcfg.EnvOrDefault("DYNAMODB_TABLE", "tagged_locations"),

		MQTTBroker:   os.Getenv("MQTT_BROKER"),
		MQTTTopic:    sharedcfg.EnvOrDefault("MQTT_TOPIC", "mylocations/acquisition"),
		MQTTClientID: sharedcfg.EnvOrDefault("MQTT_CLIENT_ID", "location-acquisition"),
	}

	if cfg.GPSPort == "" {
		return nil, errors.New("GPS_PORT is required")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	switch cfg.TagStore {
	case TagStoreNone:
	case TagStoreKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaTagTopic == "" {
			return nil, errors.New("KAFKA_TAG_TOPIC is required")
		}
	case TagStoreDynamoDB:
		if cfg.DynamoDBTable == "" {
			return nil, errors.New("DYNAMODB_TABLE is required")
		}
	default:
		return nil, fmt.Errorf("invalid TAG_STORE %q: want kafka, dynamodb or none", cfg.TagStore)
	}

	return cfg, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveFloat(key, def string) (float64, error) {
	f, err := strconv.ParseFloat(sharedcfg.EnvOrDefault(key, def), 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return f, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
