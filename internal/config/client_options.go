package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientOptions are the recognized replica-side options, loadable from a
// YAML file.
type ClientOptions struct {
	Database struct {
		Name string `yaml:"name"`
	} `yaml:"database"`
	Sync struct {
		Enabled            bool              `yaml:"enabled"`
		URL                string            `yaml:"url"`
		Interval           time.Duration     `yaml:"interval"`
		BatchSize          int               `yaml:"batchSize"`
		Headers            map[string]string `yaml:"headers"`
		EnableWebSocket    bool              `yaml:"enableWebSocket"`
		WebSocketURL       string            `yaml:"websocketUrl"`
		EnableCompression  bool              `yaml:"enableCompression"`
		CompressionLevel   int               `yaml:"compressionLevel"`
		ConflictResolution string            `yaml:"conflictResolution"`
		ClientID           string            `yaml:"clientId"`
	} `yaml:"sync"`
	Outbox struct {
		MaxRetries             int           `yaml:"maxRetries"`
		RetryDelay             time.Duration `yaml:"retryDelay"`
		RetryBackoffMultiplier float64       `yaml:"retryBackoffMultiplier"`
		MaxRetryDelay          time.Duration `yaml:"maxRetryDelay"`
	} `yaml:"outbox"`
}

// DefaultClientOptions mirrors the protocol defaults.
func DefaultClientOptions() ClientOptions {
	var o ClientOptions
	o.Database.Name = "driftsync"
	o.Sync.Enabled = true
	o.Sync.Interval = 60 * time.Second
	o.Sync.BatchSize = 100
	o.Sync.EnableWebSocket = true
	o.Sync.EnableCompression = true
	o.Sync.CompressionLevel = 6
	o.Sync.ConflictResolution = "lww"
	o.Outbox.MaxRetries = 5
	o.Outbox.RetryDelay = time.Second
	o.Outbox.RetryBackoffMultiplier = 2
	o.Outbox.MaxRetryDelay = 60 * time.Second
	return o
}

// LoadClientOptions reads a YAML options file over the defaults.
func LoadClientOptions(path string) (ClientOptions, error) {
	opts := DefaultClientOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}
