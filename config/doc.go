// Package config loads the client configuration.
//
// Configuration is layered: built-in defaults, then each file added to the
// Loader in order (JSON or YAML, chosen by extension), then ASPEN_*
// environment variables. Files only override the keys they contain.
//
//	loader := config.NewLoader()
//	loader.AddLayer("aspen.yaml")
//	loader.AddLayer("aspen.local.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// A minimal YAML file for the CouchDB backend:
//
//	backend: couch
//	api:
//	  url: https://api.example.com
//	  app_id: notes
//	outbox:
//	  sweep_interval: 1m
//	  lease_ttl: 30s
//
// api.tls and nats.tls add trusted CA files, a minimum TLS version and a
// client certificate for mutual TLS (see pkg/tlsutil).
//
// Durations accept Go syntax ("90s", "5m") and whole days ("14d").
//
// # Environment
//
//	ASPEN_BACKEND, ASPEN_API_URL, ASPEN_APP_ID, ASPEN_ID_TOKEN,
//	ASPEN_ACCESS_TOKEN, ASPEN_USER_ID, ASPEN_NATS_URLS (comma separated),
//	ASPEN_NATS_USERNAME, ASPEN_NATS_PASSWORD, ASPEN_NATS_TOKEN,
//	ASPEN_NATS_BUCKET, ASPEN_NATS_STREAM, ASPEN_OUTBOX_SWEEP_INTERVAL,
//	ASPEN_OUTBOX_LEASE_TTL, ASPEN_METRICS_ENABLED, ASPEN_METRICS_ADDR,
//	ASPEN_METRICS_PATH, ASPEN_LOG_LEVEL, ASPEN_LOG_FORMAT
//
// Validate checks the fields the selected backend needs. Tokens are masked
// by String and Redacted.
package config
