// Package smsrelay forwards inbound SMS events to an HTTP endpoint. Each
// event is enriched with the installation's user-defined id and API key and
// POSTed as JSON to the configured base URL; three counters (received,
// forwarded, failed) track every envelope and notify registered observers
// on change.
//
// Service reads the broker inbound events arrive on (Go channels, NATS,
// Kafka, RabbitMQ, AWS SNS/SQS or HTTP) from Config, keeps the runtime
// settings in memory, a YAML file or Redis, and serves a small status API
// with the counters, the settings and optional Prometheus metrics. A minimal
// setup fills Config, creates a Service and calls Start; Process forwards a
// single envelope without a broker.
//
// # Delivery
//
// The base URL is stripped of whitespace and must be at least 11 bytes
// long; a trailing "/" is appended and the envelope is POSTed there. A 2xx
// response counts as forwarded, anything else (non-2xx, network error,
// timeout, too-short URL) as failed. Failures are never retried.
//
// # Hooks
//
// ServiceDependencies.Hooks receives OnReceived, OnForwarded and OnFailed
// callbacks for custom logging, alerting or auditing. Metrics and outcome
// events are built on the same hooks.
package smsrelay
