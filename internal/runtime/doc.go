/*
Package runtime wires the SMS relay together.

A relay process consumes inbound SMS events from a broker, enriches each one
with the installation's user-defined id and API key, and POSTs it as JSON to
the configured base URL. Three counters (received, forwarded, failed) track
the outcome of every envelope and every change is pushed to the registered
observers.

# Components

  - settings/: runtime settings (base URL, API key, user-defined id) with
    memory, YAML file and Redis stores
  - counters/, observers/: the tallies and the listeners notified on change
  - envelope/: the forwarded JSON document
  - delivery/: one HTTP POST per envelope through a Watermill HTTP publisher
  - pipeline/: Process, the glue between the three above
  - source/: the broker consumer feeding the pipeline
  - transport/: broker connections (channel, NATS, Kafka, RabbitMQ, AWS, HTTP)
  - config/, logging/, errors/, codec/: the ambient stack

This package adds the Service that owns all of them, the status API
(StatusServer), Prometheus metrics (RelayMetrics) and outcome events
(OutcomePublisher).

# Usage

	conf, err := config.Load("smsrelay.yaml")
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
