// Package event provides the versioned event envelope, the producer that
// publishes it and the consumer that dispatches it to handlers.
//
// Every event travels as a JSON Envelope on a topic named after its domain
// and schema version:
//
//	core-api.v1.events
//
// Brokers sit behind two narrow gateways, Publisher and Subscriber.
// MemoryBroker implements both in-process; natsbus, rabbitbus and kafkabus
// adapt real brokers.
//
// # Delivery
//
// Delivery is at least once. The Consumer acks a message only when its
// handler returns nil and nacks it otherwise, so the broker redelivers it
// until its max-delivery policy dead-letters it. Handlers must tolerate
// duplicates; Dedupe wraps a handler with an idempotency store keyed by the
// envelope's content.
//
// # Dead letters
//
// DeadLetterProcessor is the intake for dead-lettered messages. It logs,
// alerts and archives the envelope for manual intervention. It never
// retries or repairs anything by itself.
//
// Design Influences:
//   - Confluent Schema Registry (versioned topics, schema validation)
//   - Google Pub/Sub (ack/nack, push envelopes, dead-letter attributes)
package event
