/*
Package txcore wires the reliability primitives of a distributed
transaction into one value.

# Overview

A request that changes state across services needs four things: it must be
safe to retry (idempotency), calls to failing dependencies must stop
quickly (circuit breaking), side effects must be announced reliably
(versioned events with dead-lettering), and multi-step work must undo
itself when a later step fails (sagas with compensation). Each lives in its
own subpackage:

	idempotency  records keyed responses and replays them
	breaker      per-dependency circuit breakers
	event        envelopes, producer, consumer, dead-letter intake
	tasks        retry-scheduled HTTP tasks
	saga         step definitions, orchestrator, local executor

Core builds all of them from a config.Config:

	cfg, err := config.Load("txcore.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	core, err := txcore.New(ctx, cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer core.Close()
	core.Start(ctx)

	h, err := core.Orchestrator.ExecuteSaga(ctx, "", steps)

# Backends

Every component has an in-memory backend, which is the default, so a Core
built from config.Default() has no external dependencies. Production
backends are selected per component: SQLite, PostgreSQL or Redis for
idempotency records; NATS JetStream, RabbitMQ or Kafka for events; Redis
for the task queue; SQLite for saga executions; GCS or S3 for parked dead
letters.

# Failure Semantics

Auxiliary side effects never fail the primary operation. A failed
idempotency write still returns the computed response, and a failed event
publish after a committed booking is logged, not returned. Primary
failures carry an errors.Kind so callers can tell "already done" from
"temporarily unavailable" from "failed".
*/
package txcore
