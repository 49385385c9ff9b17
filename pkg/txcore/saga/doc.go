// Package saga models multi-step transactions with compensating rollbacks
// and submits them to a workflow executor.
//
// A saga is an ordered list of steps. Each step has an execute target and
// an optional compensate target, both an HTTP address plus a JSON payload
// that may contain {{placeholder}} tokens. The executor runs the steps in
// order; on the first failure it compensates exactly the steps that
// executed, newest first. CompensationOrder is the single definition of
// that ordering and every executor in this package uses it.
//
// The Orchestrator does not run steps. It validates the definition,
// submits it once and returns the execution handle:
//
//	def, err := saga.NewBuilder("booking").
//		Step("create_booking",
//			saga.Target{URL: bookingURL + "/execute", Payload: booking},
//			saga.Target{URL: bookingURL + "/compensate", Payload: map[string]any{"booking_id": "{{booking_id}}"}}).
//		Step("process_payment", charge, refund).
//		Build()
//	h, err := orch.Execute(ctx, def)
//	status, err := orch.GetExecutionStatus(ctx, h)
//
// LocalExecutor is an in-process Executor for tests and single-node
// deployments. It is not durable: executions in flight are lost when the
// process exits.
//
// Design Influences:
//   - Microservices.io Saga Pattern
//   - Google Cloud Workflows executions API
//   - Temporal Sagas
package saga
