// Package policy defines the step policies executed inside flows and the
// processors that run them.
//
// A Policy is built once per flow step from its configuration and shared by
// every request of the deployment. Per-request state lives in the execution
// context. A step becomes a StepProcessor for one phase; the processor checks
// the step condition, runs the phase hook, and relays the body through the
// policy's BodyTransformer when it has one.
//
// Built-in policies cover header transformation, attribute assignment, rate
// limiting, Rego authorization through an embedded OPA engine, data loss
// prevention on streamed bodies, and mock responses.
package policy
