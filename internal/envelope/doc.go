// Package envelope defines the unit of work moved through queues: a header
// carrying identity, routing and retry state, plus an opaque structured
// payload validated against a registered schema.
package envelope
