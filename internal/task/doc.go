// Package task defines the domain model for the gated task lifecycle:
// the Task aggregate, the ordered status graph, the gate table, gate
// invocations with their verdicts, and the external sync records used
// for reconciliation.
//
// The package is deliberately free of I/O. Persistence lives in
// internal/store, state transitions in internal/gate, and external
// mirroring in internal/vcs and internal/tracker. Components outside
// internal/gate must treat Task as read-only: the gate controller is
// the sole writer of Status and GatesPassed.
package task
