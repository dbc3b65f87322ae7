// Package jobs defines the River job types of the orchestrator.
//
// Jobs carry identifiers only; workers reload state from the store, so a
// retried or duplicated job sees current data.
package jobs
