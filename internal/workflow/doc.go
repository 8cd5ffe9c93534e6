// Package workflow drives the scheduler from a long-lived Temporal workflow.
// Wakes arrive as signals through SignalWithStartWorkflow; the workflow ticks,
// sleeps with durable timers while work remains, and continues as new to keep
// its history bounded.
package workflow
