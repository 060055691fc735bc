// Package core runs the external neuroimaging tools the pipeline is built on.
//
// # Core Types
//
// Command: a tool invocation as an argument vector, never a shell string.
// Executor: starts one process in its own process group and captures its output.
// Runner: prepares a Command for the host environment, applies the step
// timeout and writes the tool log.
// Harvester: probes a directory for the artifacts a tool was expected to leave.
//
// Success of a step is never judged from the exit code. Callers check for the
// artifact the tool should have produced.
package core
