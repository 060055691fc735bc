// Package pipeline drives a batch: discovery, unit selection, and the fixed
// deface, mask, register and reorganize sequence for every selected session,
// run by a bounded pool of workers.
//
// Units are independent. A unit that fails is recorded in the batch report
// and never stops its siblings; only structural problems, detected before
// any tool runs, abort the batch.
package pipeline
