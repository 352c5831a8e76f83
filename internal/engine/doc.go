// Package engine provides the asynchronous task orchestrator. It admits
// tasks against a bounded FIFO queue and a concurrency cap, supervises each
// running workload with a cancellable handle and a timeout, and funnels all
// persistence through a single background writer so task goroutines never
// block on the store. Task logs are batched, threshold-filtered, and fanned
// out to live subscribers through an in-memory broker.
package engine
