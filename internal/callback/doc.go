// Package callback delivers job execution outcomes from a worker node back to
// its coordinator services.
//
// Producers (job executors) hand finished results to Dispatcher.Push, which
// only appends to an in-memory Queue and never blocks on the network. A
// dispatch loop takes the first queued record, drains everything else that has
// accumulated and fans the batch out to every configured Endpoint
// concurrently. A failure on one endpoint is logged, published on the event
// bus and recorded in a bounded retry log for that endpoint alone; a second
// loop wakes on a fixed interval (or cron schedule) and re-sends those
// entries.
//
// # Shutdown
//
// Stop cancels both loops and waits for them. The dispatch loop finishes any
// in-flight batch, drains the queue one final time and attempts to deliver
// that batch before it exits, so every record pushed before Stop is called has
// been offered to every endpoint at least once.
//
// # Durability
//
// The queue itself is memory-only. When a storage.Store is configured, the
// retry log is mirrored to it and restored by the next Start.
package callback
