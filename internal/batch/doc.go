// Package batch implements the inbound batcher.
//
// Updates pushed by the server are collected into a working set keyed by
// entity identity (last write wins), then flushed to a Sink when either
// the batch size is reached or the timeout since the oldest pending item
// elapses. Each flushed batch is sorted by the source ordering timestamp
// and batches reach the sink in the order their flushes fired.
//
// A batch the sink rejects is re-queued a bounded number of times before
// its items are dropped and reported.
package batch
