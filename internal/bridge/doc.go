// Package bridge wires the reliability layer together for one session.
//
// Inbound update events flow from the connection manager through the dedup
// window into the batcher, which delivers ordered batches to a sink. Every
// item the sink accepts is acknowledged to the server through the retry
// coordinator, one independent retry sequence per entity. A sync.completed
// event records the replay cursor and forces a flush; every (re)connect asks
// the server to replay from the last cursor.
//
// When the manager reaches Closed the pending batch, the in-flight acks and
// the dedup history are discarded.
package bridge
