// Package transport implements the full-duplex event channel used by the
// connection manager.
//
// Frames are JSON envelopes carrying an event name and payload. Handlers
// are registered per event name and released through the Subscription
// returned by On. Lifecycle changes are delivered as ordinary events:
//   - connect: the socket is open
//   - connect_error: the dial failed (Event.Err says why)
//   - disconnect: the socket went away (Event.Reason says why)
//   - error: the server reported an error or sent a bad frame
//
// A Client is single-use and never reconnects on its own: retry policy
// belongs to the caller, and a fresh Client is opened for every attempt.
//
// Handlers run on the read goroutine, in frame order. A handler must not
// block on Request for the same Client, because the reply is read by the
// goroutine running the handler.
package transport
