/*
Package dispatcher throttles a live frame stream down to the rate the
inference backend can sustain.

# Overview

A live capture source produces frames far faster than a backend can
process them. The dispatcher sits between the two:

	capture ──Offer()──▶ [gate] ──▶ [mailbox] ──▶ inference goroutine ──▶ Handler(Event)
	                    min-interval   1 slot        (one call at a time)

# Admission gate

For a frame at time t the gate computes t - lastAdmitted. If that is
smaller than MinInterval (default 100ms) the frame is discarded and
lastAdmitted is NOT updated. Otherwise lastAdmitted becomes t and the
frame moves on. The first frame ever offered is always admitted.

	min=100ms, frames at 0, 50, 100, 180, 210 → admitted 0, 100, 210

Frames are never queued: the gate keeps the dispatch rate bounded no
matter how bursty the producer is.

# Mailbox

Admitted frames land in a single-slot mailbox. If inference is still busy
with the previous frame, a newer admitted frame replaces the pending one
(counted in Stats.MailboxDrops). The backend therefore always works on
the freshest admitted frame.

# Results

Each completed inference becomes one perception.Event handed to the
Handler registered in Config:

  - Kind EventResult: carries the ResultFrame (Index is -1)
  - Kind EventError: a single failed call, wrapped in perception.InferenceError

Results that come back after the session was torn down
(perception.ErrStaleSession) are dropped and only counted.

The handler runs on the dispatcher goroutine and must not block;
resultbus.Bus.Publish is the intended handler.

# Lifecycle

	d, _ := dispatcher.New(dispatcher.Config{Infer: ctrl.Infer, Handler: bus.Publish})
	d.Start(ctx)
	for frame := range frames {
	    d.Offer(frame)
	}
	d.Stop()

Stop cancels the context passed to an in-flight Infer call and waits for
the goroutine to exit; after it returns the handler is never called again.
*/
package dispatcher
