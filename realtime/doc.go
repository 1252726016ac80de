// Package realtime drives a lazychart machine tree at a fixed tick rate.
//
// Hosts never call the machine from their own goroutines. They submit
// requests through the Controller methods, which are safe for concurrent use.
// Requests are batched and applied at the next tick boundary:
//
//	rt := realtime.NewRuntime(machine, realtime.Config{
//		TickRate: 16667 * time.Microsecond, // 60 FPS
//	}, realtime.WithStore(store), realtime.WithRegistry(registry))
//	rt.Start(ctx)
//	rt.RequestStart("boot")
//	rt.RequestTransition("boot", "menu")
//
// # Tick phases
//
// Each tick, whether from the loop or a manual Step call, runs:
//  1. Apply queued requests in priority then submission order
//  2. Advance pending resource loads
//  3. Advance the lazy load scheduler
//  4. Update the machine tree with the fixed time step
//
// A transition is therefore never interleaved with an Update, and a request
// targeting a lazily registered state loads it first and enters it on
// completion.
//
// # Determinism
//
// The time step passed to Update is always the configured tick rate, not the
// measured wall time, so the same request sequence replays identically. Tests
// call Step directly instead of starting the loop.
package realtime
