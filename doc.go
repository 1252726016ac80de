// Package lazychart is a hierarchical state machine runtime driven one tick at
// a time by its host.
//
// A StateMachine owns States connected by predicate-gated Transitions. A State
// may carry a child StateMachine (see NewContainerState) and a
// ResourceRequirement that holds back its entry until assets have loaded.
// Everything runs on the caller's goroutine: Update advances timers, processes
// queued requests and takes automatic transitions.
//
// Related packages build on this core: resource caches assets loaded across
// ticks, lazy materializes states and resources on demand under a concurrency
// budget, and realtime drives the whole tree at a fixed rate.
package lazychart
