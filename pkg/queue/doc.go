// Package queue registers job kinds and enqueues jobs onto lanes.
//
// A Queue holds the handler and delivery defaults (lane, priority, attempt
// budget, timeout) of every kind, validates and serializes payloads on
// Enqueue, and fans lifecycle hooks and events out to observers such as
// the metrics collectors and the route status tracker. Workers in
// pkg/worker lease jobs from the same store and report back through the
// hook and event methods.
package queue
