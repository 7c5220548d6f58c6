// Package notify reports the progress of tracked route requests.
//
// Tracker is the single writer of a request's status: it enforces the
// queued -> running -> succeeded|failed state machine, keeps progress
// non-decreasing, persists the durable Tracking row read by polling and
// then pushes a StatusEvent to a core.Notifier. Pushes are best effort.
//
// Notifiers:
//   - Hub delivers events to WebSocket subscribers in this process.
//   - RedisNotifier publishes events on "status:<request id>" and
//     RedisBridge forwards them to a local Hub, so the API replica that
//     holds the socket need not be the worker that produced the event.
//   - Multi fans out; Nop discards.
package notify
