// Package handler adapts typed job handler functions to raw JSON payloads
// and carries the per-kind delivery settings chosen at registration.
package handler
