// Package security provides validation, sanitization, and limits for the route pipeline.
//
// This package includes:
//   - Input validation for job kinds, lane names and idempotency keys
//   - Error message sanitization before error text is stored or logged
//   - Clamping functions for attempts, concurrency and idempotency TTLs
package security
