// Package storage implements the pipeline's persistence ports on GORM.
//
// GormStorage backs the job queue, route plans, POIs, tracking rows,
// idempotency records and the short-lived coordination markers. It runs on
// SQLite for development and tests and on PostgreSQL in production, where
// leases use FOR UPDATE SKIP LOCKED and unique enqueues take an advisory
// lock. Open builds a connection for either driver.
package storage
