// Package core provides the fundamental types and ports of the route pipeline.
//
// This package contains:
//   - Job, RoutePlan, POI and bookkeeping models with GORM annotations
//   - RouteRequest with its validation rules
//   - Port interfaces implemented by storage, cache and notifier adapters
//   - Event types for queue monitoring
//   - The error taxonomy shared by the gatekeeper and the workers
package core
