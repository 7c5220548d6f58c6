// Package context carries the leased job through a handler's
// context.Context. Handlers read it through pkg/jobctx.
package context
