package notify

import (
	"context"
	"errors"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// Multi pushes to every notifier and joins their errors.
type Multi []core.Notifier

// Push implements core.Notifier.
func (m Multi) Push(ctx context.Context, ev core.StatusEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Push(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Push implements core.Notifier.
func (Nop) Push(context.Context, core.StatusEvent) error { return nil }
