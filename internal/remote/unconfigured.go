package remote

import (
	"context"

	"github.com/okadri/stocksync/internal/schema"
)

// unconfigured is the adapter used when no backend credentials exist.
// Every call reports ErrUnconfigured so callers can keep operating in
// local-only mode without null-checking a missing adapter.
type unconfigured struct{}

// Unconfigured returns the no-backend adapter.
func Unconfigured() Adapter {
	return unconfigured{}
}

func (unconfigured) Push(ctx context.Context, collection string, op Op, entityID string, doc []byte) error {
	return ErrUnconfigured
}

func (unconfigured) Pull(ctx context.Context, collection string) ([]*schema.Entity, error) {
	return nil, ErrUnconfigured
}

func (unconfigured) Close() error {
	return nil
}
