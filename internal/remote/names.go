package remote

import (
	"context"
	"log"
	"sync"

	"github.com/okadri/stocksync/internal/schema"
)

// resolver maps logical collection names to the physical table name a
// backend actually has, probing fallback candidates on "not found" and
// caching the winner for the rest of the process lifetime.
//
// Resolution order is deterministic: candidates are tried in the order
// schema.NameCandidates returns them. Auth failures are surfaced
// immediately and never trigger a fallback probe.
type resolver struct {
	mu     sync.RWMutex
	cache  map[string]string
	logger *log.Logger
}

func newResolver(logger *log.Logger) *resolver {
	return &resolver{
		cache:  make(map[string]string),
		logger: logger,
	}
}

// do runs fn against the resolved physical name for logical.
//
// With a cached resolution the probe is skipped entirely. Otherwise the
// candidates are tried in order; the first success caches its name. If
// every candidate fails, the error from the primary name is surfaced -
// the fallback failing too is not news.
func (r *resolver) do(ctx context.Context, logical string, fn func(physical string) error) error {
	r.mu.RLock()
	cached, ok := r.cache[logical]
	r.mu.RUnlock()

	if ok {
		return fn(cached)
	}

	candidates := schema.NameCandidates(logical)

	var primaryErr error
	for i, name := range candidates {
		err := fn(name)
		if err == nil {
			r.mu.Lock()
			r.cache[logical] = name
			r.mu.Unlock()
			if i > 0 {
				r.logger.Printf("Resolved collection %s to fallback name %s", logical, name)
			}
			return nil
		}
		if i == 0 {
			primaryErr = err
			// Only naming drift justifies a fallback probe. Auth and
			// transient failures are real failures of the primary table.
			if !IsNotFound(err) || ctx.Err() != nil {
				return err
			}
		}
	}
	// Every candidate failed: surface the primary name's error.
	return primaryErr
}
