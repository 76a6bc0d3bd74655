// Package concurrency provides the process-global resource deduplication
// primitive spec §5 and §9 describe: a second caller requesting the same
// ResourceId awaits the first caller's result instead of issuing a
// duplicate fetch or build.
//
// Modeled as an explicit dependency object (never a module-level
// singleton, per §9's "Global mutable state" design note) wrapping
// golang.org/x/sync/singleflight, which already implements exactly the
// "subscribe before checking the map; publisher broadcasts; late
// subscribers read from the now-populated map" shape §9 asks for.
package concurrency

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// InFlight deduplicates concurrent operations keyed by ResourceId (a
// stable string identity: URL, Git commit, or path+mtime fingerprint hex).
type InFlight struct {
	group singleflight.Group
}

// NewInFlight returns a ready-to-use deduplication map.
func NewInFlight() *InFlight {
	return &InFlight{}
}

// Do runs fn for key if no call for key is already in flight; otherwise it
// waits for the in-flight call and returns its result. shared reports
// whether the result was shared with another caller (useful for metrics;
// never required for correctness).
func (f *InFlight) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error) {
	type result struct {
		v   any
		err error
	}

	ch := f.group.DoChan(key, func() (any, error) {
		return fn(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	}
}

// Forget releases key so the next Do call issues a fresh fn invocation.
// Used after a cache eviction so a subsequent request does not await a
// stale in-flight result (spec §4.2 "Failure semantics").
func (f *InFlight) Forget(key string) {
	f.group.Forget(key)
}
