package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/halvardsh/pax/internal/concurrency"
	"github.com/halvardsh/pax/internal/names"
)

// Index is any per-package candidate source: a simple index or a flat
// index. Both SimpleIndex and FlatIndex implement it.
type Index interface {
	Fetch(ctx context.Context, name names.PackageName) ([]Candidate, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCompatTags sets the ordered wheel-tag compatibility preference list
// used to rank candidates (spec §4.3 "tag-compatibility").
func WithCompatTags(tags []WheelTag) Option {
	return func(r *Registry) { r.compatTags = tags }
}

// Registry merges candidates across every configured index in priority
// order: the first index that lists a given (name, version) wins, and files
// for that version from lower-priority indexes are dropped. There is no
// extra-index mode that merges them instead of shadowing.
type Registry struct {
	indexes    []Index
	compatTags []WheelTag
	inFlight   *concurrency.InFlight
	logger     *slog.Logger
}

// New constructs a Registry over indexes in priority order (index 0 is
// highest priority).
func New(indexes []Index, opts ...Option) *Registry {
	r := &Registry{
		indexes:  indexes,
		inFlight: concurrency.NewInFlight(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Versions implements selector.Registry: the merged, ordered candidate
// list for name across every configured index. Concurrent callers
// requesting the same name share one underlying fan-out (spec §5
// "process-global in-flight map").
func (r *Registry) Versions(ctx context.Context, name names.PackageName) ([]Candidate, error) {
	v, _, err := r.inFlight.Do(ctx, "registry-versions:"+string(name), func(ctx context.Context) (any, error) {
		return r.fetchAll(ctx, name)
	})
	if err != nil {
		return nil, err
	}

	return v.([]Candidate), nil
}

func (r *Registry) fetchAll(ctx context.Context, name names.PackageName) ([]Candidate, error) {
	byVersion := map[string]Candidate{}

	var order []string

	var errs []error

	defined := map[string]bool{} // versions listed by a higher-priority index

	for _, idx := range r.indexes {
		candidates, err := idx.Fetch(ctx, name)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		var listed []string

		for _, c := range candidates {
			if defined[c.Version.String()] {
				continue // first (highest-priority) index defining (name, version) wins
			}

			key := c.Version.String() + "|" + c.Filename

			if _, exists := byVersion[key]; exists {
				continue
			}

			byVersion[key] = c
			order = append(order, key)
			listed = append(listed, c.Version.String())
		}

		for _, v := range listed {
			defined[v] = true
		}
	}

	if len(byVersion) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("fetching %s from %d index(es): %w", name, len(r.indexes), errors.Join(errs...))
	}

	out := make([]Candidate, 0, len(order))

	for _, k := range order {
		out = append(out, byVersion[k])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j], r.compatTags)
	})

	return out, nil
}
