package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/halvardsh/pax/internal/diagnostics"
	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
	"github.com/halvardsh/pax/internal/registry"
)

// Metadata is C4's output: the package facts the resolver needs (spec
// §4.4).
type Metadata struct {
	Name           names.PackageName
	Version        pep440.Version
	Requires       []pep508.Requirement
	RequiresPython pep440.Specifier
	Extras         map[names.ExtraName][]pep508.Requirement
	Source         string // "registry" | "direct-url" | "git" | "path" | "directory"
}

// MetadataProvider is the C4 contract the resolver drives on demand (spec
// §2 "C6 drives C4 and C5 on demand").
type MetadataProvider interface {
	Metadata(ctx context.Context, name names.PackageName, version pep440.Version, source pep508.RequirementSource) (Metadata, error)
}

// Strategy selects among candidates per spec §4.5.
type Strategy int

const (
	StrategyHighest Strategy = iota
	StrategyLowest
	StrategyLowestDirect
)

// CandidateSelector is the C5 contract: given a package and an allowed
// range, yield ordered candidate versions (spec §4.5).
type CandidateSelector interface {
	Candidates(ctx context.Context, name names.PackageName, allowed pep440.Specifier, strategy Strategy, locked *pep440.Version) ([]pep440.Version, error)
}

// packageState is the per-package state machine of spec §4.6: Unseen ->
// Known -> Chosen(v) -> Satisfied | Backtracked. No separate Fetching state
// is tracked.
type packageState int

const (
	stateUnseen packageState = iota
	stateKnown
	stateChosen
	stateSatisfied
	stateBacktracked
)

// pkgRecord tracks one package's accumulated constraints during search.
// A failed attempt marks the package Backtracked; the constraints that
// attempt added are unwound by discarding its cloned searchState.
type pkgRecord struct {
	state      packageState
	specifiers []pep440.Specifier
	locked     *pep440.Version
	source     *pep508.RequirementSource // set when a non-registry source constrains this package
	node       NodeID
	version    pep440.Version
}

func (p *pkgRecord) satisfies(v pep440.Version) bool {
	for _, s := range p.specifiers {
		if !s.Contains(v) {
			return false
		}
	}

	return true
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStrategy sets the candidate-selection strategy (spec §4.5).
func WithStrategy(s Strategy) Option {
	return func(r *Resolver) { r.strategy = s }
}

// WithPreferences supplies previously-locked versions for stable
// re-resolution (spec §4.5 "Preferences").
func WithPreferences(locked map[names.PackageName]pep440.Version) Option {
	return func(r *Resolver) { r.preferences = locked }
}

// Resolver drives conflict-driven backtracking search over virtual
// packages (spec §4.6). It implements the PubGrub contract's observable
// behavior (deterministic termination in a pinned ResolutionGraph or a
// NoSolution with a derivation chain) via explicit chronological
// backtracking rather than full incompatibility-clause learning; see
// DESIGN.md for the grounding and scope decision.
type Resolver struct {
	metadata    MetadataProvider
	selector    CandidateSelector
	logger      *slog.Logger
	strategy    Strategy
	preferences map[names.PackageName]pep440.Version
	directSet   map[names.PackageName]bool
}

// New constructs a Resolver.
func New(metadata MetadataProvider, selector CandidateSelector, opts ...Option) *Resolver {
	r := &Resolver{
		metadata: metadata,
		selector: selector,
		logger:   slog.Default(),
		strategy: StrategyHighest,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// virtualReq is a requirement queued against a named virtual package
// (base name or `name[extra]`) together with the node that introduced it,
// for edge construction.
type virtualReq struct {
	parent NodeID
	req    pep508.Requirement
}

// searchState is the mutable state threaded through the recursive search.
// Cloning it at each choice point gives simple (non-incompatibility-
// learning) backtracking: a failed branch's mutations are discarded by
// reverting to the pre-decision clone. The candidate list at a choice point
// is held by that search frame and survives backtracking to it; nothing
// caches candidate lists across frames, so a package reached again on
// another branch asks the selector again.
type searchState struct {
	graph    *Graph
	records  map[names.PackageName]*pkgRecord
	resolved map[names.PackageName]bool // base-name already has a Chosen/Satisfied version
}

func (s *searchState) clone() *searchState {
	records := make(map[names.PackageName]*pkgRecord, len(s.records))
	for k, v := range s.records {
		cp := *v
		cp.specifiers = append([]pep440.Specifier(nil), v.specifiers...)
		records[k] = &cp
	}

	resolved := make(map[names.PackageName]bool, len(s.resolved))
	for k, v := range s.resolved {
		resolved[k] = v
	}

	g := &Graph{Nodes: append([]Node(nil), s.graph.Nodes...), Edges: append([]Edge(nil), s.graph.Edges...)}

	return &searchState{graph: g, records: records, resolved: resolved}
}

// Resolve drives resolution against a single, concrete environment: every
// requirement's marker is evaluated and non-matching requirements are
// dropped before entering the search (spec §4.6 "Markers"). There is no
// universal (marker-free) resolution mode.
func (r *Resolver) Resolve(ctx context.Context, rootReqs []pep508.Requirement, env pep508.Environment) (*Graph, error) {
	r.directSet = map[names.PackageName]bool{}
	for _, req := range rootReqs {
		r.directSet[req.Name] = true
	}

	st := &searchState{
		graph:    NewGraph(),
		records:  map[names.PackageName]*pkgRecord{},
		resolved: map[names.PackageName]bool{},
	}

	queue := make([]virtualReq, 0, len(rootReqs))
	for _, req := range rootReqs {
		queue = append(queue, expandRootRequirement(RootID, req)...)
	}

	final, err := r.search(ctx, st, queue, env)
	if err != nil {
		return nil, err
	}

	if !final.graph.Acyclic() {
		return nil, diagnostics.Wrap(diagnostics.KindNoSolution, "resolve", "root", nil,
			fmt.Errorf("resolution graph contains a cycle"))
	}

	return final.graph, nil
}

// expandRootRequirement fans a requirement with N extras out into N+1
// virtual requirements: the base package plus one per extra (spec §4.6
// virtual-package encoding).
func expandRootRequirement(parent NodeID, req pep508.Requirement) []virtualReq {
	base := req
	base.Extras = nil

	out := []virtualReq{{parent: parent, req: base}}

	for _, e := range req.Extras {
		extraReq := req
		extraReq.Extras = []names.ExtraName{e}
		out = append(out, virtualReq{parent: parent, req: extraReq})
	}

	return out
}

// search is the recursive backtracking core. queue holds requirements not
// yet folded into a decision. On success it returns the terminal state; on
// failure, every candidate at every choice point has been exhausted and
// the error carries a DerivationChain to the point of conflict.
func (r *Resolver) search(ctx context.Context, st *searchState, queue []virtualReq, env pep508.Environment) (*searchState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(queue) == 0 {
		return st, nil
	}

	head, rest := queue[0], queue[1:]

	if !head.req.Matches(env) {
		return r.search(ctx, st, rest, env)
	}

	virtualName, baseName, extra := virtualPackageFor(head.req)

	rec, existing := st.records[virtualName]
	if !existing {
		rec = &pkgRecord{state: stateKnown}
		st.records[virtualName] = rec
	}

	if err := mergeSource(rec, head.req.Source); err != nil {
		return nil, diagnostics.Wrap(diagnostics.KindConflictingSources, "resolve", string(baseName),
			st.graph.DerivationChain(head.parent), err)
	}

	if spec := registrySpecifier(head.req.Source); !spec.Empty() {
		rec.specifiers = append(rec.specifiers, spec)
	}

	if locked, ok := r.preferences[baseName]; ok {
		rec.locked = &locked
	}

	// Already chosen for this run: verify compatibility instead of
	// re-deciding (spec §4.6 state machine: Chosen/Satisfied are terminal
	// for the run unless backtracked).
	if st.resolved[virtualName] {
		if !rec.satisfies(rec.version) {
			return nil, diagnostics.Wrap(diagnostics.KindNoSolution, "resolve", string(baseName),
				st.graph.DerivationChain(head.parent),
				fmt.Errorf("%s: already-chosen %s is incompatible with a new constraint", baseName, rec.version))
		}

		st.graph.AddEdge(Edge{From: head.parent, To: rec.node, Marker: head.req.Marker})

		return r.search(ctx, st, rest, env)
	}

	candidates, err := r.candidatesFor(ctx, baseName, rec)
	if err != nil {
		return nil, diagnostics.Wrap(diagnostics.KindNotFound, "resolve", string(baseName),
			st.graph.DerivationChain(head.parent), err)
	}

	var lastErr error

	for _, v := range candidates {
		if !rec.satisfies(v) {
			continue
		}

		attempt := st.clone()
		attemptRec := attempt.records[virtualName]
		attemptRec.state = stateChosen
		attemptRec.version = v

		node := attempt.graph.AddNode(Node{Name: baseName, Version: v, Extra: extra, Source: head.req.Source.Kind.String()})
		attemptRec.node = node
		attempt.graph.AddEdge(Edge{From: head.parent, To: node, Marker: head.req.Marker})
		attempt.resolved[virtualName] = true

		meta, metaErr := r.metadata.Metadata(ctx, baseName, v, head.req.Source)
		if metaErr != nil {
			lastErr = metaErr
			rec.state = stateBacktracked

			continue
		}

		childQueue := append([]virtualReq(nil), rest...)
		childQueue = append(childQueue, r.expand(node, extra, meta)...)

		result, searchErr := r.search(ctx, attempt, childQueue, env)
		if searchErr != nil {
			lastErr = searchErr
			rec.state = stateBacktracked

			continue
		}

		attemptRec.state = stateSatisfied

		return result, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate of %s satisfies the accumulated constraints", baseName)
	}

	return nil, diagnostics.Wrap(diagnostics.KindNoSolution, "resolve", string(baseName),
		st.graph.DerivationChain(head.parent), lastErr)
}

// expand folds a chosen version's dependencies into new queue entries. An
// extra node additionally depends on the base package at the same version
// plus the extra's own declared requirements (spec §4.6 virtual-package
// encoding).
func (r *Resolver) expand(parent NodeID, extra names.ExtraName, meta Metadata) []virtualReq {
	var out []virtualReq

	if extra != "" {
		out = append(out, virtualReq{parent: parent, req: pep508.Requirement{Name: meta.Name}})

		for _, req := range meta.Extras[extra] {
			out = append(out, virtualReq{parent: parent, req: req})
		}

		return out
	}

	for _, req := range meta.Requires {
		out = append(out, virtualReq{parent: parent, req: req})
	}

	return out
}

// candidatesFor asks C5 for the ordered candidate list, honoring the
// direct/transitive strategy split (spec §4.5 LowestDirect).
func (r *Resolver) candidatesFor(ctx context.Context, name names.PackageName, rec *pkgRecord) ([]pep440.Version, error) {
	strategy := r.strategy
	if strategy == StrategyLowestDirect {
		if r.directSet[name] {
			strategy = StrategyLowest
		} else {
			strategy = StrategyHighest
		}
	}

	return r.selector.Candidates(ctx, name, combineSpecifiers(rec.specifiers), strategy, rec.locked)
}

func combineSpecifiers(specs []pep440.Specifier) pep440.Specifier {
	var parts []string

	for _, s := range specs {
		if !s.Empty() {
			parts = append(parts, s.String())
		}
	}

	sort.Strings(parts)

	joined := ""

	for i, p := range parts {
		if i > 0 {
			joined += ","
		}

		joined += p
	}

	combined, err := pep440.ParseSpecifier(joined)
	if err != nil {
		return pep440.Specifier{}
	}

	return combined
}

func registrySpecifier(src pep508.RequirementSource) pep440.Specifier {
	if src.Kind == pep508.SourceRegistry {
		return src.Specifier
	}

	return pep440.Specifier{}
}

// mergeSource enforces URL dominance and ConflictingSources (spec §4.6
// "URL handling"): a package constrained to a non-registry source has
// exactly one candidate, and a sibling non-registry constraint pointing
// elsewhere is an immediate conflict.
func mergeSource(rec *pkgRecord, src pep508.RequirementSource) error {
	if src.Kind == pep508.SourceRegistry {
		return nil
	}

	if rec.source == nil {
		s := src
		rec.source = &s

		return nil
	}

	if !sameSource(*rec.source, src) {
		return fmt.Errorf("conflicting non-registry sources: %v vs %v", *rec.source, src)
	}

	return nil
}

// sameSource compares two RequirementSource values under spec §4.6's
// canonical URL equality: scheme-normalized, fragment-stripped,
// percent-decoded, case-insensitive host (registry.CanonicalURL).
func sameSource(a, b pep508.RequirementSource) bool {
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case pep508.SourceGit:
		return registry.CanonicalURL(a.URL) == registry.CanonicalURL(b.URL) && a.Reference == b.Reference
	case pep508.SourceDirectURL:
		return registry.CanonicalURL(a.URL) == registry.CanonicalURL(b.URL)
	case pep508.SourcePath, pep508.SourceDirectory:
		return a.Path == b.Path
	default:
		return true
	}
}

// virtualPackageFor computes the synthetic package identity a requirement
// targets (spec §4.6): the base name, or `name[extra]` when the
// requirement carries a single extra (multi-extra requirements are fanned
// out by expandRootRequirement/expand before reaching here).
func virtualPackageFor(req pep508.Requirement) (virtual, base names.PackageName, extra names.ExtraName) {
	if len(req.Extras) == 0 {
		return req.Name, req.Name, ""
	}

	e := req.Extras[0]

	return names.PackageName(names.WithExtra(req.Name, e)), req.Name, e
}
