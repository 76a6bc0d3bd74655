// Package diagnostics implements the error-kind taxonomy and
// DerivationChain reporting of spec §7.
package diagnostics

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// Kind is a stable string tag identifying an error category (spec §7);
// tags are used verbatim in diagnostics output and must not change once
// shipped.
type Kind string

const (
	KindNoSolution          Kind = "NoSolution"
	KindBuildBackendFailure Kind = "BuildBackendFailure"
	KindNetworkError        Kind = "NetworkError"
	KindNotFound            Kind = "NotFound"
	KindHashMismatch        Kind = "HashMismatch"
	KindIncompatiblePython  Kind = "IncompatiblePython"
	KindCacheCorruption     Kind = "CacheCorruption"
	KindConflictingSources  Kind = "ConflictingSources"
	KindExternallyManaged   Kind = "ExternallyManaged"
	KindIoError             Kind = "IoError"
)

// Step is one hop of a DerivationChain: the package, version, and the
// extra/group (if any) under which the dependency was introduced.
type Step struct {
	Package string
	Version string
	Extra   string
	Group   string
}

func (s Step) String() string {
	switch {
	case s.Extra != "":
		return fmt.Sprintf("%s[%s] %s", s.Package, s.Extra, s.Version)
	case s.Group != "":
		return fmt.Sprintf("%s:%s %s", s.Package, s.Group, s.Version)
	default:
		return fmt.Sprintf("%s %s", s.Package, s.Version)
	}
}

// DerivationChain is the ordered list of steps from Root to a failing node,
// obtained by the resolver's reverse BFS over the partial resolution graph
// (spec §7, §9).
type DerivationChain []Step

func (c DerivationChain) String() string {
	if len(c) == 0 {
		return "root"
	}

	parts := make([]string, len(c))
	for i, s := range c {
		parts[i] = s.String()
	}

	return strings.Join(parts, " -> ")
}

// Error is the common error shape spec §7 requires: a stable Kind, the
// failing operation, the distribution name, an optional DerivationChain,
// and the wrapped cause. xerrors.Errorf retains frame information so a
// later %+v rendering can show where in the engine the error originated,
// mirroring the teacher's fmt.Errorf("...: %w", err) wrapping idiom but
// with the stable-Kind/DerivationChain shape this spec's diagnostics need.
type Error struct {
	Kind       Kind
	Operation  string // "download", "build", "read", ...
	Distribution string
	Chain      DerivationChain
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s failed", e.Operation, e.Distribution)

	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}

	if len(e.Chain) > 0 {
		fmt.Fprintf(&b, " because %s", e.Chain.String())
	}

	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap builds an Error, wrapping cause with xerrors.Errorf so the frame
// chain survives %+v formatting.
func Wrap(kind Kind, operation, distribution string, chain DerivationChain, cause error) *Error {
	wrapped := cause
	if cause != nil {
		wrapped = xerrors.Errorf("%s: %w", operation, cause)
	}

	return &Error{
		Kind:         kind,
		Operation:    operation,
		Distribution: distribution,
		Chain:        chain,
		Cause:        wrapped,
	}
}

// Is enables errors.Is(err, diagnostics.KindX)-style checks via a thin
// sentinel wrapper, since Kind itself is a plain string type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error, and "" otherwise.
func KindOf(err error) Kind {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind
	}

	return ""
}
