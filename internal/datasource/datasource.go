// Package datasource defines the DataSource contract (spec.md §4.3) and
// the Composite that stacks multiple sources together with the declared
// merge semantics. Built-in sources live in the textfile, yamltarget, and
// sqlitesource subpackages; Composite depends only on this package's
// interface, so new sources plug in without touching merge logic.
package datasource

import (
	"github.com/vinegar-boot/vinegar/internal/datatree"
)

// Version is a source's monotonic version marker for a given system. Two
// calls to GetData for the same system return equal Versions exactly when
// nothing the source depends on changed, letting the Composite's cache
// stay valid without re-running expensive sources.
type Version int64

// NoSystem is returned by FindSystem when a source could not resolve the
// lookup to any system ID.
const NoSystem = ""

// DataSource is the contract every data source backend implements.
// Implementations must be side-effect free from the caller's perspective
// (repeated calls with the same inputs and no intervening writes return
// equal results) and safe for concurrent use.
type DataSource interface {
	// Name identifies the source in logs and error messages.
	Name() string

	// GetData returns this source's contribution to a system's data tree,
	// plus a version marker. preceding is the tree merged from strictly
	// earlier sources in the composite's declared order (spec.md §9 open
	// question: later sources are never visible here).
	GetData(systemID string, preceding datatree.Value) (datatree.Value, Version, error)

	// Version reports what GetData would return as its version marker for
	// systemID and preceding, without doing the work of assembling the
	// data tree itself. The Composite calls this on every GetData request
	// to decide whether its cached result for systemID is still valid;
	// implementations should make this cheaper than a full GetData call
	// when nothing has changed (spec.md §3 "Lifecycles" cache-validity
	// checks).
	Version(systemID string, preceding datatree.Value) (Version, error)

	// FindSystem performs a reverse lookup: given a (key, value) pair,
	// return the system ID whose data has that value at that key. ok is
	// false both when the source found no match and when the source does
	// not support reverse lookup at all -- SupportsFindSystem
	// distinguishes those cases for the Composite.
	FindSystem(lookupKey, lookupValue string) (systemID string, ok bool, err error)

	// SupportsFindSystem reports whether this source implements reverse
	// lookup at all. The Composite checks this before each reverse lookup
	// and skips sources that don't, without calling their FindSystem.
	SupportsFindSystem() bool
}
