package datasource

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vinegar-boot/vinegar/internal/datatree"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

// AggregateVersion is the Composite's cache-stability key: the ordered
// tuple of every component source's Version for one GetData call. Two
// AggregateVersions are equal exactly when every component version is
// equal, so an unchanged aggregate implies an unchanged composite result
// (spec.md §4.3 "cache-stable").
type AggregateVersion string

func newAggregateVersion(versions []Version) AggregateVersion {
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return AggregateVersion(strings.Join(parts, ","))
}

// Composite stacks data sources in declared order and implements the
// merge semantics from spec.md §3/§4.3: for GetData, each source sees the
// running merge of strictly-earlier sources and contributes on top of it;
// for FindSystem, the first source to support reverse lookup and return a
// non-absent match wins.
type Composite struct {
	sources    []DataSource
	appendSeqs bool

	mu    sync.Mutex
	cache map[string]cacheEntry // systemID -> last result
}

// cacheEntry remembers, per system, every source's version and the data
// tree merged through that source, so a later GetData call can resume
// recomputation from the first source whose version probe no longer
// matches instead of re-merging sources that provably haven't changed.
type cacheEntry struct {
	versions []Version
	merged   []datatree.Value // merged[i] is the tree merged through sources[0:i+1]
	data     datatree.Value
}

// NewComposite builds a Composite over sources in the given order.
// appendSeqs controls whether sequence values merge by append (true) or
// by wholesale replacement (false), per spec.md §3 / the
// data_sources_merge_lists config flag.
func NewComposite(sources []DataSource, appendSeqs bool) *Composite {
	return &Composite{
		sources:    sources,
		appendSeqs: appendSeqs,
		cache:      make(map[string]cacheEntry),
	}
}

// GetData assembles the merged data tree for a system by querying every
// source in order, feeding each one the running merge of its
// predecessors, and merging its contribution in. Caching is keyed by
// (system_id, aggregate_version_snapshot_of_preceding_sources) (spec.md
// §3): before recomputing any source, its cheap Version probe is compared
// against the cached entry, and only sources from the first mismatch
// onward (and everything after them, since their merge input changed
// too) are actually re-fetched and re-merged.
func (c *Composite) GetData(systemID string) (datatree.Value, AggregateVersion, error) {
	c.mu.Lock()
	cached, hasCached := c.cache[systemID]
	c.mu.Unlock()

	stale := !hasCached || len(cached.versions) != len(c.sources)

	versions := make([]Version, len(c.sources))
	merges := make([]datatree.Value, len(c.sources))
	merged := datatree.Absent

	for i, src := range c.sources {
		version, err := src.Version(systemID, merged)
		if err != nil {
			return datatree.Absent, "", verr.NewDataSourceError(src.Name(), err)
		}
		versions[i] = version

		if !stale && version == cached.versions[i] {
			merged = cached.merged[i]
		} else {
			stale = true
			data, _, err := src.GetData(systemID, merged)
			if err != nil {
				return datatree.Absent, "", verr.NewDataSourceError(src.Name(), err)
			}
			merged = datatree.Merge(merged, data, c.appendSeqs)
		}
		merges[i] = merged
	}

	agg := newAggregateVersion(versions)

	c.mu.Lock()
	c.cache[systemID] = cacheEntry{versions: versions, merged: merges, data: merged}
	c.mu.Unlock()

	return merged, agg, nil
}

// CachedOrFetch returns the cached tree for systemID if every source's
// version probe still matches, else it calls GetData. Handlers that
// re-resolve a system within the same request can use this to avoid a
// redundant full merge; it is not required for correctness, only for
// avoiding duplicate work within a request.
func (c *Composite) CachedOrFetch(systemID string) (datatree.Value, error) {
	data, _, err := c.GetData(systemID)
	return data, err
}

// FindSystem performs a reverse lookup across every source that supports
// one, in declared order. The first supported source to return a match
// wins; sources that don't support reverse lookup at all are skipped
// without being called.
func (c *Composite) FindSystem(lookupKey, lookupValue string) (string, bool, error) {
	for _, src := range c.sources {
		if !src.SupportsFindSystem() {
			continue
		}
		id, ok, err := src.FindSystem(lookupKey, lookupValue)
		if err != nil {
			return "", false, verr.NewDataSourceError(src.Name(), err)
		}
		if ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

// Sources exposes the configured source list, for diagnostics and for the
// bootstrap wiring that needs to Close each source on shutdown.
func (c *Composite) Sources() []DataSource {
	return c.sources
}
