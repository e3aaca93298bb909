// Package delegation tracks which trixel sub-trees this TMS is
// responsible for and keeps that table current as configuration reloads.
//
// The matching rule (deepest matching ancestor wins) is the same
// most-specific-rule-wins shape as matching a URL against a table of exact
// and wildcard domain rules: both pick the most specific entry that
// applies to a hierarchical key rather than requiring an exact match.
// Here the hierarchy is the trixel tree instead of a domain suffix tree,
// so the lookup walks trixel ancestors (internal/htm.IsDelegated) instead
// of comparing dotted domain suffixes.
package delegation

import (
	"sync"

	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// Table is a thread-safe, hot-reloadable delegation lookup.
type Table struct {
	mu    sync.RWMutex
	table map[model.TrixelID]bool
}

// NewTable builds a delegation table from a static delegation list.
func NewTable(delegations []model.Delegation) *Table {
	return &Table{table: htm.DelegationTable(delegations)}
}

// IsDelegated reports whether this TMS is responsible for id.
func (t *Table) IsDelegated(id model.TrixelID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return htm.IsDelegated(id, t.table)
}

// Replace swaps in a new delegation list, used when configuration
// reloads.
func (t *Table) Replace(delegations []model.Delegation) {
	t.mu.Lock()
	t.table = htm.DelegationTable(delegations)
	t.mu.Unlock()
}

// FollowConfig subscribes the table to a config watcher so it stays
// current without the caller having to wire a reload callback manually.
func FollowConfig(w *config.Watcher) *Table {
	t := &Table{}
	w.Subscribe(func(cfg *config.GlobalConfig) {
		t.Replace(cfg.Delegations)
	})
	return t
}

// Split partitions a batch update into entries this TMS is delegated for
// and the trixels it must reject as belonging to another TMS.
func Split(t *Table, batch model.BatchUpdate) (accepted model.BatchUpdate, rejected []model.TrixelID) {
	accepted = make(model.BatchUpdate, len(batch))
	for trixel, measurements := range batch {
		if t.IsDelegated(trixel) {
			accepted[trixel] = measurements
		} else {
			rejected = append(rejected, trixel)
		}
	}
	return accepted, rejected
}
