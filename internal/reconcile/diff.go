// Package reconcile diffs host sets and drives the supervisor to match the
// newest accepted set.
package reconcile

import (
	"sort"

	mapset "github.com/deckarep/golang-set"

	"github.com/postalsys/hostwatch/internal/hosts"
)

// Plan classifies every host of two sets. All lists are sorted.
type Plan struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string

	// Failed lists hosts Apply could not start. They are not in Added or
	// Changed and are retried on later polls.
	Failed []string

	// Changes lists the differing fields of each changed host.
	Changes map[string][]hosts.FieldChange
}

// Empty reports whether the plan starts or stops nothing.
func (p Plan) Empty() bool {
	return len(p.Added) == 0 && len(p.Removed) == 0 && len(p.Changed) == 0
}

// Diff compares the active set with a newly loaded one.
func Diff(old, next hosts.HostSet) Plan {
	oldKeys := keySet(old)
	newKeys := keySet(next)

	plan := Plan{
		Added:   sortedStrings(newKeys.Difference(oldKeys)),
		Removed: sortedStrings(oldKeys.Difference(newKeys)),
		Changes: make(map[string][]hosts.FieldChange),
	}

	for _, host := range sortedStrings(oldKeys.Intersect(newKeys)) {
		if old[host].Equal(next[host]) {
			plan.Unchanged = append(plan.Unchanged, host)
			continue
		}
		plan.Changed = append(plan.Changed, host)
		plan.Changes[host] = old[host].Diff(next[host])
	}

	return plan
}

func keySet(s hosts.HostSet) mapset.Set {
	set := mapset.NewThreadUnsafeSet()
	for k := range s {
		set.Add(k)
	}
	return set
}

func sortedStrings(s mapset.Set) []string {
	out := make([]string, 0, s.Cardinality())
	for _, v := range s.ToSlice() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}
