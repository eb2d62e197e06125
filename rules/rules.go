// Package rules implements replication rules: priority-ordered sets of
// components that replicate together, and the archetype matching that
// decides which (ComponentId, FnsId) pairs an entity's current component set
// should serialize through (spec §4.3).
package rules

import (
	"sort"

	"github.com/projectharmonia/replicon"
)

// Slot names one component within a rule: which component, and which
// registered FnsId row describes how to (de)serialize it for this rule.
type Slot struct {
	ComponentId replicon.ComponentId
	FnsId       replicon.FnsId
	// StorageKind is an opaque tag the host ECS can use to distinguish how a
	// component is stored (e.g. dense vs. sparse-set); the core never
	// interprets it, only threads it through to the assembler's per-entity
	// match result so host-specific serialization code can branch on it.
	StorageKind int
}

// Rule is an ordered, priority-tagged list of component slots that
// replicate together as one unit once an entity's archetype contains all of
// them.
type Rule struct {
	Slots    []Slot
	Priority int
}

// componentSet returns the set of component IDs this rule covers.
func (r Rule) componentSet() map[replicon.ComponentId]bool {
	set := make(map[replicon.ComponentId]bool, len(r.Slots))
	for _, s := range r.Slots {
		set[s.ComponentId] = true
	}
	return set
}

// Rules is the registered rule set, kept sorted by descending priority.
type Rules struct {
	rules []Rule
}

// NewRules returns an empty rule set.
func NewRules() *Rules {
	return &Rules{}
}

// Register adds a rule. If priority is zero, it defaults to the number of
// components in the rule, per spec §3 ("a rule has a priority (default =
// number of components)"). Rules are re-sorted by descending priority after
// every registration (stable, so same-priority rules keep registration
// order).
func (rs *Rules) Register(slots []Slot, priority int) {
	if priority == 0 {
		priority = len(slots)
	}
	rs.rules = append(rs.rules, Rule{Slots: slots, Priority: priority})
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Priority > rs.rules[j].Priority
	})
}

// All returns the registered rules, in descending priority order. Callers
// must not mutate the returned slice.
func (rs *Rules) All() []Rule {
	return rs.rules
}

// Archetype is the set of component IDs an entity currently carries. The
// core treats it as an opaque, comparable identity: the assembler caches
// match results per archetype and invalidates the cache only when the
// archetype itself changes (spec §9).
type Archetype []replicon.ComponentId

// Has reports whether id is present in the archetype.
func (a Archetype) Has(id replicon.ComponentId) bool {
	for _, c := range a {
		if c == id {
			return true
		}
	}
	return false
}

// Match walks the rule set in priority order and returns the slots an
// archetype should be serialized through: once a component has been covered
// by a higher-priority matched rule, lower-priority rules do not re-cover it
// (spec §4.3).
func (rs *Rules) Match(archetype Archetype) []Slot {
	covered := make(map[replicon.ComponentId]bool)
	var matched []Slot
	for _, rule := range rs.rules {
		if !ruleMatches(rule, archetype) {
			continue
		}
		for _, slot := range rule.Slots {
			if covered[slot.ComponentId] {
				continue
			}
			covered[slot.ComponentId] = true
			matched = append(matched, slot)
		}
	}
	return matched
}

func ruleMatches(rule Rule, archetype Archetype) bool {
	for _, slot := range rule.Slots {
		if !archetype.Has(slot.ComponentId) {
			return false
		}
	}
	return true
}

// MatchRemoval reports whether rule matches for removal purposes on an
// archetype transition: every component of the rule is either present in
// the post-removal archetype or was removed, and at least one was removed
// (spec §4.3, "Removal matching"). removedSlots returns the slots of rule
// whose components are in removed, for the caller to emit remove records
// for.
func MatchRemoval(rule Rule, postRemoval Archetype, removed map[replicon.ComponentId]bool) (matches bool, removedSlots []Slot) {
	anyRemoved := false
	for _, slot := range rule.Slots {
		if removed[slot.ComponentId] {
			anyRemoved = true
			removedSlots = append(removedSlots, slot)
			continue
		}
		if !postRemoval.Has(slot.ComponentId) {
			return false, nil
		}
	}
	if !anyRemoved {
		return false, nil
	}
	return true, removedSlots
}
