// Package server implements the authoritative side of replication: per-client
// visibility and acknowledgment bookkeeping, the per-tick message assembler,
// and the send loop that drives it (spec §4.6, §4.7).
package server

import "github.com/projectharmonia/replicon"

// Policy selects how a client's Visibility decides which entities it may
// see (spec GLOSSARY "Visibility"). The engine only provides the primitive;
// it never computes interest management itself (spec §1 non-goal).
type Policy int

const (
	// All replicates every entity to every client.
	All Policy = iota
	// Blacklist replicates every entity except those explicitly hidden.
	Blacklist
	// Whitelist replicates only entities explicitly allowed.
	Whitelist
)

func (p Policy) String() string {
	switch p {
	case All:
		return "all"
	case Blacklist:
		return "blacklist"
	case Whitelist:
		return "whitelist"
	default:
		return "policy(?)"
	}
}

// Visibility is one client's visibility filter. Blacklist and Whitelist
// share the same underlying set; its meaning flips with the policy.
type Visibility struct {
	policy Policy
	set    map[replicon.Entity]bool
}

// NewVisibility returns a filter under policy, with an empty set.
func NewVisibility(policy Policy) *Visibility {
	return &Visibility{policy: policy, set: make(map[replicon.Entity]bool)}
}

// SetPolicy changes the policy. The underlying set is not cleared: switching
// from Blacklist to Whitelist (or back) reinterprets the same membership set
// under the new rule, which is usually not what a caller wants — callers
// that need a clean switch should construct a new Visibility instead.
func (v *Visibility) SetPolicy(policy Policy) {
	v.policy = policy
}

// Policy reports the currently active policy.
func (v *Visibility) Policy() Policy {
	return v.policy
}

// Allow grants visibility of e: under Whitelist this adds e to the allowed
// set; under Blacklist this removes e from the hidden set (un-hides it); it
// is a no-op under All.
func (v *Visibility) Allow(e replicon.Entity) {
	switch v.policy {
	case Whitelist:
		v.set[e] = true
	case Blacklist:
		delete(v.set, e)
	}
}

// Disallow revokes visibility of e: under Whitelist this removes e from the
// allowed set; under Blacklist this adds e to the hidden set; it is a no-op
// under All.
func (v *Visibility) Disallow(e replicon.Entity) {
	switch v.policy {
	case Whitelist:
		delete(v.set, e)
	case Blacklist:
		v.set[e] = true
	}
}

// IsVisible reports whether e is currently visible under this filter.
func (v *Visibility) IsVisible(e replicon.Entity) bool {
	switch v.policy {
	case All:
		return true
	case Blacklist:
		return !v.set[e]
	case Whitelist:
		return v.set[e]
	default:
		return false
	}
}
