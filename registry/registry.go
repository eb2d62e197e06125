package registry

import (
	"fmt"

	"github.com/projectharmonia/replicon"
)

// Registry is the dense FnsId-indexed function table. A component may be
// registered multiple times under distinct FnsIds (once per rule that needs
// a different serialization), so lookups are always by FnsId, never by
// ComponentId alone.
type Registry struct {
	rows []Fns
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends fns as a new row and returns its FnsId. Registration
// happens only at plugin-build time (spec §5); it is not safe for concurrent
// use against concurrent Get calls.
func (r *Registry) Register(fns Fns) replicon.FnsId {
	id := replicon.FnsId(len(r.rows))
	r.rows = append(r.rows, fns)
	return id
}

// Get looks up a row by FnsId. The second return is false for an FnsId that
// was never registered — spec §7 treats this as "unknown FnsId": panic in
// debug builds, log-and-skip in release. This package leaves that choice to
// the caller (server/client code logs via the configured logger); the
// protocol hash (package protocol) is meant to make this unreachable between
// compatible peers.
func (r *Registry) Get(id replicon.FnsId) (Fns, bool) {
	if int(id) >= len(r.rows) {
		return Fns{}, false
	}
	return r.rows[id], true
}

// MustGet is Get, panicking on an unknown FnsId. Intended for debug builds
// and for internal callers that have already validated id came from a rule
// built against this same registry.
func (r *Registry) MustGet(id replicon.FnsId) Fns {
	fns, ok := r.Get(id)
	if !ok {
		panic(fmt.Sprintf("registry: unknown FnsId %d", id))
	}
	return fns
}

// Len reports how many rows are registered.
func (r *Registry) Len() int {
	return len(r.rows)
}
