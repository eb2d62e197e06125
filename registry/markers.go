package registry

import "github.com/projectharmonia/replicon"

// Marker is a client-only sentinel component descriptor. When an entity
// carries a marker, the marker's overrides replace the registry's default
// Write/Remove for the components it names, and NeedHistory controls
// whether stale mutations for those components are still written (for a
// history/rollback sidecar) instead of being dropped via Consume
// (spec §4.5).
type Marker struct {
	Name        string
	Priority    int
	NeedHistory bool
	// Overrides maps a ComponentId this marker affects to its replacement
	// write/remove behavior. A component absent from Overrides falls
	// through to a lower-priority marker, or to the registry default.
	Overrides map[replicon.ComponentId]Override
}

// Override is one marker's replacement write/remove pair for a single
// component. Per spec §9's open question, a marker that writes a different
// component type than it was registered for (e.g. writes ReplacedComponent
// instead of OriginalComponent) must supply a Remove that cleans up
// whichever type its own Write actually produced — the pair is the unit of
// correctness, not the individual functions. Such a Remove checks which
// replacement is present on the entity and removes that one.
type Override struct {
	Write  WriteFn
	Remove RemoveFn
}

// CommandMarkers holds the client's registered markers, sorted by descending
// priority so the first marker present on an entity that overrides a given
// component wins (spec §4.5).
type CommandMarkers struct {
	markers []Marker
}

// NewCommandMarkers returns an empty marker set.
func NewCommandMarkers() *CommandMarkers {
	return &CommandMarkers{}
}

// Register adds m, re-sorting by descending priority (stable, so markers
// registered with equal priority keep registration order — lowest-to-latest
// for ties, matching the registry's own FIFO tie-break).
func (m *CommandMarkers) Register(marker Marker) {
	m.markers = append(m.markers, marker)
	// Insertion sort: marker sets are small (a handful of history/rollback
	// sentinels per game), so this is cheaper than pulling in sort for a
	// stable descending order.
	for i := len(m.markers) - 1; i > 0; i-- {
		if m.markers[i].Priority <= m.markers[i-1].Priority {
			break
		}
		m.markers[i], m.markers[i-1] = m.markers[i-1], m.markers[i]
	}
}

// Resolve returns the write/remove override for componentId on an entity
// carrying the marker names in present (in any order), along with whether
// history should be preserved for stale mutations of this component. ok is
// false when no present marker overrides this component, meaning the
// registry's default Fns.Write/Fns.Remove apply.
func (m *CommandMarkers) Resolve(componentId replicon.ComponentId, present map[string]bool) (override Override, needHistory bool, ok bool) {
	for _, marker := range m.markers {
		if !present[marker.Name] {
			continue
		}
		if ov, has := marker.Overrides[componentId]; has {
			return ov, marker.NeedHistory, true
		}
	}
	return Override{}, false, false
}
