package registry

import (
	"bytes"
	"math"
	"testing"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/wire"
)

type position struct {
	X, Y float32
}

func encodePosition(buf *bytes.Buffer, v position) error {
	var b [8]byte
	binaryPutUint32(b[0:4], math.Float32bits(v.X))
	binaryPutUint32(b[4:8], math.Float32bits(v.Y))
	buf.Write(b[:])
	return nil
}

func decodePosition(r *wire.Reader) (position, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return position{}, err
	}
	return position{
		X: math.Float32frombits(binaryUint32(b[0:4])),
		Y: math.Float32frombits(binaryUint32(b[4:8])),
	}, nil
}

func binaryPutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func binaryUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

type fakeTarget struct {
	entity    replicon.Entity
	inserted  map[replicon.ComponentId]any
	removed   map[replicon.ComponentId]bool
}

func newFakeTarget(e replicon.Entity) *fakeTarget {
	return &fakeTarget{entity: e, inserted: map[replicon.ComponentId]any{}, removed: map[replicon.ComponentId]bool{}}
}

func (f *fakeTarget) Entity() replicon.Entity { return f.entity }
func (f *fakeTarget) Insert(id replicon.ComponentId, value any) {
	f.inserted[id] = value
	delete(f.removed, id)
}
func (f *fakeTarget) Remove(id replicon.ComponentId) {
	f.removed[id] = true
	delete(f.inserted, id)
}

const positionComponent replicon.ComponentId = 1

func TestRegistrySerializeRoundTrip(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register(Component(positionComponent, encodePosition, decodePosition))

	fns, ok := reg.Get(id)
	if !ok {
		t.Fatal("Get returned false for just-registered FnsId")
	}

	var buf bytes.Buffer
	if err := fns.Serialize(&buf, position{X: 1.5, Y: -2.5}); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	r := wire.NewReader(buf.Bytes())
	v, err := fns.Deserialize(r)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	got := v.(position)
	if got.X != 1.5 || got.Y != -2.5 {
		t.Errorf("got %+v", got)
	}
}

func TestRegistryUnknownFnsId(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Get(99); ok {
		t.Fatal("Get should report false for an unregistered FnsId")
	}
}

func TestRegistryDefaultWriteRemove(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register(Component(positionComponent, encodePosition, decodePosition))
	fns := reg.MustGet(id)

	target := newFakeTarget(replicon.NewEntity(1, 0))
	fns.Write(target, positionComponent, position{X: 3, Y: 4})
	if target.inserted[positionComponent].(position) != (position{3, 4}) {
		t.Fatal("default write did not insert")
	}

	fns.Remove(target, positionComponent)
	if !target.removed[positionComponent] {
		t.Fatal("default remove did not remove")
	}
}

func TestCommandMarkersPriorityOrder(t *testing.T) {
	cm := NewCommandMarkers()
	var calls []string

	cm.Register(Marker{
		Name:     "low",
		Priority: 1,
		Overrides: map[replicon.ComponentId]Override{
			positionComponent: {
				Write: func(EntityTarget, replicon.ComponentId, any) { calls = append(calls, "low") },
			},
		},
	})
	cm.Register(Marker{
		Name:     "high",
		Priority: 10,
		Overrides: map[replicon.ComponentId]Override{
			positionComponent: {
				Write: func(EntityTarget, replicon.ComponentId, any) { calls = append(calls, "high") },
			},
		},
	})

	present := map[string]bool{"low": true, "high": true}
	ov, _, ok := cm.Resolve(positionComponent, present)
	if !ok {
		t.Fatal("expected an override to resolve")
	}
	ov.Write(nil, positionComponent, nil)
	if len(calls) != 1 || calls[0] != "high" {
		t.Fatalf("expected the higher-priority marker to win, got %v", calls)
	}
}

func TestCommandMarkersNoOverride(t *testing.T) {
	cm := NewCommandMarkers()
	cm.Register(Marker{Name: "unrelated", Priority: 5, Overrides: map[replicon.ComponentId]Override{}})

	_, _, ok := cm.Resolve(positionComponent, map[string]bool{"unrelated": true})
	if ok {
		t.Fatal("expected no override when no marker targets this component")
	}
}
