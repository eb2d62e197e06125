// Package protocol computes the 64-bit protocol hash both peers compare at
// connection time (spec §4.9): a digest over every replication rule, every
// remote event, and any user-contributed data registered with the engine, in
// registration order. A mismatch means the two peers were built from
// different registration code and cannot safely exchange replication
// messages.
package protocol

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/projectharmonia/replicon/rules"
)

// Hasher accumulates registrations in the order they are made. Both server
// and client must register identically, in the same order, for Sum to
// agree.
type Hasher struct {
	d *xxhash.Digest
}

// NewHasher returns an empty hasher.
func NewHasher() *Hasher {
	return &Hasher{d: xxhash.New()}
}

// AddRule folds in one replication rule: its priority and its components'
// (ComponentId, FnsId) pairs, in declaration order.
func (h *Hasher) AddRule(rule rules.Rule) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(rule.Priority)))
	h.d.Write(buf[:])
	for _, slot := range rule.Slots {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(slot.ComponentId))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(slot.FnsId))
		h.d.Write(buf[:])
	}
}

// EventDirection distinguishes client->server from server->client remote
// events for hashing purposes (spec §4.9: "each remote event (direction and
// type-name)").
type EventDirection uint8

const (
	ClientToServer EventDirection = iota
	ServerToClient
)

// AddEvent folds in one remote event registration.
func (h *Hasher) AddEvent(direction EventDirection, typeName string) {
	h.d.Write([]byte{byte(direction)})
	h.d.Write([]byte(typeName))
}

// AddData folds in arbitrary user-contributed bytes (e.g. a build/version
// tag an application wants to gate compatibility on).
func (h *Hasher) AddData(data []byte) {
	h.d.Write(data)
}

// Sum returns the accumulated digest.
func (h *Hasher) Sum() uint64 {
	return h.d.Sum64()
}

// Mismatch compares a locally computed hash against one received from a
// peer (typically over the reliable-ordered updates channel on first
// connect).
func Mismatch(local, remote uint64) bool {
	return local != remote
}

func (d EventDirection) String() string {
	if d == ClientToServer {
		return "client->server"
	}
	return "server->client"
}
