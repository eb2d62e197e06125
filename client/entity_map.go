// Package client implements the receiving side of replication: decoding
// incoming updates and mutations, mapping server entity IDs onto locally
// allocated ones, and applying changes through a deferred per-entity batch
// so a single incoming message never thrashes the host world's archetype
// storage (spec §4.8).
package client

import (
	"fmt"

	"github.com/projectharmonia/replicon"
)

// ServerEntityMap is the bijective mapping between server-allocated entity
// IDs and this client's local ones (spec §3 "ServerEntityMap"). Entries are
// created either when the client first receives an entity the server
// spawned, or pre-populated by the client for a pre-spawned entity whose
// identity is agreed in advance (Testable Property 6).
type ServerEntityMap struct {
	serverToLocal map[replicon.Entity]replicon.Entity
	localToServer map[replicon.Entity]replicon.Entity
}

// NewServerEntityMap returns an empty map.
func NewServerEntityMap() *ServerEntityMap {
	return &ServerEntityMap{
		serverToLocal: make(map[replicon.Entity]replicon.Entity),
		localToServer: make(map[replicon.Entity]replicon.Entity),
	}
}

// Insert records server <-> local as a mapped pair. Inserting the same pair
// twice is a no-op; inserting a pair that conflicts with an existing mapping
// on either side is an error (Testable Property 7, spec §3 "Entity-to-entity
// mappings are bijective within each client").
func (m *ServerEntityMap) Insert(server, local replicon.Entity) error {
	if existingLocal, ok := m.serverToLocal[server]; ok {
		if existingLocal == local {
			return nil
		}
		return fmt.Errorf("client: server entity %v already mapped to %v, cannot remap to %v", server, existingLocal, local)
	}
	if existingServer, ok := m.localToServer[local]; ok {
		return fmt.Errorf("client: local entity %v already mapped to server entity %v, cannot remap from %v", local, existingServer, server)
	}
	m.serverToLocal[server] = local
	m.localToServer[local] = server
	return nil
}

// ToLocal resolves a server entity to its local counterpart.
func (m *ServerEntityMap) ToLocal(server replicon.Entity) (replicon.Entity, bool) {
	local, ok := m.serverToLocal[server]
	return local, ok
}

// ToServer resolves a local entity to its server counterpart.
func (m *ServerEntityMap) ToServer(local replicon.Entity) (replicon.Entity, bool) {
	server, ok := m.localToServer[local]
	return server, ok
}

// Remove drops the mapping for server, if present, returning the local
// entity it was mapped to.
func (m *ServerEntityMap) Remove(server replicon.Entity) (replicon.Entity, bool) {
	local, ok := m.serverToLocal[server]
	if !ok {
		return replicon.Entity{}, false
	}
	delete(m.serverToLocal, server)
	delete(m.localToServer, local)
	return local, true
}

// Len reports the number of mapped pairs.
func (m *ServerEntityMap) Len() int {
	return len(m.serverToLocal)
}
