package replication

// entityMap is the bidirectional remote-to-local entity id mapping owned by one
// connection's receiver. Entries are inserted explicitly on spawn and removed
// explicitly on despawn; nothing is ever inferred.
type entityMap struct {
	toLocal  map[EntityID]EntityID
	toRemote map[EntityID]EntityID
}

func newEntityMap() *entityMap {
	return &entityMap{
		toLocal:  map[EntityID]EntityID{},
		toRemote: map[EntityID]EntityID{},
	}
}

func (m *entityMap) insert(remote, local EntityID) {
	m.toLocal[remote] = local
	m.toRemote[local] = remote
}

func (m *entityMap) local(remote EntityID) (EntityID, bool) {
	local, ok := m.toLocal[remote]
	return local, ok
}

func (m *entityMap) remote(local EntityID) (EntityID, bool) {
	remote, ok := m.toRemote[local]
	return remote, ok
}

func (m *entityMap) remove(remote EntityID) {
	if local, ok := m.toLocal[remote]; ok {
		delete(m.toRemote, local)
		delete(m.toLocal, remote)
	}
}

func (m *entityMap) len() int {
	return len(m.toLocal)
}
