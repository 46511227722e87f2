// Package replication implements a reliable, ordered, bandwidth-aware
// entity-replication protocol on top of an unreliable, MTU-limited datagram
// transport. A host describes changes to its world as per-entity actions and
// component value deltas; the sender turns them into per-group wire messages
// packed into MTU-bounded packets, and the receiver reapplies them to the
// remote world with per-group causal ordering.
package replication

import (
	"github.com/gamevidea/replication/internal/message"
	"github.com/gamevidea/replication/internal/protocol"
)

// Wire-level scalar types, shared with the internal packages.
type (
	Tick          = protocol.Tick
	MessageID     = protocol.MessageID
	GroupID       = protocol.GroupID
	EntityID      = protocol.EntityID
	ComponentKind = protocol.ComponentKind
	ChannelID     = protocol.ChannelID
)

// ComponentData is one serialized component payload tagged with its kind.
type ComponentData = message.ComponentData

// MTU is the packet size budget used when a config leaves its MTU zero.
const MTU = protocol.MAX_MTU_SIZE

// World is the host world surface the receiver applies remote deltas to. All
// entity ids are local to this host. DespawnEntity is expected to also despawn
// entities that depend on the given one; the receiver only removes its own
// id mapping.
type World interface {
	SpawnEntity() EntityID
	DespawnEntity(EntityID)
	InsertComponent(entity EntityID, kind ComponentKind, payload []byte) error
	RemoveComponent(entity EntityID, kind ComponentKind) error
	UpdateComponent(entity EntityID, kind ComponentKind, payload []byte) error
}

// EntityResolver resolves a remote entity id to the local entity it maps to.
type EntityResolver func(remote EntityID) (EntityID, bool)

// MapEntitiesFunc rewrites the entity references embedded in a component
// payload through the resolver, returning the rewritten payload. Registered
// per component kind for payloads that carry entity ids.
type MapEntitiesFunc func(payload []byte, resolve EntityResolver) ([]byte, error)

// ComponentRegistry holds the per-kind hooks the receiver needs when applying
// component payloads. Kinds without hooks pass through untouched.
type ComponentRegistry struct {
	mappers map[ComponentKind]MapEntitiesFunc
}

func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{
		mappers: map[ComponentKind]MapEntitiesFunc{},
	}
}

// RegisterMapper installs the entity-reference rewriter for a component kind.
func (r *ComponentRegistry) RegisterMapper(kind ComponentKind, fn MapEntitiesFunc) {
	r.mappers[kind] = fn
}

func (r *ComponentRegistry) mapper(kind ComponentKind) MapEntitiesFunc {
	if r == nil {
		return nil
	}
	return r.mappers[kind]
}

// EventKind discriminates the applied-event stream.
type EventKind uint8

const (
	EventSpawn EventKind = iota
	EventDespawn
	EventInsert
	EventRemove
	EventUpdate
)

// AppliedEvent is one world mutation the receiver performed, reported with the
// local entity id so the host's own game logic, prediction and interpolation
// can react to it.
type AppliedEvent struct {
	Kind      EventKind
	Tick      Tick
	Entity    EntityID
	Component ComponentKind
	Payload   []byte
}
