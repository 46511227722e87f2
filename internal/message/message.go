package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/replication/internal/protocol"
)

// Message represents a replication message that can be serialized to and from the
// wire form carried inside a packet's channel block.
type Message interface {
	Read(buf *buffer.Buffer) (err error)
	Write(buf *buffer.Buffer) (err error)
}

// SpawnKind is the tri-state spawn marker of an entity action.
type SpawnKind = uint8

const (
	// SpawnNone means the action does not create a local entity.
	SpawnNone SpawnKind = iota

	// SpawnNew means the receiver must allocate a fresh local entity.
	SpawnNew

	// SpawnReuse means the receiver must attach the remote entity to an existing
	// local entity chosen by the host.
	SpawnReuse
)

// ComponentData is one serialized component payload tagged with its kind. The
// payload bytes are opaque to this library; the host's codec owns them.
type ComponentData struct {
	Kind    protocol.ComponentKind
	Payload []byte
}

// EntityAction is one entity's action-channel delta for one tick. Spawn and
// Despawn are mutually exclusive. Updates are component value deltas co-delivered
// with the action so that an entity spawned and updated in the same tick is
// applied atomically.
type EntityAction struct {
	Spawn   SpawnKind
	Reuse   protocol.EntityID
	Despawn bool
	Inserts []ComponentData
	Removes []protocol.ComponentKind
	Updates []ComponentData
}

// Empty reports whether the action carries no delta at all.
func (a *EntityAction) Empty() bool {
	return a.Spawn == SpawnNone && !a.Despawn &&
		len(a.Inserts) == 0 && len(a.Removes) == 0 && len(a.Updates) == 0
}

// Writes a component list to the buffer and returns an error if the operation
// has failed.
func writeComponents(buf *buffer.Buffer, components []ComponentData) (err error) {
	if err = protocol.WriteVaruint32(buf, uint32(len(components))); err != nil {
		return
	}

	for _, c := range components {
		if err = protocol.WriteVaruint32(buf, uint32(c.Kind)); err != nil {
			return
		}

		if err = protocol.WriteVaruint32(buf, uint32(len(c.Payload))); err != nil {
			return
		}

		if err = buf.Write(c.Payload); err != nil {
			return
		}
	}

	return
}

// Reads a component list from the buffer and returns an error if the operation
// has failed.
func readComponents(buf *buffer.Buffer) ([]ComponentData, error) {
	count, err := protocol.ReadVaruint32(buf)
	if err != nil {
		return nil, err
	}

	if int(count) > buf.Remaining() {
		return nil, protocol.ILN_ERROR
	}

	components := make([]ComponentData, 0, count)

	for i := uint32(0); i < count; i++ {
		kind, err := protocol.ReadVaruint32(buf)
		if err != nil {
			return nil, err
		}

		length, err := protocol.ReadVaruint32(buf)
		if err != nil {
			return nil, err
		}

		if int(length) > buf.Remaining() {
			return nil, protocol.ILN_ERROR
		}

		payload := make([]byte, length)
		if err := buf.Read(payload); err != nil {
			return nil, err
		}

		components = append(components, ComponentData{
			Kind:    protocol.ComponentKind(kind),
			Payload: payload,
		})
	}

	return components, nil
}
