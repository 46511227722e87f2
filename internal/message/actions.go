package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
	"github.com/gamevidea/replication/internal/protocol"
)

// Action entry flag bits. The low two bits hold the spawn kind.
const (
	actionFlagSpawnMask uint8 = 0x03
	actionFlagDespawn   uint8 = 0x04
)

// ActionEntry pairs an entity with its action. Entries keep their insertion
// order on the wire so that both peers observe the same apply order.
type ActionEntry struct {
	Entity protocol.EntityID
	Action EntityAction
}

// EntityActionMessage is the reliable-ordered message of one replication group
// for one tick. The receive-side group channel applies these strictly in
// Sequence order, with no gaps tolerated.
type EntityActionMessage struct {
	Group    protocol.GroupID
	Sequence protocol.MessageID
	Actions  []ActionEntry
}

// Writes the entity action message to the buffer and returns an error if the
// operation has failed.
func (m *EntityActionMessage) Write(buf *buffer.Buffer) (err error) {
	if err = protocol.WriteVaruint32(buf, m.Group); err != nil {
		return
	}

	if err = buf.WriteUint16(uint16(m.Sequence), byteorder.LittleEndian); err != nil {
		return
	}

	if err = protocol.WriteVaruint32(buf, uint32(len(m.Actions))); err != nil {
		return
	}

	for i := range m.Actions {
		entry := &m.Actions[i]

		if err = protocol.WriteVaruint64(buf, entry.Entity); err != nil {
			return
		}

		flags := entry.Action.Spawn & actionFlagSpawnMask
		if entry.Action.Despawn {
			flags |= actionFlagDespawn
		}

		if err = buf.WriteUint8(flags); err != nil {
			return
		}

		if entry.Action.Spawn == SpawnReuse {
			if err = protocol.WriteVaruint64(buf, entry.Action.Reuse); err != nil {
				return
			}
		}

		if err = writeComponents(buf, entry.Action.Inserts); err != nil {
			return
		}

		if err = protocol.WriteVaruint32(buf, uint32(len(entry.Action.Removes))); err != nil {
			return
		}

		for _, kind := range entry.Action.Removes {
			if err = protocol.WriteVaruint32(buf, uint32(kind)); err != nil {
				return
			}
		}

		if err = writeComponents(buf, entry.Action.Updates); err != nil {
			return
		}
	}

	return
}

// Reads the entity action message from the buffer and returns an error if the
// operation has failed.
func (m *EntityActionMessage) Read(buf *buffer.Buffer) (err error) {
	if m.Group, err = protocol.ReadVaruint32(buf); err != nil {
		return
	}

	seq, err := buf.ReadUint16(byteorder.LittleEndian)
	if err != nil {
		return err
	}
	m.Sequence = protocol.MessageID(seq)

	count, err := protocol.ReadVaruint32(buf)
	if err != nil {
		return err
	}

	if int(count) > buf.Remaining() {
		return protocol.ILN_ERROR
	}

	m.Actions = make([]ActionEntry, 0, count)

	for i := uint32(0); i < count; i++ {
		var entry ActionEntry

		if entry.Entity, err = protocol.ReadVaruint64(buf); err != nil {
			return
		}

		flags, err := buf.ReadUint8()
		if err != nil {
			return err
		}

		entry.Action.Spawn = flags & actionFlagSpawnMask
		entry.Action.Despawn = flags&actionFlagDespawn != 0

		if entry.Action.Spawn > SpawnReuse {
			return protocol.ISK_ERROR
		}

		if entry.Action.Spawn == SpawnReuse {
			if entry.Action.Reuse, err = protocol.ReadVaruint64(buf); err != nil {
				return err
			}
		}

		if entry.Action.Inserts, err = readComponents(buf); err != nil {
			return err
		}

		removes, err := protocol.ReadVaruint32(buf)
		if err != nil {
			return err
		}

		if int(removes) > buf.Remaining() {
			return protocol.ILN_ERROR
		}

		entry.Action.Removes = make([]protocol.ComponentKind, 0, removes)
		for j := uint32(0); j < removes; j++ {
			kind, err := protocol.ReadVaruint32(buf)
			if err != nil {
				return err
			}
			entry.Action.Removes = append(entry.Action.Removes, protocol.ComponentKind(kind))
		}

		if entry.Action.Updates, err = readComponents(buf); err != nil {
			return err
		}

		m.Actions = append(m.Actions, entry)
	}

	return nil
}
