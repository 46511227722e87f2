package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
	"github.com/gamevidea/replication/internal/protocol"
)

const updateFlagActionTick uint8 = 0x01

// UpdateEntry pairs an entity with its ordered component value deltas.
type UpdateEntry struct {
	Entity     protocol.EntityID
	Components []ComponentData
}

// EntityUpdatesMessage is the unreliable message of one replication group
// carrying only component value deltas. LastActionTick, when present, is a
// causal dependency: the receiver must not apply this message until the action
// stream of the group has reached that tick.
type EntityUpdatesMessage struct {
	Group          protocol.GroupID
	Sequence       protocol.MessageID
	LastActionTick protocol.Tick
	HasActionTick  bool
	Updates        []UpdateEntry
}

// Writes the entity updates message to the buffer and returns an error if the
// operation has failed.
func (m *EntityUpdatesMessage) Write(buf *buffer.Buffer) (err error) {
	if err = protocol.WriteVaruint32(buf, m.Group); err != nil {
		return
	}

	if err = buf.WriteUint16(uint16(m.Sequence), byteorder.LittleEndian); err != nil {
		return
	}

	var flags uint8
	if m.HasActionTick {
		flags |= updateFlagActionTick
	}

	if err = buf.WriteUint8(flags); err != nil {
		return
	}

	if m.HasActionTick {
		if err = buf.WriteUint16(uint16(m.LastActionTick), byteorder.LittleEndian); err != nil {
			return
		}
	}

	if err = protocol.WriteVaruint32(buf, uint32(len(m.Updates))); err != nil {
		return
	}

	for i := range m.Updates {
		entry := &m.Updates[i]

		if err = protocol.WriteVaruint64(buf, entry.Entity); err != nil {
			return
		}

		if err = writeComponents(buf, entry.Components); err != nil {
			return
		}
	}

	return
}

// Reads the entity updates message from the buffer and returns an error if the
// operation has failed.
func (m *EntityUpdatesMessage) Read(buf *buffer.Buffer) (err error) {
	if m.Group, err = protocol.ReadVaruint32(buf); err != nil {
		return
	}

	seq, err := buf.ReadUint16(byteorder.LittleEndian)
	if err != nil {
		return err
	}
	m.Sequence = protocol.MessageID(seq)

	flags, err := buf.ReadUint8()
	if err != nil {
		return err
	}

	if m.HasActionTick = flags&updateFlagActionTick != 0; m.HasActionTick {
		tick, err := buf.ReadUint16(byteorder.LittleEndian)
		if err != nil {
			return err
		}
		m.LastActionTick = protocol.Tick(tick)
	}

	count, err := protocol.ReadVaruint32(buf)
	if err != nil {
		return err
	}

	if int(count) > buf.Remaining() {
		return protocol.ILN_ERROR
	}

	m.Updates = make([]UpdateEntry, 0, count)

	for i := uint32(0); i < count; i++ {
		var entry UpdateEntry

		if entry.Entity, err = protocol.ReadVaruint64(buf); err != nil {
			return
		}

		if entry.Components, err = readComponents(buf); err != nil {
			return
		}

		m.Updates = append(m.Updates, entry)
	}

	return nil
}
