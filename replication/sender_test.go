package replication

import (
	"bytes"
	"testing"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/replication/internal/message"
	"github.com/gamevidea/replication/internal/packet"
	"github.com/gamevidea/replication/internal/protocol"
)

func decodeActions(t *testing.T, data []byte) *message.EntityActionMessage {
	t.Helper()

	msg := &message.EntityActionMessage{}
	if err := msg.Read(buffer.From(data)); err != nil {
		t.Fatalf("unexpected error decoding actions message: %v", err)
	}
	return msg
}

func decodeUpdates(t *testing.T, data []byte) *message.EntityUpdatesMessage {
	t.Helper()

	msg := &message.EntityUpdatesMessage{}
	if err := msg.Read(buffer.From(data)); err != nil {
		t.Fatalf("unexpected error decoding updates message: %v", err)
	}
	return msg
}

// channelMessages parses every packet and collects the serialized messages of
// one channel in packing order.
func channelMessages(t *testing.T, packets []Packet, channel ChannelID) [][]byte {
	t.Helper()

	var out [][]byte
	for _, p := range packets {
		parsed, err := packet.Parse(p.Data)
		if err != nil {
			t.Fatalf("unexpected error parsing packet: %v", err)
		}
		for _, block := range parsed.Blocks {
			if block.Channel == channel {
				out = append(out, block.Messages...)
			}
		}
	}
	return out
}

func TestSendTickCarriesSpawnAndInsert(t *testing.T) {
	s := NewSender(SenderConfig{})

	s.Register(100, 1, 1.0)
	if err := s.InsertComponent(100, 7, []byte{1, 2}); err != nil {
		t.Fatalf("unexpected error inserting component: %v", err)
	}

	packets, err := s.SendTick(1)
	if err != nil {
		t.Fatalf("unexpected error on send tick: %v", err)
	}

	if len(packets) != 1 || !packets[0].Reliable {
		t.Fatalf("expected one reliable packet, got %+v", packets)
	}

	msgs := channelMessages(t, packets, protocol.ChannelEntityActions)
	if len(msgs) != 1 {
		t.Fatalf("expected one actions message, got %d", len(msgs))
	}

	msg := decodeActions(t, msgs[0])
	if msg.Group != 1 || len(msg.Actions) != 1 {
		t.Fatalf("expected one action entry for group 1, got %+v", msg)
	}

	act := msg.Actions[0]
	if act.Entity != 100 || act.Action.Spawn != message.SpawnNew {
		t.Fatalf("expected a spawn of entity 100, got %+v", act)
	}
	if len(act.Action.Inserts) != 1 || act.Action.Inserts[0].Kind != 7 {
		t.Fatalf("expected the insert to ride the spawn, got %+v", act.Action.Inserts)
	}
}

func TestComponentOperationsRequireRegistration(t *testing.T) {
	s := NewSender(SenderConfig{})

	if err := s.InsertComponent(1, 1, nil); err != UNR_ERROR {
		t.Fatalf("expected UNR_ERROR for insert, got %v", err)
	}
	if err := s.RemoveComponent(1, 1); err != UNR_ERROR {
		t.Fatalf("expected UNR_ERROR for remove, got %v", err)
	}
	if err := s.UpdateComponent(1, 1, nil); err != UNR_ERROR {
		t.Fatalf("expected UNR_ERROR for update, got %v", err)
	}
}

func TestPacketLossRollsBackAndResends(t *testing.T) {
	s := NewSender(SenderConfig{})

	s.Register(100, 1, 1.0)
	if err := s.InsertComponent(100, 7, []byte{1}); err != nil {
		t.Fatalf("unexpected error inserting component: %v", err)
	}

	first, err := s.SendTick(1)
	if err != nil {
		t.Fatalf("unexpected error on tick 1: %v", err)
	}
	s.PacketSent(1, first[0])
	s.PacketAcked(1)

	if err := s.UpdateComponent(100, 7, []byte{9}); err != nil {
		t.Fatalf("unexpected error updating component: %v", err)
	}

	second, err := s.SendTick(2)
	if err != nil {
		t.Fatalf("unexpected error on tick 2: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected one packet on tick 2, got %d", len(second))
	}
	s.PacketSent(2, second[0])
	s.PacketLost(2)

	if tick, ok := s.GroupSendTick(1); !ok || tick != 1 {
		t.Fatalf("expected send tick rolled back to 1, got %d (%v)", tick, ok)
	}

	third, err := s.SendTick(3)
	if err != nil {
		t.Fatalf("unexpected error on tick 3: %v", err)
	}

	msgs := channelMessages(t, third, protocol.ChannelEntityUpdates)
	if len(msgs) != 1 {
		t.Fatalf("expected the lost update re-sent on tick 3, got %d messages", len(msgs))
	}

	msg := decodeUpdates(t, msgs[0])
	if len(msg.Updates) != 1 || !bytes.Equal(msg.Updates[0].Components[0].Payload, []byte{9}) {
		t.Fatalf("expected the latest payload re-included, got %+v", msg.Updates)
	}

	s.PacketSent(3, third[0])
	s.PacketAcked(3)

	fourth, err := s.SendTick(4)
	if err != nil {
		t.Fatalf("unexpected error on tick 4: %v", err)
	}
	if len(fourth) != 0 {
		t.Fatalf("expected nothing to send once acknowledged, got %d packets", len(fourth))
	}
}

func TestBandwidthCapDropsLowerPriorityUpdates(t *testing.T) {
	s := NewSender(SenderConfig{BandwidthCap: 100})

	s.Register(100, 1, 1.0)
	s.Register(200, 2, 5.0)

	spawns, err := s.SendTick(1)
	if err != nil {
		t.Fatalf("unexpected error flushing spawns: %v", err)
	}
	for i, p := range spawns {
		s.PacketSent(uint32(i+1), p)
		s.PacketAcked(uint32(i + 1))
	}

	if err := s.UpdateComponent(100, 1, []byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error updating small component: %v", err)
	}
	if err := s.UpdateComponent(200, 1, bytes.Repeat([]byte{0xEE}, 300)); err != nil {
		t.Fatalf("unexpected error updating large component: %v", err)
	}

	packets, err := s.SendTick(2)
	if err != nil {
		t.Fatalf("unexpected error on capped tick: %v", err)
	}

	msgs := channelMessages(t, packets, protocol.ChannelEntityUpdates)
	if len(msgs) != 1 {
		t.Fatalf("expected only the update that fit the cap, got %d messages", len(msgs))
	}

	if msg := decodeUpdates(t, msgs[0]); msg.Group != 1 {
		t.Fatalf("expected group 1's small update to go out, got group %d", msg.Group)
	}

	if tick, ok := s.GroupSendTick(1); !ok || tick != 2 {
		t.Fatalf("expected group 1 to advance to tick 2, got %d (%v)", tick, ok)
	}
	if tick, ok := s.GroupSendTick(2); !ok || tick != 1 {
		t.Fatalf("expected group 2 to stay at its spawn tick, got %d (%v)", tick, ok)
	}
}

func TestVisibilityFilterSuppressesUpdates(t *testing.T) {
	s := NewSender(SenderConfig{
		Visibility: func(entity EntityID) bool { return entity != 100 },
	})

	s.Register(100, 1, 1.0)

	spawns, err := s.SendTick(1)
	if err != nil {
		t.Fatalf("unexpected error flushing spawn: %v", err)
	}
	s.PacketSent(1, spawns[0])
	s.PacketAcked(1)

	if err := s.UpdateComponent(100, 1, []byte{1}); err != nil {
		t.Fatalf("unexpected error updating component: %v", err)
	}

	packets, err := s.SendTick(2)
	if err != nil {
		t.Fatalf("unexpected error on tick 2: %v", err)
	}

	if len(packets) != 0 {
		t.Fatalf("expected the invisible entity's update to be suppressed, got %d packets", len(packets))
	}
}

func TestUnregisterCarriesDespawn(t *testing.T) {
	s := NewSender(SenderConfig{})

	s.Register(100, 1, 1.0)
	if _, err := s.SendTick(1); err != nil {
		t.Fatalf("unexpected error on tick 1: %v", err)
	}

	s.Unregister(100)

	packets, err := s.SendTick(2)
	if err != nil {
		t.Fatalf("unexpected error on tick 2: %v", err)
	}

	msgs := channelMessages(t, packets, protocol.ChannelEntityActions)
	if len(msgs) != 1 {
		t.Fatalf("expected one actions message, got %d", len(msgs))
	}

	msg := decodeActions(t, msgs[0])
	if len(msg.Actions) != 1 || !msg.Actions[0].Action.Despawn {
		t.Fatalf("expected a despawn entry, got %+v", msg.Actions)
	}
}
