package replication

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/replication/internal/channel"
	"github.com/gamevidea/replication/internal/message"
	"github.com/gamevidea/replication/internal/packet"
	"github.com/gamevidea/replication/internal/protocol"
)

// Packet is one outbound packet produced by a send tick. Data never exceeds
// the configured MTU; Reliable marks packets the transport must keep for
// retransmission on loss.
type Packet struct {
	Data     []byte
	Reliable bool

	refs []packet.MessageRef
}

type componentState struct {
	payload []byte
	dirty   bool
	sent    bool
	sentAt  Tick
}

type replicatedEntity struct {
	group      GroupID
	components map[ComponentKind]*componentState
}

// Sender orchestrates the send side of one connection: it collects per-entity
// change notifications into the per-group channels, finalizes them into wire
// messages once per send tick, schedules them under the optional bandwidth cap
// and feeds the packet builder.
//
// A Sender is owned by one connection. Its methods are safe to call
// concurrently: the transport invokes the receipt entry points from its read
// goroutines while the host's tick goroutine drives SendTick.
type Sender struct {
	cfg     SenderConfig
	logger  *slog.Logger
	metrics *Metrics

	mu sync.Mutex

	entities map[EntityID]*replicatedEntity
	channels map[GroupID]*channel.SendChannel

	builder *packet.Builder
	queue   protocol.PriorityQueue
	scratch *buffer.Buffer

	// datagram sequence -> packed message refs, for receipt translation
	datagrams map[uint32][]packet.MessageRef
}

func NewSender(cfg SenderConfig) *Sender {
	cfg = cfg.withDefaults()

	return &Sender{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "replication.sender"),
		metrics:   NewMetrics(cfg.Registerer),
		entities:  map[EntityID]*replicatedEntity{},
		channels:  map[GroupID]*channel.SendChannel{},
		builder:   packet.NewBuilder(cfg.MTU),
		scratch:   buffer.New(protocol.MAX_MESSAGE_SIZE),
		datagrams: map[uint32][]packet.MessageRef{},
	}
}

func (s *Sender) groupChannel(group GroupID, basePriority float64) *channel.SendChannel {
	ch, ok := s.channels[group]
	if !ok {
		ch = channel.NewSendChannel(group, basePriority, s.logger)
		s.channels[group] = ch
	}
	return ch
}

// Register marks an entity for replication to the peer: the next send tick
// carries its spawn action. The first registration of a group fixes the
// group's base priority. Registering an already registered entity is a no-op.
func (s *Sender) Register(entity EntityID, group GroupID, basePriority float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[entity]; ok {
		return
	}

	s.entities[entity] = &replicatedEntity{
		group:      group,
		components: map[ComponentKind]*componentState{},
	}

	s.groupChannel(group, basePriority).PrepareSpawn(entity, message.SpawnNew, 0)
}

// RegisterExisting is Register for an entity the peer should attach to one of
// its existing entities instead of spawning a fresh one; reuse names that
// entity in the peer's id space.
func (s *Sender) RegisterExisting(entity EntityID, group GroupID, basePriority float64, reuse EntityID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[entity]; ok {
		return
	}

	s.entities[entity] = &replicatedEntity{
		group:      group,
		components: map[ComponentKind]*componentState{},
	}

	s.groupChannel(group, basePriority).PrepareSpawn(entity, message.SpawnReuse, reuse)
}

// Unregister stops replicating the entity and carries its despawn to the peer.
func (s *Sender) Unregister(entity EntityID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entity]
	if !ok {
		return
	}

	delete(s.entities, entity)
	s.channels[e.group].PrepareDespawn(entity)
}

// InsertComponent records a component insertion on a replicated entity. The
// payload is the component's serialized value at insertion time.
func (s *Sender) InsertComponent(entity EntityID, kind ComponentKind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entity]
	if !ok {
		return UNR_ERROR
	}

	e.components[kind] = &componentState{payload: payload}
	s.channels[e.group].PrepareInsert(entity, ComponentData{Kind: kind, Payload: payload})
	return nil
}

// RemoveComponent records a component removal on a replicated entity.
func (s *Sender) RemoveComponent(entity EntityID, kind ComponentKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entity]
	if !ok {
		return UNR_ERROR
	}

	delete(e.components, kind)
	s.channels[e.group].PrepareRemove(entity, kind)
	return nil
}

// UpdateComponent records a component value change. The latest payload is kept
// per (entity, component) so that a send-tick rollback after loss re-includes
// everything changed since the last acked tick.
func (s *Sender) UpdateComponent(entity EntityID, kind ComponentKind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entity]
	if !ok {
		return UNR_ERROR
	}

	st, ok := e.components[kind]
	if !ok {
		st = &componentState{}
		e.components[kind] = st
	}

	st.payload = payload
	st.dirty = true
	return nil
}

// GroupSendTick reports the group's send tick, for host-side diagnostics.
func (s *Sender) GroupSendTick(group GroupID) (Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[group]; ok {
		return ch.SendTick()
	}
	return 0, false
}

// GroupAckTick reports the group's ack tick, for host-side diagnostics.
func (s *Sender) GroupAckTick(group GroupID) (Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[group]; ok {
		return ch.AckTick()
	}
	return 0, false
}

// collectUpdates pushes every component delta that the peer has not confirmed
// past into its group channel: freshly dirty ones, and previously sent ones
// behind the group's rolled-back send tick.
func (s *Sender) collectUpdates(tick Tick) {
	ids := make([]EntityID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if s.cfg.Visibility != nil && !s.cfg.Visibility(id) {
			continue
		}

		e := s.entities[id]
		ch := s.channels[e.group]
		sendTick, hasSendTick := ch.SendTick()

		kinds := make([]ComponentKind, 0, len(e.components))
		for kind := range e.components {
			kinds = append(kinds, kind)
		}
		slices.Sort(kinds)

		for _, kind := range kinds {
			st := e.components[kind]

			include := st.dirty
			if !include && st.sent {
				include = !hasSendTick || st.sentAt.After(sendTick)
			}
			if !include {
				continue
			}

			ch.PrepareUpdate(id, ComponentData{Kind: kind, Payload: st.payload})
			st.dirty = false
			st.sent = true
			st.sentAt = tick
		}
	}
}

// SendTick finalizes every group's pending deltas for the tick and packs the
// resulting messages into MTU-bounded packets for the transport. When a
// bandwidth cap is set, update messages compete for it by descending
// accumulated priority; action messages always go out.
func (s *Sender) SendTick(tick Tick) ([]Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collectUpdates(tick)

	groups := make([]GroupID, 0, len(s.channels))
	for group := range s.channels {
		groups = append(groups, group)
	}
	slices.Sort(groups)

	budget := s.cfg.BandwidthCap

	for _, group := range groups {
		ch := s.channels[group]

		actions, updates, priority := ch.Finalize(tick)
		ch.Cleanup(tick)

		if actions != nil {
			data, err := s.encode(actions)
			if err != nil {
				return nil, fmt.Errorf("encode actions for group %d: %w", group, err)
			}

			if err := s.builder.AddMessage(protocol.ChannelEntityActions, group, actions.Sequence, data); err != nil {
				return nil, fmt.Errorf("pack actions for group %d: %w", group, err)
			}

			ch.HandleSendNotification(protocol.ChannelEntityActions, actions.Sequence)
			s.metrics.MessagesSent.WithLabelValues(labelActions).Inc()
		}

		if updates != nil {
			data, err := s.encode(updates)
			if err != nil {
				return nil, fmt.Errorf("encode updates for group %d: %w", group, err)
			}

			if s.cfg.BandwidthCap <= 0 {
				if err := s.builder.AddMessage(protocol.ChannelEntityUpdates, group, updates.Sequence, data); err != nil {
					return nil, fmt.Errorf("pack updates for group %d: %w", group, err)
				}

				ch.HandleSendNotification(protocol.ChannelEntityUpdates, updates.Sequence)
				s.metrics.MessagesSent.WithLabelValues(labelUpdates).Inc()
			} else {
				s.queue.Schedule(&protocol.Scheduled{
					Channel:  protocol.ChannelEntityUpdates,
					Group:    group,
					ID:       updates.Sequence,
					Priority: priority,
					Payload:  data,
				})
			}
		}
	}

	for {
		entry := s.queue.Next()
		if entry == nil {
			break
		}

		ch := s.channels[entry.Group]

		if len(entry.Payload) > budget {
			ch.HandleDrop(entry.Channel, entry.ID)
			s.metrics.MessagesCapped.Inc()
			continue
		}

		budget -= len(entry.Payload)

		if err := s.builder.AddMessage(entry.Channel, entry.Group, entry.ID, entry.Payload); err != nil {
			return nil, fmt.Errorf("pack updates for group %d: %w", entry.Group, err)
		}

		ch.HandleSendNotification(entry.Channel, entry.ID)
		s.metrics.MessagesSent.WithLabelValues(labelUpdates).Inc()
	}

	built := s.builder.Build(tick)

	packets := make([]Packet, 0, len(built))
	for _, b := range built {
		s.metrics.PacketsBuilt.Inc()
		s.metrics.BytesQueued.Add(float64(len(b.Data)))

		packets = append(packets, Packet{
			Data:     b.Data,
			Reliable: b.Reliable,
			refs:     b.Refs,
		})
	}

	return packets, nil
}

// PacketSent records the datagram sequence number the transport assigned to a
// packet at flush time, so later receipts can be translated back to message
// ids.
func (s *Sender) PacketSent(seq uint32, p Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p.refs) > 0 {
		s.datagrams[seq] = p.refs
	}
}

// PacketRemapped moves a retransmitted datagram's references to the fresh
// sequence number the transport flushed it under.
func (s *Sender) PacketRemapped(old, fresh uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, ok := s.datagrams[old]
	if !ok {
		return
	}

	delete(s.datagrams, old)
	s.datagrams[fresh] = refs
}

// PacketAcked translates a datagram acknowledgment into per-group ack ticks.
func (s *Sender) PacketAcked(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, ok := s.datagrams[seq]
	if !ok {
		return
	}

	delete(s.datagrams, seq)

	for _, ref := range refs {
		if ch, ok := s.channels[ref.Group]; ok {
			ch.HandleAck(ref.Channel, ref.ID)
		}
	}
}

// PacketLost translates a datagram loss into per-group rollbacks. Reliable
// datagrams are retransmitted by the transport itself; their action messages
// are unaffected here.
func (s *Sender) PacketLost(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, ok := s.datagrams[seq]
	if !ok {
		return
	}

	delete(s.datagrams, seq)

	for _, ref := range refs {
		if ch, ok := s.channels[ref.Group]; ok {
			ch.HandleNack(ref.Channel, ref.ID)
		}
	}
}

func (s *Sender) encode(m message.Message) ([]byte, error) {
	s.scratch.Reset()

	if err := m.Write(s.scratch); err != nil {
		return nil, MTL_ERROR
	}

	data := make([]byte, s.scratch.Offset())
	copy(data, s.scratch.Bytes())
	return data, nil
}
